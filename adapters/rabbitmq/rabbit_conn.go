package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const (
	integrationExchange   = "integration"
	integrationExchangeTy = "topic"
)

// Config configures NewWithAMQPConn.
type Config struct {
	URL         string        `mapstructure:"url"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout"`
	// Exchange is the topic exchange for broadcasts. Defaults to "integration".
	Exchange string `mapstructure:"exchange"`
}

// session keeps one connection and channel alive, redialling with backoff when the broker drops it.
type session struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
}

var _ Channel = (*session)(nil)

func newSession(cfg Config) *session {
	s := &session{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go s.run()

	return s
}

// channel waits for a live channel or ctx.
func (s *session) channel(ctx context.Context) (*amqp.Channel, error) {
	s.mu.RLock()
	ch, ready := s.ch, s.ready
	s.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}

	select {
	case <-ready:
	case <-s.closed:
		return nil, fmt.Errorf("rabbitmq: %w", berr.ErrTransportClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	ch = s.ch
	s.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq not connected", berr.ErrTransportClosed)
	}

	return ch, nil
}

func (s *session) Publish(ctx context.Context, m PubMsg) error {
	ch, err := s.channel(ctx)
	if err != nil {
		return err
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode:  amqp.Persistent,
			Headers:       h,
			ContentType:   "application/json",
			MessageId:     m.MessageID,
			CorrelationId: m.CorrelationID,
			ReplyTo:       m.ReplyTo,
			Type:          m.Type,
			Timestamp:     time.Now(),
			Body:          m.Body,
		},
	)
}

func (s *session) DeclareQueue(name string) error {
	ch, err := s.channel(context.Background())
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(name, true, false, false, false, nil)

	return err
}

func (s *session) BindQueue(queue, exchange, routingKey string) error {
	ch, err := s.channel(context.Background())
	if err != nil {
		return err
	}

	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (s *session) Get(queue string) (Delivery, bool, error) {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()

	if ch == nil {
		return Delivery{}, false, fmt.Errorf("%w: rabbitmq not connected", berr.ErrReceiveFailed)
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil || !ok {
		return Delivery{}, ok, err
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	return Delivery{
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
		Ack:         func() error { return d.Ack(false) },
		Nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}, true, nil
}

func (s *session) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	exchange := s.cfg.Exchange
	if exchange == "" {
		exchange = integrationExchange
	}

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-message-bus"},
			Dial:       amqp.DefaultDial(s.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if err := ch.ExchangeDeclare(exchange, integrationExchangeTy, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
		return conn, ch, nil
	}

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := min(backoff+jitter/2, maxBackoff)
			t := time.NewTimer(sleep)
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second

		s.mu.Lock()
		s.conn = conn
		s.ch = ch
		close(s.ready)
		s.mu.Unlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.closed:
			_ = ch.Close()
			_ = conn.Close()
			return
		case <-notify:
			s.mu.Lock()
			s.ch = nil
			s.conn = nil
			s.ready = make(chan struct{})
			s.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil
}

// NewWithAMQPConn dials RabbitMQ in the background with auto-reconnect, declares the topic
// exchange and returns a transport. Operations wait for the first connection.
func NewWithAMQPConn(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransportClosed)
	}

	if cfg.Exchange != "" {
		opts = append([]Option{WithExchange(cfg.Exchange)}, opts...)
	}

	return New(newSession(cfg), opts...), nil
}
