package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/wire"
)

// DefaultPollInterval is the pause between empty basic.get polls.
const DefaultPollInterval = 50 * time.Millisecond

// PubMsg is one AMQP publishing.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	Body          []byte
	Headers       map[string]string
}

// Delivery is one message fetched with basic.get.
type Delivery struct {
	Body        []byte
	Headers     map[string]string
	Redelivered bool
	Ack         func() error
	Nack        func(requeue bool) error
}

// Channel is the AMQP subset the transport needs. NewWithAMQPConn provides a reconnecting one.
type Channel interface {
	Publish(ctx context.Context, m PubMsg) error
	DeclareQueue(name string) error
	BindQueue(queue, exchange, routingKey string) error
	Get(queue string) (Delivery, bool, error)
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option { return func(t *Transport) { t.exchange = name } }

// WithClock sets the clock used to pace polling.
func WithClock(c clock.Clock) Option { return func(t *Transport) { t.clock = c } }

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option { return func(t *Transport) { t.poll = d } }

// Transport implements cbus.Transport over a Channel.
type Transport struct {
	ch       Channel
	exchange string
	clock    clock.Clock
	poll     time.Duration

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

var _ cbus.Transport = (*Transport)(nil)

// New returns a transport over ch.
func New(ch Channel, opts ...Option) *Transport {
	t := &Transport{
		ch:       ch,
		exchange: integrationExchange,
		clock:    clock.New(),
		poll:     DefaultPollInterval,
		declared: make(map[string]struct{}),
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

// Send publishes msg to queue path through the default exchange, or to the topic exchange
// with routing key path when msg.Kind is a broadcast.
func (t *Transport) Send(ctx context.Context, path string, msg *cbus.Message) error {
	wrap, label := berr.ErrEnqueueFailed, "enqueue"
	if msg.Kind.Broadcast() {
		wrap, label = berr.ErrPublishFailed, "publish"
	}

	if err := t.ready(ctx, label); err != nil {
		return err
	}

	pm := pubMsg(path, msg)

	if msg.Kind.Broadcast() {
		pm.Exchange = t.exchange
	} else if err := t.declare(path); err != nil {
		return fmt.Errorf("rabbitmq %s %s: %w", label, path, errors.Join(wrap, err))
	}

	if err := t.ch.Publish(ctx, pm); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq %s %s: %w", label, path, errors.Join(wrap, err))
	}

	return nil
}

// CreateQueueReceiver declares queue and returns a polling client for it.
func (t *Transport) CreateQueueReceiver(queue string) (cbus.ReceiverClient, error) {
	if err := t.ready(context.Background(), "receiver"); err != nil {
		return nil, err
	}

	if err := t.declare(queue); err != nil {
		return nil, fmt.Errorf("rabbitmq receiver %s: %w", queue, errors.Join(berr.ErrReceiveFailed, err))
	}

	return &receiverClient{t: t, queue: queue}, nil
}

// CreateSubscriptionReceiver declares the queue "topic.subscription" and binds it to topic.
func (t *Transport) CreateSubscriptionReceiver(topic, subscription string) (cbus.ReceiverClient, error) {
	if err := t.ready(context.Background(), "receiver"); err != nil {
		return nil, err
	}

	queue := topic + "." + subscription

	if err := t.declare(queue); err != nil {
		return nil, fmt.Errorf("rabbitmq receiver %s: %w", queue, errors.Join(berr.ErrReceiveFailed, err))
	}

	if err := t.ch.BindQueue(queue, t.exchange, topic); err != nil {
		return nil, fmt.Errorf("rabbitmq bind %s: %w", queue, errors.Join(berr.ErrReceiveFailed, err))
	}

	return &receiverClient{t: t, queue: queue}, nil
}

// Close closes the channel. Later calls are no-ops.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	return t.ch.Close()
}

func (t *Transport) declare(queue string) error {
	t.mu.Lock()
	_, ok := t.declared[queue]
	t.mu.Unlock()

	if ok {
		return nil
	}

	if err := t.ch.DeclareQueue(queue); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared[queue] = struct{}{}
	t.mu.Unlock()

	return nil
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil || t.closed {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrTransportClosed)
	}

	return nil
}

func pubMsg(path string, msg *cbus.Message) PubMsg {
	return PubMsg{
		RoutingKey:    path,
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Type:          msg.Type,
		Body:          msg.Body,
		Headers:       wire.Headers(msg),
	}
}

type receiverClient struct {
	t     *Transport
	queue string
}

// ReceiveBatch drains up to max messages, polling until the first arrives or wait elapses.
func (r *receiverClient) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*cbus.Message, error) {
	deadline := r.t.clock.Now().Add(wait)

	for {
		out, err := r.drain(max)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := deadline.Sub(r.t.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.t.clock.After(min(r.t.poll, remaining)):
		}
	}
}

func (r *receiverClient) drain(max int) ([]*cbus.Message, error) {
	var out []*cbus.Message

	for len(out) < max {
		d, ok, err := r.t.ch.Get(r.queue)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}

			return nil, fmt.Errorf("rabbitmq get %s: %w", r.queue, errors.Join(berr.ErrReceiveFailed, err))
		}

		if !ok {
			break
		}

		// x-delivery-count is stamped by Abandon; the broker only flags requeues after a lost channel.
		deliveries := 1
		if n, err := strconv.Atoi(d.Headers[cbus.HeaderDeliveryCount]); err == nil && n > 0 {
			deliveries = n
		}

		if d.Redelivered {
			deliveries++
		}

		msg := wire.Message(d.Headers, d.Body, deliveries)
		msg.Settler = settler{t: r.t, queue: r.queue, d: d, msg: msg.Clone()}
		out = append(out, msg)
	}

	return out, nil
}

func (r *receiverClient) Close() error { return nil }

type settler struct {
	t     *Transport
	queue string
	d     Delivery
	msg   *cbus.Message
}

func (s settler) Complete(context.Context) error { return s.d.Ack() }

// Abandon publishes a copy with the next delivery count straight to the receiving queue and
// acks the original. If the copy cannot be published the original is requeued instead.
func (s settler) Abandon(ctx context.Context) error {
	cp := s.msg.Clone()
	cp.DeliveryCount++

	pm := pubMsg(s.queue, cp)
	pm.Headers[cbus.HeaderDeliveryCount] = strconv.Itoa(cp.DeliveryCount)

	if err := s.t.ch.Publish(ctx, pm); err != nil {
		if nerr := s.d.Nack(true); nerr != nil {
			return errors.Join(err, nerr)
		}

		return fmt.Errorf("rabbitmq requeue %s: %w", s.queue, err)
	}

	return s.d.Ack()
}
