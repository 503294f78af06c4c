package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// DefaultSubjects are captured by the stream created by NewWithNATS.
var DefaultSubjects = []string{"cmd.>", "req.>", "mreq.>", "evt.>", "reply.>"}

// Config configures NewWithNATS.
type Config struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	// Stream is created with Subjects when missing. Defaults to "MESSAGEBUS".
	Stream   string   `mapstructure:"stream"`
	Subjects []string `mapstructure:"subjects"`
}

type jsClient struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

func (c jsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	_, err := c.js.PublishMsg(msg, nats.Context(ctx))

	return err
}

func (c jsClient) PullSubscribe(subject, durable string, deliverNew bool) (Subscription, error) {
	opts := []nats.SubOpt{nats.BindStream(c.stream)}
	if deliverNew {
		opts = append(opts, nats.DeliverNew())
	}

	sub, err := c.js.PullSubscribe(subject, durable, opts...)
	if err != nil {
		return nil, err
	}

	return pullSub{sub: sub}, nil
}

func (c jsClient) Close() error {
	if c.nc != nil && !c.nc.IsClosed() {
		_ = c.nc.Drain() //nolint:errcheck // best-effort shutdown
		c.nc.Close()
	}

	return nil
}

type pullSub struct{ sub *nats.Subscription }

func (s pullSub) Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	out := make([]Delivery, 0, len(msgs))

	for _, m := range msgs {
		d := Delivery{
			Data:    m.Data,
			Headers: make(map[string]string, len(m.Header)),
			Ack:     func() error { return m.Ack() },
			Nak:     func() error { return m.Nak() },
		}

		for k := range m.Header {
			d.Headers[k] = m.Header.Get(k)
		}

		if md, merr := m.Metadata(); merr == nil {
			d.NumDelivered = int(md.NumDelivered)
		}

		out = append(out, d)
	}

	return out, nil
}

func (s pullSub) Unsubscribe() error { return s.sub.Unsubscribe() }

// NewWithNATS connects to NATS, ensures the JetStream stream exists and returns a transport.
func NewWithNATS(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrTransportClosed)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransportClosed, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "MESSAGEBUS"
	}

	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = DefaultSubjects
	}

	if _, err := js.StreamInfo(stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{Name: stream, Subjects: subjects})
		if err != nil {
			nc.Close()

			return nil, fmt.Errorf("nats add stream %s: %w", stream, err)
		}
	} else if err != nil {
		nc.Close()

		return nil, fmt.Errorf("nats stream %s: %w", stream, err)
	}

	return New(jsClient{nc: nc, js: js, stream: stream}), nil
}
