// Package nats is a JetStream transport. Queues and topics are subjects of one stream;
// queues are shared durable pull consumers and every topic subscription is its own durable.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/wire"
)

// Client is the JetStream subset the transport needs. NewWithNATS provides the real one;
// tests supply fakes.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	// PullSubscribe binds a durable pull consumer. deliverNew skips messages stored before the consumer existed.
	PullSubscribe(subject, durable string, deliverNew bool) (Subscription, error)
	Close() error
}

// Subscription is a durable pull consumer.
type Subscription interface {
	// Fetch returns up to max deliveries, waiting at most wait. A timeout yields an empty batch.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Unsubscribe() error
}

// Delivery is one fetched JetStream message.
type Delivery struct {
	Data         []byte
	Headers      map[string]string
	NumDelivered int
	Ack          func() error
	Nak          func() error
}

// Transport implements cbus.Transport over a Client.
type Transport struct {
	client Client

	mu     sync.Mutex
	closed bool
}

var _ cbus.Transport = (*Transport)(nil)

// New returns a transport over c.
func New(c Client) *Transport { return &Transport{client: c} }

// Send publishes msg on subject path.
func (t *Transport) Send(ctx context.Context, path string, msg *cbus.Message) error {
	wrap, label := berr.ErrEnqueueFailed, "enqueue"
	if msg.Kind.Broadcast() {
		wrap, label = berr.ErrPublishFailed, "publish"
	}

	if err := t.ready(ctx, label); err != nil {
		return err
	}

	if err := t.client.Publish(ctx, path, msg.Body, wire.Headers(msg)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats %s %s: %w", label, path, errors.Join(wrap, err))
	}

	return nil
}

// CreateQueueReceiver binds the durable consumer shared by every receiver of queue.
func (t *Transport) CreateQueueReceiver(queue string) (cbus.ReceiverClient, error) {
	return t.subscribe(queue, durable(queue), false)
}

// CreateSubscriptionReceiver binds the durable consumer of topic/subscription.
func (t *Transport) CreateSubscriptionReceiver(topic, subscription string) (cbus.ReceiverClient, error) {
	return t.subscribe(topic, durable(topic+"."+subscription), true)
}

func (t *Transport) subscribe(subject, name string, deliverNew bool) (cbus.ReceiverClient, error) {
	if err := t.ready(context.Background(), "subscribe"); err != nil {
		return nil, err
	}

	sub, err := t.client.PullSubscribe(subject, name, deliverNew)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, errors.Join(berr.ErrReceiveFailed, err))
	}

	return &receiverClient{sub: sub}, nil
}

// Close closes the client. Later calls are no-ops.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	return t.client.Close()
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil || t.closed {
		return fmt.Errorf("nats %s: %w", label, berr.ErrTransportClosed)
	}

	return nil
}

type receiverClient struct{ sub Subscription }

func (r *receiverClient) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*cbus.Message, error) {
	ds, err := r.sub.Fetch(ctx, max, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("nats fetch: %w", errors.Join(berr.ErrReceiveFailed, err))
	}

	out := make([]*cbus.Message, 0, len(ds))

	for _, d := range ds {
		msg := wire.Message(d.Headers, d.Data, d.NumDelivered)
		msg.Settler = settler{d: d}
		out = append(out, msg)
	}

	return out, nil
}

func (r *receiverClient) Close() error { return r.sub.Unsubscribe() }

type settler struct{ d Delivery }

func (s settler) Complete(context.Context) error { return s.d.Ack() }
func (s settler) Abandon(context.Context) error  { return s.d.Nak() }

// durable derives a consumer name; JetStream forbids '.', '*' and '>' in names.
func durable(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
