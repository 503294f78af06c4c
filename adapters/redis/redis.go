// Package redis is a Redis Streams transport. Every queue and topic is a stream; a queue is
// read by one consumer group named after it and each topic subscription is its own group.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/wire"
)

const (
	fieldBody         = "body"
	fieldHeaderPrefix = "h:"
)

// Entry is one stream entry.
type Entry struct {
	ID     string
	Values map[string]any
}

// Client is the Streams subset the transport needs. NewWithRedis provides the real one;
// tests supply fakes.
type Client interface {
	Add(ctx context.Context, stream string, values map[string]any) (string, error)
	// CreateGroup creates stream and group when missing. An existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup returns up to count new entries for consumer, blocking at most block.
	// A negative block does not wait. A timeout yields no entries.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Del(ctx context.Context, stream string, ids ...string) (int64, error)
	// Range returns up to count of the oldest entries.
	Range(ctx context.Context, stream string, count int64) ([]Entry, error)
	Len(ctx context.Context, stream string) (int64, error)
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithConsumer names this process inside every consumer group. Defaults to a random name.
func WithConsumer(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.consumer = name
		}
	}
}

// WithAutoDelete removes entries from a queue stream once they are completed.
func WithAutoDelete(on bool) Option { return func(t *Transport) { t.autoDelete = on } }

// Transport implements cbus.Transport over a Client. Scheduled sends are not supported.
type Transport struct {
	client     Client
	consumer   string
	autoDelete bool

	mu     sync.Mutex
	closed bool
}

var _ cbus.Transport = (*Transport)(nil)

// New returns a transport over c.
func New(c Client, opts ...Option) *Transport {
	t := &Transport{client: c, consumer: "scgbus-" + uuid.NewString()}
	for _, o := range opts {
		o(t)
	}

	return t
}

// Send appends msg to the stream named path.
func (t *Transport) Send(ctx context.Context, path string, msg *cbus.Message) error {
	wrap, label := berr.ErrEnqueueFailed, "enqueue"
	if msg.Kind.Broadcast() {
		wrap, label = berr.ErrPublishFailed, "publish"
	}

	if err := t.ready(ctx, label); err != nil {
		return err
	}

	if !msg.ScheduledAt.IsZero() && msg.ScheduledAt.After(time.Now()) {
		return fmt.Errorf("redis %s %s: %w", label, path, berr.ErrDelayUnsupported)
	}

	if _, err := t.client.Add(ctx, path, encode(msg)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("redis %s %s: %w", label, path, errors.Join(wrap, err))
	}

	return nil
}

// CreateQueueReceiver joins the group shared by every receiver of queue. The group starts at
// the beginning of the stream so commands sent before the first receiver are kept.
func (t *Transport) CreateQueueReceiver(queue string) (cbus.ReceiverClient, error) {
	return t.subscribe(endpoint{stream: queue, group: queue, retry: queue}, "0")
}

// CreateSubscriptionReceiver joins the group of topic/subscription. Abandoned entries go to a
// retry stream read only by that group, so other subscriptions never see them twice.
func (t *Transport) CreateSubscriptionReceiver(topic, subscription string) (cbus.ReceiverClient, error) {
	ep := endpoint{stream: topic, group: subscription, retry: topic + ":" + subscription + ":retry"}

	return t.subscribe(ep, "$")
}

func (t *Transport) subscribe(ep endpoint, start string) (cbus.ReceiverClient, error) {
	ctx := context.Background()
	if err := t.ready(ctx, "subscribe"); err != nil {
		return nil, err
	}

	if err := t.client.CreateGroup(ctx, ep.stream, ep.group, start); err != nil {
		return nil, fmt.Errorf("redis subscribe %s: %w", ep.stream, errors.Join(berr.ErrReceiveFailed, err))
	}

	if ep.retry != ep.stream {
		if err := t.client.CreateGroup(ctx, ep.retry, ep.group, "0"); err != nil {
			return nil, fmt.Errorf("redis subscribe %s: %w", ep.retry, errors.Join(berr.ErrReceiveFailed, err))
		}
	}

	return &receiverClient{t: t, ep: ep}, nil
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
		return fmt.Errorf("redis %s: %w", label, berr.ErrTransportClosed)
	}

	return nil
}

type endpoint struct {
	stream string
	group  string
	retry  string
}

type receiverClient struct {
	t  *Transport
	ep endpoint
}

// ReceiveBatch drains the retry stream first, then blocks on the main stream.
func (r *receiverClient) ReceiveBatch(ctx context.Context, n int, wait time.Duration) ([]*cbus.Message, error) {
	if err := r.t.ready(ctx, "receive"); err != nil {
		return nil, err
	}

	if r.ep.retry != r.ep.stream {
		es, err := r.read(ctx, r.ep.retry, n, -1)
		if err != nil || len(es) > 0 {
			return es, err
		}
	}

	// Block 0 waits forever.
	block := time.Duration(-1)
	if wait > 0 {
		block = max(wait, time.Millisecond)
	}

	return r.read(ctx, r.ep.stream, n, block)
}

func (r *receiverClient) read(ctx context.Context, stream string, count int, block time.Duration) ([]*cbus.Message, error) {
	es, err := r.t.client.ReadGroup(ctx, stream, r.ep.group, r.t.consumer, count, block)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("redis read %s: %w", stream, errors.Join(berr.ErrReceiveFailed, err))
	}

	out := make([]*cbus.Message, 0, len(es))

	for _, e := range es {
		msg := decode(e)
		msg.Settler = &settler{r: r, stream: stream, id: e.ID, msg: msg.Clone()}
		out = append(out, msg)
	}

	return out, nil
}

func (r *receiverClient) Close() error { return nil }

type settler struct {
	r      *receiverClient
	stream string
	id     string
	msg    *cbus.Message
}

// Complete acknowledges the entry. With auto delete on, entries of streams read by a single
// group are removed too.
func (s *settler) Complete(ctx context.Context) error {
	ep := s.r.ep
	if err := s.r.t.client.Ack(ctx, s.stream, ep.group, s.id); err != nil {
		return fmt.Errorf("redis ack %s: %w", s.stream, err)
	}

	if s.r.t.autoDelete && s.stream == ep.retry {
		_, _ = s.r.t.client.Del(ctx, s.stream, s.id) //nolint:errcheck // trimming is best-effort
	}

	return nil
}

// Abandon appends a copy with a raised delivery count to the retry stream and acknowledges
// the original.
func (s *settler) Abandon(ctx context.Context) error {
	ep := s.r.ep
	cp := s.msg.Clone()
	cp.DeliveryCount++

	if _, err := s.r.t.client.Add(ctx, ep.retry, encode(cp)); err != nil {
		return fmt.Errorf("redis requeue %s: %w", ep.retry, err)
	}

	if err := s.r.t.client.Ack(ctx, s.stream, ep.group, s.id); err != nil {
		return fmt.Errorf("redis ack %s: %w", s.stream, err)
	}

	if s.stream == ep.retry {
		_, _ = s.r.t.client.Del(ctx, s.stream, s.id) //nolint:errcheck // trimming is best-effort
	}

	return nil
}

func encode(msg *cbus.Message) map[string]any {
	h := wire.Headers(msg)
	if msg.DeliveryCount > 0 {
		h[cbus.HeaderDeliveryCount] = strconv.Itoa(msg.DeliveryCount)
	}

	values := make(map[string]any, len(h)+1)
	values[fieldBody] = msg.Body

	for k, v := range h {
		values[fieldHeaderPrefix+k] = v
	}

	return values
}

func decode(e Entry) *cbus.Message {
	h := make(map[string]string, len(e.Values))

	var body []byte

	for k, v := range e.Values {
		if k == fieldBody {
			body = []byte(asString(v))

			continue
		}

		if name, ok := strings.CutPrefix(k, fieldHeaderPrefix); ok {
			h[name] = asString(v)
		}
	}

	return wire.Message(h, body, 0)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
