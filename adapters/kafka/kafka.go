// Package kafka is a Kafka transport. Queues and topics are Kafka topics; every receiver of a
// queue joins the consumer group named after the queue, and every topic subscription has its
// own group. Kafka cannot release a single record, so an abandoned message is produced again
// with its delivery count raised and the original offset is committed. Abandoned subscription
// messages go to a retry topic read only by that subscription.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/wire"
)

// Writer produces one record synchronously.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed record.
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Headers     map[string]string
}

// Consumer is a consumer-group member with manual commits.
type Consumer interface {
	// Poll returns up to max records, or none once ctx ends.
	Poll(ctx context.Context, max int) ([]Record, error)
	Commit(ctx context.Context, r Record) error
	Close()
}

// Consumers creates group members. fromStart selects where a new group begins reading.
type Consumers interface {
	Consumer(topic, group string, fromStart bool) (Consumer, error)
}

// Transport implements cbus.Transport over a Writer and a Consumers factory.
type Transport struct {
	w       Writer
	c       Consumers
	closeFn func()

	mu     sync.Mutex
	closed bool
}

var _ cbus.Transport = (*Transport)(nil)

// New returns a transport. closeFn, when not nil, runs once on Close.
func New(w Writer, c Consumers, closeFn func()) *Transport {
	return &Transport{w: w, c: c, closeFn: closeFn}
}

// Send produces msg to topic path, keyed by message ID.
func (t *Transport) Send(ctx context.Context, path string, msg *cbus.Message) error {
	if err := t.ready(ctx, "send"); err != nil {
		return err
	}

	if err := t.w.Write(ctx, path, []byte(msg.ID), msg.Body, wire.Headers(msg)); err != nil {
		return wrapProduceErr(path, err, msg.Kind.Broadcast())
	}

	return nil
}

// RetryTopic is where abandoned messages of topic/subscription are produced again.
func RetryTopic(topic, subscription string) string { return topic + "." + subscription + ".retry" }

// CreateQueueReceiver joins the consumer group shared by every receiver of queue. Abandoned
// messages return to the queue topic itself.
func (t *Transport) CreateQueueReceiver(queue string) (cbus.ReceiverClient, error) {
	primary, err := t.consumer(queue, queue, true)
	if err != nil {
		return nil, err
	}

	return &receiverClient{t: t, main: endpoint{topic: queue, c: primary}}, nil
}

// CreateSubscriptionReceiver joins the consumer group "topic.subscription" and a second group
// reading the subscription's retry topic from its start.
func (t *Transport) CreateSubscriptionReceiver(topic, subscription string) (cbus.ReceiverClient, error) {
	group := topic + "." + subscription

	primary, err := t.consumer(topic, group, false)
	if err != nil {
		return nil, err
	}

	retryTopic := RetryTopic(topic, subscription)

	retry, err := t.consumer(retryTopic, group+".retry", true)
	if err != nil {
		primary.Close()

		return nil, err
	}

	return &receiverClient{
		t:     t,
		main:  endpoint{topic: retryTopic, c: primary},
		retry: &endpoint{topic: retryTopic, c: retry},
	}, nil
}

func (t *Transport) consumer(topic, group string, fromStart bool) (Consumer, error) {
	if err := t.ready(context.Background(), "receiver"); err != nil {
		return nil, err
	}

	if t.c == nil {
		return nil, fmt.Errorf("kafka receiver %s: %w", topic, berr.ErrReceiveFailed)
	}

	c, err := t.c.Consumer(topic, group, fromStart)
	if err != nil {
		return nil, fmt.Errorf("kafka receiver %s: %w", topic, errors.Join(berr.ErrReceiveFailed, err))
	}

	return c, nil
}

// Close runs closeFn once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	if t.closeFn != nil {
		t.closeFn()
	}

	return nil
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil || t.closed {
		return fmt.Errorf("kafka %s: %w", label, berr.ErrTransportClosed)
	}

	return nil
}

// RetryPoll bounds the non-blocking look at a subscription's retry topic before each receive.
const RetryPoll = 10 * time.Millisecond

// endpoint is a consumer plus the topic its abandoned records are produced to.
type endpoint struct {
	topic string
	c     Consumer
}

type receiverClient struct {
	t     *Transport
	main  endpoint
	retry *endpoint
}

// ReceiveBatch drains the retry topic first, then waits on the main topic.
func (r *receiverClient) ReceiveBatch(ctx context.Context, n int, wait time.Duration) ([]*cbus.Message, error) {
	if r.retry != nil {
		msgs, err := r.poll(ctx, r.retry.c, n, min(wait, RetryPoll))
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}

	return r.poll(ctx, r.main.c, n, wait)
}

func (r *receiverClient) poll(ctx context.Context, c Consumer, n int, wait time.Duration) ([]*cbus.Message, error) {
	pctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	recs, err := c.Poll(pctx, n)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}

		return nil, fmt.Errorf("kafka poll: %w", errors.Join(berr.ErrReceiveFailed, err))
	}

	out := make([]*cbus.Message, 0, len(recs))

	for _, rec := range recs {
		msg := wire.Message(rec.Headers, rec.Value, 0)
		msg.Settler = &settler{w: r.t.w, c: c, retryTopic: r.main.topic, rec: rec, deliveries: msg.DeliveryCount}
		out = append(out, msg)
	}

	return out, nil
}

func (r *receiverClient) Close() error {
	r.main.c.Close()

	if r.retry != nil {
		r.retry.c.Close()
	}

	return nil
}

type settler struct {
	w          Writer
	c          Consumer
	retryTopic string
	rec        Record
	deliveries int
}

func (s *settler) Complete(ctx context.Context) error {
	return s.c.Commit(ctx, s.rec)
}

// Abandon produces the record to the retry topic with the next delivery count, then commits
// the original.
func (s *settler) Abandon(ctx context.Context) error {
	headers := make(map[string]string, len(s.rec.Headers)+1)
	maps.Copy(headers, s.rec.Headers)

	headers[cbus.HeaderDeliveryCount] = strconv.Itoa(s.deliveries + 1)

	if err := s.w.Write(ctx, s.retryTopic, s.rec.Key, s.rec.Value, headers); err != nil {
		return wrapProduceErr(s.retryTopic, err, false)
	}

	return s.c.Commit(ctx, s.rec)
}

func wrapProduceErr(topic string, err error, publish bool) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if publish {
		return fmt.Errorf("%w: kafka publish to %q: %w", berr.ErrPublishFailed, topic, err)
	}

	return fmt.Errorf("%w: kafka enqueue to %q: %w", berr.ErrEnqueueFailed, topic, err)
}
