// Package inmemory is a process-local transport with queue, topic and subscription semantics.
// It is used by tests, examples and single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the clock used for scheduled delivery and receive waits.
func WithClock(c clock.Clock) Option { return func(t *Transport) { t.clock = c } }

// Transport keeps queues and topic subscriptions in memory. Messages published to a topic
// are copied to every subscription that exists at publish time.
type Transport struct {
	mu     sync.Mutex
	clock  clock.Clock
	queues map[string]*queue
	topics map[string]map[string]*queue
	timers map[uint64]*clock.Timer
	nextID uint64
	closed bool
}

var _ cbus.Transport = (*Transport)(nil)

// New creates an empty transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		clock:  clock.New(),
		queues: make(map[string]*queue),
		topics: make(map[string]map[string]*queue),
		timers: make(map[uint64]*clock.Timer),
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

// Send enqueues msg on queue path, or on every subscription of topic path when msg.Kind is a broadcast.
// Messages scheduled in the future become visible at msg.ScheduledAt.
func (t *Transport) Send(ctx context.Context, path string, msg *cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("send %s: %w", path, berr.ErrTransportClosed)
	}

	var targets []*queue

	if msg.Kind.Broadcast() {
		for _, q := range t.topics[path] {
			targets = append(targets, q)
		}
	} else {
		targets = append(targets, t.queueLocked(path))
	}

	now := t.clock.Now()

	for _, q := range targets {
		e := &entry{msg: msg.Clone()}
		e.msg.EnqueuedAt = now

		if delay := msg.ScheduledAt.Sub(now); !msg.ScheduledAt.IsZero() && delay > 0 {
			t.nextID++
			id := t.nextID
			t.timers[id] = t.clock.AfterFunc(delay, func() {
				t.mu.Lock()
				delete(t.timers, id)
				t.mu.Unlock()

				q.push(e, false)
			})

			continue
		}

		q.push(e, false)
	}

	return nil
}

// CreateQueueReceiver returns a client for queue, creating the queue if needed.
func (t *Transport) CreateQueueReceiver(queue string) (cbus.ReceiverClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("receiver %s: %w", queue, berr.ErrTransportClosed)
	}

	return &client{t: t, q: t.queueLocked(queue)}, nil
}

// CreateSubscriptionReceiver returns a client for topic/subscription, creating the subscription if needed.
func (t *Transport) CreateSubscriptionReceiver(topic, subscription string) (cbus.ReceiverClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("receiver %s/%s: %w", topic, subscription, berr.ErrTransportClosed)
	}

	subs, ok := t.topics[topic]
	if !ok {
		subs = make(map[string]*queue)
		t.topics[topic] = subs
	}

	q, ok := subs[subscription]
	if !ok {
		q = newQueue()
		subs[subscription] = q
	}

	return &client{t: t, q: q}, nil
}

// Depth returns the number of messages ready on queue path.
func (t *Transport) Depth(path string) int {
	t.mu.Lock()
	q, ok := t.queues[path]
	t.mu.Unlock()

	if !ok {
		return 0
	}

	return q.len()
}

// Close stops scheduled deliveries and rejects further sends and receives.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	for _, tm := range t.timers {
		tm.Stop()
	}

	return nil
}

// Scheduled reports how many deferred deliveries have not fired yet.
func (t *Transport) Scheduled() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.timers)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *Transport) queueLocked(path string) *queue {
	q, ok := t.queues[path]
	if !ok {
		q = newQueue()
		t.queues[path] = q
	}

	return q
}

type entry struct {
	msg        *cbus.Message
	deliveries int
}

type queue struct {
	mu     sync.Mutex
	ready  []*entry
	notify chan struct{}
}

func newQueue() *queue { return &queue{notify: make(chan struct{}, 1)} }

func (q *queue) push(e *entry, front bool) {
	q.mu.Lock()
	if front {
		q.ready = append([]*entry{e}, q.ready...)
	} else {
		q.ready = append(q.ready, e)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) take(max int) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.ready))
	out := append([]*entry(nil), q.ready[:n]...)
	q.ready = q.ready[n:]

	if len(q.ready) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready)
}

type client struct {
	t *Transport
	q *queue

	mu     sync.Mutex
	closed bool
}

func (c *client) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*cbus.Message, error) {
	timer := c.t.clock.Timer(wait)
	defer timer.Stop()

	for {
		if err := c.check(); err != nil {
			return nil, err
		}

		if entries := c.q.take(max); len(entries) > 0 {
			out := make([]*cbus.Message, 0, len(entries))

			for _, e := range entries {
				e.deliveries++

				m := e.msg.Clone()
				m.DeliveryCount = e.deliveries
				m.Settler = &settler{q: c.q, e: e}
				out = append(out, m)
			}

			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-c.q.notify:
		}
	}
}

func (c *client) check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed || c.t.isClosed() {
		return fmt.Errorf("receive: %w", berr.ErrTransportClosed)
	}

	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

// settler returns abandoned messages to the head of their queue. Only the first settlement counts.
type settler struct {
	q    *queue
	e    *entry
	once sync.Once
}

func (s *settler) Complete(context.Context) error {
	s.once.Do(func() {})

	return nil
}

func (s *settler) Abandon(context.Context) error {
	s.once.Do(func() { s.q.push(s.e, true) })

	return nil
}
