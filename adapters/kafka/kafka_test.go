package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-message-bus/adapters/kafka"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

type write struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, write{topic, key, value, headers})

	return f.err
}

type group struct {
	topic     string
	fromStart bool
}

type fakeConsumers struct {
	groups    map[string]group
	consumers map[string]*fakeConsumer
}

func (f *fakeConsumers) Consumer(topic, name string, fromStart bool) (kafka.Consumer, error) {
	c := &fakeConsumer{}
	f.groups[name] = group{topic, fromStart}
	f.consumers[name] = c

	return c, nil
}

type fakeConsumer struct {
	records   []kafka.Record
	committed []int64
	closed    bool
}

func (c *fakeConsumer) Poll(ctx context.Context, max int) ([]kafka.Record, error) {
	if len(c.records) == 0 {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	n := min(max, len(c.records))
	out := c.records[:n]
	c.records = c.records[n:]

	return out, nil
}

func (c *fakeConsumer) Commit(_ context.Context, r kafka.Record) error {
	c.committed = append(c.committed, r.Offset)

	return nil
}

func (c *fakeConsumer) Close() { c.closed = true }

func newTransport() (*kafka.Transport, *fakeWriter, *fakeConsumers) {
	w := &fakeWriter{}
	cs := &fakeConsumers{groups: map[string]group{}, consumers: map[string]*fakeConsumer{}}

	return kafka.New(w, cs, nil), w, cs
}

func TestTransport_SendProducesKeyedRecord(t *testing.T) {
	tr, w, _ := newTransport()

	msg := &cbus.Message{ID: "m1", Type: "orders.ship", Kind: cbus.KindCommand, Body: []byte("{}")}
	if err := tr.Send(t.Context(), "cmd.ship", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := w.writes[0]
	if got.topic != "cmd.ship" || string(got.key) != "m1" || got.headers[cbus.HeaderType] != "orders.ship" {
		t.Fatalf("write=%+v", got)
	}
}

func TestTransport_SendErrorWrapping(t *testing.T) {
	tr, w, _ := newTransport()
	w.err = errors.New("leader not available")

	if err := tr.Send(t.Context(), "cmd.x", &cbus.Message{Kind: cbus.KindCommand}); !errors.Is(err, berr.ErrEnqueueFailed) {
		t.Fatalf("want enqueue failed, got %v", err)
	}

	if err := tr.Send(t.Context(), "evt.x", &cbus.Message{Kind: cbus.KindEvent}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want publish failed, got %v", err)
	}

	w.err = context.DeadlineExceeded
	if err := tr.Send(t.Context(), "evt.x", &cbus.Message{Kind: cbus.KindEvent}); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("context errors pass through, got %v", err)
	}

	if err := kafka.New(nil, nil, nil).Send(t.Context(), "x", &cbus.Message{}); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("nil writer: %v", err)
	}
}

func TestTransport_GroupsPerEndpoint(t *testing.T) {
	tr, _, cs := newTransport()

	if _, err := tr.CreateQueueReceiver("cmd.ship"); err != nil {
		t.Fatalf("queue receiver: %v", err)
	}

	if _, err := tr.CreateSubscriptionReceiver("evt.placed", "billing"); err != nil {
		t.Fatalf("subscription receiver: %v", err)
	}

	if g := cs.groups["cmd.ship"]; g.topic != "cmd.ship" || !g.fromStart {
		t.Fatalf("queue group=%+v", g)
	}

	if g := cs.groups["evt.placed.billing"]; g.topic != "evt.placed" || g.fromStart {
		t.Fatalf("subscription group=%+v", g)
	}

	if g := cs.groups["evt.placed.billing.retry"]; g.topic != "evt.placed.billing.retry" || !g.fromStart {
		t.Fatalf("retry group=%+v", g)
	}
}

func TestTransport_SubscriptionAbandonStaysWithItsGroup(t *testing.T) {
	tr, w, cs := newTransport()

	billing, err := tr.CreateSubscriptionReceiver("orders.placed", "billing")
	if err != nil {
		t.Fatalf("billing: %v", err)
	}

	shipping, err := tr.CreateSubscriptionReceiver("orders.placed", "shipping")
	if err != nil {
		t.Fatalf("shipping: %v", err)
	}

	cs.consumers["orders.placed.billing"].records = []kafka.Record{
		{Topic: "orders.placed", Offset: 4, Key: []byte("e1"), Value: []byte("{}"), Headers: map[string]string{cbus.HeaderMessageID: "e1"}},
	}

	msgs, err := billing.ReceiveBatch(t.Context(), 10, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive: %v %v", msgs, err)
	}

	if err := msgs[0].Abandon(t.Context()); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if len(w.writes) != 1 || w.writes[0].topic != kafka.RetryTopic("orders.placed", "billing") {
		t.Fatalf("abandon wrote %+v", w.writes)
	}

	for _, wr := range w.writes {
		if wr.topic == "orders.placed" {
			t.Fatalf("abandon re-broadcast to the shared topic")
		}
	}

	if got := cs.consumers["orders.placed.billing"].committed; len(got) != 1 || got[0] != 4 {
		t.Fatalf("original not committed: %v", got)
	}

	retry := cs.consumers["orders.placed.billing.retry"]
	retry.records = []kafka.Record{{Topic: w.writes[0].topic, Offset: 0, Key: w.writes[0].key, Value: w.writes[0].value, Headers: w.writes[0].headers}}

	again, err := billing.ReceiveBatch(t.Context(), 10, 50*time.Millisecond)
	if err != nil || len(again) != 1 || again[0].ID != "e1" || again[0].DeliveryCount != 2 {
		t.Fatalf("redelivery: %+v %v", again, err)
	}

	if err := again[0].Complete(t.Context()); err != nil || len(retry.committed) != 1 {
		t.Fatalf("retry commit: %v %v", retry.committed, err)
	}

	if none, _ := shipping.ReceiveBatch(t.Context(), 10, 20*time.Millisecond); len(none) != 0 {
		t.Fatalf("sibling group saw %v", none)
	}
}

func TestTransport_ReceiveCompleteAndAbandon(t *testing.T) {
	tr, w, cs := newTransport()

	rc, err := tr.CreateQueueReceiver("cmd.ship")
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	c := cs.consumers["cmd.ship"]
	c.records = []kafka.Record{
		{Topic: "cmd.ship", Offset: 10, Key: []byte("a"), Value: []byte("{}"), Headers: map[string]string{cbus.HeaderMessageID: "a"}},
		{Topic: "cmd.ship", Offset: 11, Key: []byte("b"), Value: []byte("{}"), Headers: map[string]string{cbus.HeaderMessageID: "b", cbus.HeaderDeliveryCount: "2"}},
	}

	msgs, err := rc.ReceiveBatch(t.Context(), 10, time.Second)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("receive: %v %v", msgs, err)
	}

	if msgs[0].DeliveryCount != 1 || msgs[1].DeliveryCount != 2 {
		t.Fatalf("deliveries=%d,%d", msgs[0].DeliveryCount, msgs[1].DeliveryCount)
	}

	if err := msgs[0].Complete(t.Context()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := msgs[1].Abandon(t.Context()); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if len(c.committed) != 2 || c.committed[0] != 10 || c.committed[1] != 11 {
		t.Fatalf("committed=%v", c.committed)
	}

	if len(w.writes) != 1 || w.writes[0].headers[cbus.HeaderDeliveryCount] != "3" || w.writes[0].topic != "cmd.ship" {
		t.Fatalf("redelivery write=%+v", w.writes)
	}

	msgs, err = rc.ReceiveBatch(t.Context(), 10, 10*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("empty poll: %v %v", msgs, err)
	}

	_ = rc.Close()

	if !c.closed {
		t.Fatalf("consumer not closed")
	}
}

func TestNewWithKgo_NoBrokers(t *testing.T) {
	if _, err := kafka.NewWithKgo(kafka.Config{}); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("want ErrTransportClosed, got %v", err)
	}
}

func TestNewWithKgo_Compression(t *testing.T) {
	tr, err := kafka.NewWithKgo(kafka.Config{
		Brokers:     []string{"127.0.0.1:9092"},
		ClientID:    "scgbus-test",
		Idempotent:  true,
		Compression: kgo.SnappyCompression(),
	})
	if err != nil {
		t.Fatalf("client with compression: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTransport_CloseRunsOnce(t *testing.T) {
	n := 0
	tr := kafka.New(&fakeWriter{}, nil, func() { n++ })

	_ = tr.Close()
	_ = tr.Close()

	if n != 1 {
		t.Fatalf("close ran %d times", n)
	}
}
