package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-message-bus/adapters/nats"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

type published struct {
	subject string
	data    []byte
	headers map[string]string
}

type fakeClient struct {
	mu       sync.Mutex
	calls    []published
	subs     map[string]*fakeSub
	err      error
	closed   int
	subjects map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: map[string]*fakeSub{}, subjects: map[string]string{}}
}

func (f *fakeClient) Publish(_ context.Context, subject string, data []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, published{subject, data, headers})

	return f.err
}

func (f *fakeClient) PullSubscribe(subject, durable string, _ bool) (nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &fakeSub{}
	f.subs[durable] = s
	f.subjects[durable] = subject

	return s, nil
}

func (f *fakeClient) Close() error {
	f.closed++

	return nil
}

type fakeSub struct {
	deliveries   []nats.Delivery
	unsubscribed bool
}

func (s *fakeSub) Fetch(_ context.Context, max int, _ time.Duration) ([]nats.Delivery, error) {
	n := min(max, len(s.deliveries))
	out := s.deliveries[:n]
	s.deliveries = s.deliveries[n:]

	return out, nil
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed = true

	return nil
}

func TestTransport_SendMapsEnvelopeToHeaders(t *testing.T) {
	fc := newFakeClient()
	tr := nats.New(fc)

	msg := &cbus.Message{ID: "1", Type: "orders.ship", Kind: cbus.KindCommand, Body: []byte(`{"ID":"1"}`),
		Headers: map[string]string{cbus.HeaderDelay: "3000"}}
	if err := tr.Send(t.Context(), "cmd.ship", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	c := fc.calls[0]
	if c.subject != "cmd.ship" || string(c.data) != `{"ID":"1"}` {
		t.Fatalf("call=%+v", c)
	}

	if c.headers[cbus.HeaderMessageID] != "1" || c.headers[cbus.HeaderType] != "orders.ship" || c.headers[cbus.HeaderDelay] != "3000" {
		t.Fatalf("headers=%v", c.headers)
	}
}

func TestTransport_SendErrors(t *testing.T) {
	fc := newFakeClient()
	fc.err = errors.New("no responders")
	tr := nats.New(fc)

	if err := tr.Send(t.Context(), "cmd.x", &cbus.Message{Kind: cbus.KindCommand}); !errors.Is(err, berr.ErrEnqueueFailed) {
		t.Fatalf("want enqueue failed, got %v", err)
	}

	if err := tr.Send(t.Context(), "evt.x", &cbus.Message{Kind: cbus.KindEvent}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want publish failed, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := tr.Send(ctx, "cmd.x", &cbus.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}

	_ = tr.Close()
	_ = tr.Close()

	if fc.closed != 1 {
		t.Fatalf("client closed %d times", fc.closed)
	}

	if err := tr.Send(t.Context(), "cmd.x", &cbus.Message{}); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("want transport closed, got %v", err)
	}
}

func TestTransport_ReceiveAndSettle(t *testing.T) {
	fc := newFakeClient()
	tr := nats.New(fc)

	rc, err := tr.CreateSubscriptionReceiver("evt.placed", "billing.i1")
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	if fc.subjects["evt_placed_billing_i1"] != "evt.placed" {
		t.Fatalf("durables=%v", fc.subjects)
	}

	var acked, naked int

	fc.subs["evt_placed_billing_i1"].deliveries = []nats.Delivery{{
		Data:         []byte("{}"),
		Headers:      map[string]string{cbus.HeaderMessageID: "m1", cbus.HeaderKind: "event", "x-tenant": "t"},
		NumDelivered: 2,
		Ack:          func() error { acked++; return nil },
		Nak:          func() error { naked++; return nil },
	}}

	msgs, err := rc.ReceiveBatch(t.Context(), 10, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive: %v %v", msgs, err)
	}

	m := msgs[0]
	if m.ID != "m1" || m.DeliveryCount != 2 || m.Header("x-tenant") != "t" {
		t.Fatalf("msg=%+v", m)
	}

	_ = m.Complete(t.Context())
	_ = m.Abandon(t.Context())

	if acked != 1 || naked != 1 {
		t.Fatalf("acked=%d naked=%d", acked, naked)
	}

	_ = rc.Close()

	if !fc.subs["evt_placed_billing_i1"].unsubscribed {
		t.Fatalf("close must unsubscribe")
	}
}
