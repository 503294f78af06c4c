package pump_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/deadletter"
	"github.com/next-trace/scg-message-bus/internal/metrics"
	"github.com/next-trace/scg-message-bus/pump"
)

type settlement struct {
	mu        sync.Mutex
	completed []string
	abandoned []string
}

type settler struct {
	s  *settlement
	id string
}

func (x settler) Complete(context.Context) error {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	x.s.completed = append(x.s.completed, x.id)

	return nil
}

func (x settler) Abandon(context.Context) error {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	x.s.abandoned = append(x.s.abandoned, x.id)

	return nil
}

func (s *settlement) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.completed), len(s.abandoned)
}

type fakeReceiver struct {
	mu       sync.Mutex
	batches  [][]*cbus.Message
	errs     []error
	readyErr error
}

func (r *fakeReceiver) WaitUntilReady(context.Context) error { return r.readyErr }
func (r *fakeReceiver) String() string                       { return "topic/sub" }
func (r *fakeReceiver) Close() error                         { return nil }

func (r *fakeReceiver) Receive(ctx context.Context, _ int) ([]*cbus.Message, error) {
	r.mu.Lock()

	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()

		return nil, err
	}

	if len(r.batches) > 0 {
		b := r.batches[0]
		r.batches = r.batches[1:]
		r.mu.Unlock()

		return b, nil
	}

	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func msg(s *settlement, id string, deliveries int) *cbus.Message {
	return &cbus.Message{ID: id, Type: "t", DeliveryCount: deliveries, Settler: settler{s: s, id: id}}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}

		time.Sleep(2 * time.Millisecond)
	}
}

func TestPump_SettlesByOutcome(t *testing.T) {
	s := &settlement{}
	recv := &fakeReceiver{batches: [][]*cbus.Message{{msg(s, "ok", 1), msg(s, "bad", 1), msg(s, "dead", 3)}}}
	dlq := deadletter.NewMemory()

	m, err := metrics.New(prometheus.NewRegistry(), "test")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	disp := cbus.DispatcherFunc(func(_ context.Context, msg *cbus.Message) error {
		if msg.ID == "ok" {
			return nil
		}

		return errors.New("boom")
	})

	p := pump.New(recv, disp, dlq, pump.Config{MaxDeliveryAttempts: 3}, pump.WithMetrics(m))
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	eventually(t, func() bool {
		c, a := s.counts()

		return c == 2 && a == 1
	})

	if err := p.Stop(t.Context()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if n, _ := dlq.Count(t.Context()); n != 1 {
		t.Fatalf("dead letters=%d", n)
	}

	dead, _, _ := dlq.Pop(t.Context())
	if dead.ID != "dead" || dead.Header(cbus.HeaderFault) != "boom" {
		t.Fatalf("dead=%+v", dead)
	}

	if v := testutil.ToFloat64(m.Messages().WithLabelValues("topic/sub", metrics.OutcomeDeadLettered)); v != 1 {
		t.Fatalf("dead-letter metric=%v", v)
	}

	if v := testutil.ToFloat64(m.Messages().WithLabelValues("topic/sub", metrics.OutcomeAbandoned)); v != 1 {
		t.Fatalf("abandon metric=%v", v)
	}
}

func TestPump_PanicIsAFailure(t *testing.T) {
	s := &settlement{}
	recv := &fakeReceiver{batches: [][]*cbus.Message{{msg(s, "p", 1)}}}
	disp := cbus.DispatcherFunc(func(context.Context, *cbus.Message) error { panic("kaboom") })

	p := pump.New(recv, disp, nil, pump.Config{})
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	defer p.Stop(t.Context())

	eventually(t, func() bool {
		_, a := s.counts()

		return a == 1
	})
}

func TestPump_RetriesAfterReceiveError(t *testing.T) {
	s := &settlement{}
	recv := &fakeReceiver{
		errs:    []error{errors.New("transient")},
		batches: [][]*cbus.Message{{msg(s, "after", 1)}},
	}
	disp := cbus.DispatcherFunc(func(context.Context, *cbus.Message) error { return nil })

	p := pump.New(recv, disp, nil, pump.Config{ErrorBackoff: time.Millisecond})
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	defer p.Stop(t.Context())

	eventually(t, func() bool {
		c, _ := s.counts()

		return c == 1
	})
}

func TestPump_StartStopIdempotent(t *testing.T) {
	p := pump.New(&fakeReceiver{}, cbus.DispatcherFunc(func(context.Context, *cbus.Message) error { return nil }), nil, pump.Config{})

	if err := p.Stop(t.Context()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}

	for range 2 {
		if err := p.Start(t.Context()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	if !p.Running() {
		t.Fatalf("expected running")
	}

	for range 2 {
		if err := p.Stop(t.Context()); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}

	if p.Running() {
		t.Fatalf("expected stopped")
	}
}

func TestPump_StartFailsWhenReceiverNotReady(t *testing.T) {
	ready := errors.New("no route")
	p := pump.New(&fakeReceiver{readyErr: ready}, cbus.DispatcherFunc(func(context.Context, *cbus.Message) error { return nil }), nil, pump.Config{})

	if err := p.Start(t.Context()); !errors.Is(err, ready) {
		t.Fatalf("want readiness error, got %v", err)
	}

	if p.Running() {
		t.Fatalf("pump must not run")
	}
}
