package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/scg-message-bus/broker"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/resolver"
)

type orderPlaced struct{ ID string }

type recorder struct {
	name  string
	calls *[]string
	err   error
}

func (r *recorder) Handle(_ context.Context, e orderPlaced) error {
	*r.calls = append(*r.calls, r.name+":"+e.ID)

	return r.err
}

type closer struct{ closed *int }

func (c closer) Close() error {
	*c.closed++

	return nil
}

func register(t *testing.T, c *resolver.Container, h *recorder, closed *int) {
	t.Helper()

	err := resolver.RegisterMulticastEventHandler(c, func(s *resolver.Scope) cbus.MulticastEventHandler[orderPlaced] {
		if closed != nil {
			s.Track(closer{closed: closed})
		}

		return h
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestPublish_InvokesAllInOrder(t *testing.T) {
	c := resolver.New()

	var calls []string

	for _, n := range []string{"h1", "h2", "h3"} {
		register(t, c, &recorder{name: n, calls: &calls}, nil)
	}

	m := broker.NewMulticast(c, nil)
	if err := broker.PublishMulticast(t.Context(), m, orderPlaced{ID: "e"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{"h1:e", "h2:e", "h3:e"}
	if len(calls) != len(want) {
		t.Fatalf("calls=%v", calls)
	}

	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls=%v", calls)
		}
	}
}

func TestPublish_StopsAtFirstFaultAndClosesScope(t *testing.T) {
	c := resolver.New()

	var (
		calls  []string
		closed int
	)

	boom := errors.New("boom")

	register(t, c, &recorder{name: "h1", calls: &calls}, &closed)
	register(t, c, &recorder{name: "h2", calls: &calls, err: boom}, &closed)
	register(t, c, &recorder{name: "h3", calls: &calls}, &closed)

	m := broker.NewMulticast(c, nil)

	err := m.Publish(t.Context(), orderPlaced{ID: "e"})
	if !errors.Is(err, boom) || !errors.Is(err, berr.ErrHandlerFault) {
		t.Fatalf("want handler fault wrapping boom, got %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("h3 must not run, calls=%v", calls)
	}

	if closed != 3 {
		t.Fatalf("scope must be closed after the fault, closed=%d", closed)
	}
}

func TestPublish_ZeroHandlersSucceeds(t *testing.T) {
	m := broker.NewMulticast(resolver.New(), nil)
	if err := m.Publish(t.Context(), orderPlaced{ID: "e"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPublish_FreshScopePerDispatch(t *testing.T) {
	c := resolver.New()

	var (
		calls   []string
		created int
	)

	err := resolver.RegisterMulticastEventHandler(c, func(*resolver.Scope) cbus.MulticastEventHandler[orderPlaced] {
		created++

		return &recorder{name: "h", calls: &calls}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	m := broker.NewMulticast(c, nil)
	_ = m.Publish(t.Context(), orderPlaced{ID: "1"})
	_ = m.Publish(t.Context(), orderPlaced{ID: "2"})

	if created != 2 {
		t.Fatalf("created=%d", created)
	}
}

func TestCompeting_UsesCompetingHandlersOnly(t *testing.T) {
	c := resolver.New()

	var calls []string

	register(t, c, &recorder{name: "multicast", calls: &calls}, nil)

	err := resolver.RegisterCompetingEventHandler(c, resolver.Instance[cbus.CompetingEventHandler[orderPlaced]](
		&recorder{name: "competing", calls: &calls}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := broker.NewCompeting(c, nil).Publish(t.Context(), orderPlaced{ID: "e"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(calls) != 1 || calls[0] != "competing:e" {
		t.Fatalf("calls=%v", calls)
	}
}
