package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

func TestFuture_ResolveOnce(t *testing.T) {
	f, resolve := cbus.NewFuture[int]()

	select {
	case <-f.Done():
		t.Fatalf("future must be pending")
	default:
	}

	resolve(1, nil)
	resolve(2, errors.New("ignored"))

	v, err := f.Await(t.Context())
	if err != nil || v != 1 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestFuture_AwaitHonoursContext(t *testing.T) {
	f, _ := cbus.NewFuture[string]()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestMessage_CloneAndSettle(t *testing.T) {
	m := &cbus.Message{ID: "1", Body: []byte("x")}
	m.SetHeader("k", "v")

	c := m.Clone()
	c.Body[0] = 'y'
	c.Headers["k"] = "w"

	if string(m.Body) != "x" || m.Header("k") != "v" {
		t.Fatalf("clone shares state with original")
	}

	// nil settler is a no-op
	if err := m.Complete(t.Context()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := m.Abandon(t.Context()); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if !cbus.KindEvent.Broadcast() || !cbus.KindMulticastRequest.Broadcast() || cbus.KindCommand.Broadcast() {
		t.Fatalf("broadcast kinds mismatch")
	}
}
