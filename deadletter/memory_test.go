package deadletter_test

import (
	"context"
	"errors"
	"testing"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/deadletter"
)

func TestMemory_FIFO(t *testing.T) {
	dlq := deadletter.NewMemory()
	ctx := t.Context()

	orig := &cbus.Message{ID: "1", Headers: map[string]string{"k": "v"}}
	if err := dlq.Post(ctx, orig); err != nil {
		t.Fatalf("post: %v", err)
	}

	_ = dlq.Post(ctx, &cbus.Message{ID: "2"})
	orig.Headers["k"] = "changed"

	if n, _ := dlq.Count(ctx); n != 2 {
		t.Fatalf("count=%d", n)
	}

	got, ok, err := dlq.Pop(ctx)
	if err != nil || !ok || got.ID != "1" {
		t.Fatalf("pop: %v %v %v", got, ok, err)
	}

	if got.Header("k") != "v" {
		t.Fatalf("stored message must be detached from the caller's copy")
	}

	got, ok, _ = dlq.Pop(ctx)
	if !ok || got.ID != "2" {
		t.Fatalf("pop 2: %v %v", got, ok)
	}

	if _, ok, _ := dlq.Pop(ctx); ok {
		t.Fatalf("expected empty")
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := deadletter.NewMemory().Post(ctx, &cbus.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}
