package inmemory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

func TestTransport_QueueDeliveryAndAbandon(t *testing.T) {
	tr := inmemory.New()
	ctx := t.Context()

	c, err := tr.CreateQueueReceiver("cmd.ship")
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	if err := tr.Send(ctx, "cmd.ship", &cbus.Message{ID: "1", Kind: cbus.KindCommand}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := c.ReceiveBatch(ctx, 10, time.Second)
	if err != nil || len(msgs) != 1 || msgs[0].DeliveryCount != 1 {
		t.Fatalf("receive: %v %v", msgs, err)
	}

	if err := msgs[0].Abandon(ctx); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	msgs, _ = c.ReceiveBatch(ctx, 10, time.Second)
	if len(msgs) != 1 || msgs[0].DeliveryCount != 2 {
		t.Fatalf("redelivery: %v", msgs)
	}

	_ = msgs[0].Complete(ctx)
	_ = msgs[0].Abandon(ctx)

	if d := tr.Depth("cmd.ship"); d != 0 {
		t.Fatalf("settled message must not return, depth=%d", d)
	}
}

func TestTransport_ReceiveWaitsAtMostWait(t *testing.T) {
	tr := inmemory.New()

	c, _ := tr.CreateQueueReceiver("q")

	start := time.Now()

	msgs, err := c.ReceiveBatch(t.Context(), 5, 20*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("empty receive: %v %v", msgs, err)
	}

	if time.Since(start) > time.Second {
		t.Fatalf("receive overran its wait")
	}
}

func TestTransport_TopicFanOut(t *testing.T) {
	tr := inmemory.New()
	ctx := t.Context()

	a, _ := tr.CreateSubscriptionReceiver("evt.placed", "billing")
	b, _ := tr.CreateSubscriptionReceiver("evt.placed", "shipping")

	if err := tr.Send(ctx, "evt.placed", &cbus.Message{ID: "e", Kind: cbus.KindEvent}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, c := range []cbus.ReceiverClient{a, b} {
		msgs, err := c.ReceiveBatch(ctx, 10, time.Second)
		if err != nil || len(msgs) != 1 || msgs[0].ID != "e" {
			t.Fatalf("subscription copy: %v %v", msgs, err)
		}
	}
}

func TestTransport_ScheduledDelivery(t *testing.T) {
	mock := clock.NewMock()
	tr := inmemory.New(inmemory.WithClock(mock))
	ctx := t.Context()

	msg := &cbus.Message{ID: "later", Kind: cbus.KindCommand, ScheduledAt: mock.Now().Add(time.Minute)}
	if err := tr.Send(ctx, "q", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	if d := tr.Depth("q"); d != 0 {
		t.Fatalf("scheduled message visible early, depth=%d", d)
	}

	if n := tr.Scheduled(); n != 1 {
		t.Fatalf("scheduled=%d", n)
	}

	mock.Add(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for tr.Depth("q") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled message never arrived")
		}

		time.Sleep(time.Millisecond)
	}

	if n := tr.Scheduled(); n != 0 {
		t.Fatalf("fired timer still tracked, scheduled=%d", n)
	}
}

func TestTransport_Closed(t *testing.T) {
	tr := inmemory.New()
	c, _ := tr.CreateQueueReceiver("q")

	_ = tr.Close()

	if err := tr.Send(t.Context(), "q", &cbus.Message{}); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("send after close: %v", err)
	}

	if _, err := c.ReceiveBatch(context.Background(), 1, time.Millisecond); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("receive after close: %v", err)
	}

	if _, err := tr.CreateSubscriptionReceiver("t", "s"); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("create after close: %v", err)
	}
}
