package bus

import (
	"context"
	"time"
)

// CommandSender sends commands to the queue of their single handler.
// Scheduling precision for SendAfter and SendAt belongs to the transport.
type CommandSender interface {
	Send(ctx context.Context, cmd Command) error
	SendAfter(ctx context.Context, delay time.Duration, cmd Command) error
	SendAt(ctx context.Context, at time.Time, cmd Command) error
}
