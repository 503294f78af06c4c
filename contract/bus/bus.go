package bus

import (
	"context"
	"time"
)

// Bus is the tech-agnostic contract of the message bus facade.
// Every operation except Start, Stop and Close runs on a bus-owned goroutine
// and reports its outcome through a Future.
type Bus interface {
	// Commands
	Send(ctx context.Context, cmd Command) *Future[struct{}]
	Defer(ctx context.Context, delay time.Duration, cmd Command) *Future[struct{}]
	DeferUntil(ctx context.Context, at time.Time, cmd Command) *Future[struct{}]

	// Requests
	Request(ctx context.Context, req Request) *Future[any]
	RequestWithTimeout(ctx context.Context, req Request, timeout time.Duration) *Future[any]
	MulticastRequest(ctx context.Context, req Request, timeout time.Duration) *Future[[]any]

	// Events
	Publish(ctx context.Context, evt Event) *Future[struct{}]

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	DeadLetterQueues() DeadLetterQueues
	Close() error
}
