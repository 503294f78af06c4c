package servicebus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/metrics"
)

// Deps are the collaborators a Bus delegates to. Senders are required; Pumps may be empty.
type Deps struct {
	Commands          cbus.CommandSender
	Requests          cbus.RequestSender
	MulticastRequests cbus.MulticastRequestSender
	Events            cbus.EventSender
	Pumps             []cbus.MessagePump
	DeadLetters       cbus.DeadLetterQueues
	// Registry learns response types requested through RequestAs and MulticastRequestAs.
	Registry *codec.Registry
	// Resources are closed in order, exactly once, when the bus is disposed.
	Resources []io.Closer
}

// Bus is the message bus facade. It is safe for concurrent use.
type Bus struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted
	stopTO  time.Duration

	lifecycle sync.Mutex
	disposed  atomic.Bool
	closeOnce sync.Once

	observerMu sync.Mutex
	observer   func()

	res     *resources
	cleanup runtime.Cleanup
}

var _ cbus.Bus = (*Bus)(nil)

// New returns a bus over deps.
func New(deps Deps, opts ...Option) *Bus {
	o := newOptions(opts)

	if deps.Registry == nil {
		deps.Registry = codec.NewRegistry()
	}

	b := &Bus{
		deps:    deps,
		logger:  o.logger,
		metrics: o.metrics,
		stopTO:  o.stopTimeout,
		res:     &resources{closers: deps.Resources, logger: o.logger},
	}

	if o.maxConcurrency > 0 {
		b.sem = semaphore.NewWeighted(o.maxConcurrency)
	}

	// A bus dropped without Close still releases its connections; pumps and the
	// observer are left alone because they need the bus itself.
	b.cleanup = runtime.AddCleanup(b, func(r *resources) { _ = r.release() }, b.res)

	return b
}

// Send delivers cmd to the queue of its handler.
func (b *Bus) Send(ctx context.Context, cmd cbus.Command) *cbus.Future[struct{}] {
	return run(ctx, b, "send", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.deps.Commands.Send(ctx, cmd)
	})
}

// Defer delivers cmd after delay. Timing is left to the transport.
func (b *Bus) Defer(ctx context.Context, delay time.Duration, cmd cbus.Command) *cbus.Future[struct{}] {
	return run(ctx, b, "defer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.deps.Commands.SendAfter(ctx, delay, cmd)
	})
}

// DeferUntil delivers cmd at at.
func (b *Bus) DeferUntil(ctx context.Context, at time.Time, cmd cbus.Command) *cbus.Future[struct{}] {
	return run(ctx, b, "defer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.deps.Commands.SendAt(ctx, at, cmd)
	})
}

// Request sends req and waits for its response until ctx ends.
func (b *Bus) Request(ctx context.Context, req cbus.Request) *cbus.Future[any] {
	return run(ctx, b, "request", func(ctx context.Context) (any, error) {
		return b.deps.Requests.SendRequest(ctx, req)
	})
}

// RequestWithTimeout is Request bounded by timeout. Expiry is reported as *berr.TimeoutError.
func (b *Bus) RequestWithTimeout(ctx context.Context, req cbus.Request, timeout time.Duration) *cbus.Future[any] {
	return run(ctx, b, "request", func(ctx context.Context) (any, error) {
		if timeout <= 0 {
			return nil, fmt.Errorf("request %T: %w", req, berr.ErrTimeoutRequired)
		}

		tctx, cancel := context.WithTimeoutCause(ctx, timeout, &berr.TimeoutError{Op: "request", Timeout: timeout})
		defer cancel()

		res, err := b.deps.Requests.SendRequest(tctx, req)
		if err != nil {
			return nil, timeoutCause(tctx, err)
		}

		return res, nil
	})
}

// MulticastRequest publishes req and returns every response received within timeout.
func (b *Bus) MulticastRequest(ctx context.Context, req cbus.Request, timeout time.Duration) *cbus.Future[[]any] {
	return run(ctx, b, "multicast_request", func(ctx context.Context) ([]any, error) {
		if timeout <= 0 {
			return nil, fmt.Errorf("multicast request %T: %w", req, berr.ErrTimeoutRequired)
		}

		return b.deps.MulticastRequests.SendMulticastRequest(ctx, req, timeout)
	})
}

// Publish sends evt to its topic.
func (b *Bus) Publish(ctx context.Context, evt cbus.Event) *cbus.Future[struct{}] {
	return run(ctx, b, "publish", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.deps.Events.Publish(ctx, evt)
	})
}

// DeadLetterQueues returns the dead-letter store.
func (b *Bus) DeadLetterQueues() cbus.DeadLetterQueues { return b.deps.DeadLetters }

// timeoutCause maps the expiry of the request's own timer to its TimeoutError while
// leaving parent cancellation and transport faults untouched.
func timeoutCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}

	if te, ok := context.Cause(ctx).(*berr.TimeoutError); ok {
		return te
	}

	return err
}

// run executes fn on a new goroutine, bounded by the bus semaphore when configured.
func run[T any](ctx context.Context, b *Bus, op string, fn func(context.Context) (T, error)) *cbus.Future[T] {
	var zero T

	if b.disposed.Load() {
		return cbus.Resolved(zero, fmt.Errorf("%s: %w", op, berr.ErrBusDisposed))
	}

	f, resolve := cbus.NewFuture[T]()

	go func() {
		start := time.Now()

		v, err := exec(ctx, b, fn)

		b.metrics.ObserveOperation(op, time.Since(start), err)

		if err != nil {
			b.logger.DebugContext(ctx, "operation failed", "op", op, "err", err)
		}

		resolve(v, err)
	}()

	return f
}

func exec[T any](ctx context.Context, b *Bus, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	if b.sem != nil {
		if aerr := b.sem.Acquire(ctx, 1); aerr != nil {
			return v, aerr
		}

		defer b.sem.Release(1)
	}

	return fn(ctx)
}
