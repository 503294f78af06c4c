package servicebus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Start starts every pump concurrently and waits for all of them. Failures are aggregated
// into a *berr.LifecycleError; pumps that started stay running.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.disposed.Load() {
		return fmt.Errorf("start: %w", berr.ErrBusDisposed)
	}

	return b.each(ctx, "start", cbus.MessagePump.Start)
}

// Stop stops every pump concurrently with the same aggregation as Start.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.disposed.Load() {
		return fmt.Errorf("stop: %w", berr.ErrBusDisposed)
	}

	return b.each(ctx, "stop", cbus.MessagePump.Stop)
}

func (b *Bus) each(ctx context.Context, op string, fn func(cbus.MessagePump, context.Context) error) error {
	errs := make([]error, len(b.deps.Pumps))

	var wg sync.WaitGroup

	for i, p := range b.deps.Pumps {
		wg.Go(func() { errs[i] = fn(p, ctx) })
	}

	wg.Wait()

	err := berr.NewLifecycleError(op, errs...)
	if err != nil {
		failed := len(multierr.Errors(multierr.Combine(errs...)))
		b.metrics.LifecycleFaults(op, failed)
		b.logger.ErrorContext(ctx, "bus "+op+" failed", "op", op, "failed", failed, "err", err)

		return err
	}

	b.logger.InfoContext(ctx, "bus "+op, "op", op, "pumps", len(b.deps.Pumps))

	return nil
}

// OnDisposing sets the observer called once when the bus is closed.
// Only one observer may be set.
func (b *Bus) OnDisposing(fn func()) error {
	if b.disposed.Load() {
		return fmt.Errorf("on disposing: %w", berr.ErrBusDisposed)
	}

	b.observerMu.Lock()
	defer b.observerMu.Unlock()

	if b.observer != nil {
		return fmt.Errorf("on disposing: %w", berr.ErrObserverAlreadySet)
	}

	b.observer = fn

	return nil
}

// Close stops the pumps, notifies the disposing observer and releases resources.
// Only the first call does anything; later calls return nil.
func (b *Bus) Close() error { return b.CloseContext(context.Background()) }

// CloseContext is Close with the pump stop bounded by ctx as well as the stop timeout.
func (b *Bus) CloseContext(ctx context.Context) error {
	var err error

	b.closeOnce.Do(func() {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()

		b.disposed.Store(true)

		ctx, cancel := context.WithTimeout(ctx, b.stopTO)
		defer cancel()

		err = b.each(ctx, "stop", cbus.MessagePump.Stop)

		b.observerMu.Lock()
		observer := b.observer
		b.observerMu.Unlock()

		if observer != nil {
			observer()
		}

		b.cleanup.Stop()
		err = multierr.Append(err, b.res.release())

		b.logger.Info("bus disposed")
	})

	return err
}

// resources is kept apart from Bus so the collection cleanup can reach it without the bus.
type resources struct {
	once    sync.Once
	closers []io.Closer
	logger  *slog.Logger
}

func (r *resources) release() error {
	var err error

	r.once.Do(func() {
		for _, c := range r.closers {
			if cerr := c.Close(); cerr != nil {
				r.logger.Warn("release failed", "err", cerr)
				err = multierr.Append(err, cerr)
			}
		}
	})

	return err
}
