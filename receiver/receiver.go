/*
Package receiver binds a logical endpoint (a queue, or a topic subscription) to a
transport client that is created lazily, at most once, on first use.
*/
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/lazy"
)

// DefaultReceiveWait bounds how long a single Receive waits for messages.
const DefaultReceiveWait = time.Second

// Option configures a receiver.
type Option func(*base)

// WithReceiveWait overrides DefaultReceiveWait.
func WithReceiveWait(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.wait = d
		}
	}
}

// WithLogger sets the logger used for client lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

type base struct {
	name   string
	wait   time.Duration
	logger *slog.Logger
	client *lazy.Value[cbus.ReceiverClient]

	closeMu sync.Mutex
	closed  bool
}

func newBase(name string, create func() (cbus.ReceiverClient, error), opts []Option) *base {
	b := &base{
		name:   name,
		wait:   DefaultReceiveWait,
		logger: slog.New(slog.DiscardHandler),
	}

	for _, o := range opts {
		o(b)
	}

	b.client = lazy.New(func() (cbus.ReceiverClient, error) {
		c, err := create()
		if err != nil {
			return nil, fmt.Errorf("create receiver %s: %w", name, err)
		}

		b.logger.Debug("receiver client created", "receiver", name)

		return c, nil
	})

	return b
}

// WaitUntilReady forces client creation on a separate goroutine and waits for it.
// It only guarantees the client exists, not that it is connected.
func (b *base) WaitUntilReady(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		_, err := b.client.Get()
		if errors.Is(err, lazy.ErrClosed) {
			err = fmt.Errorf("receiver %s: %w", b.name, berr.ErrReceiverClosed)
		}

		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive pulls up to batchSize messages, waiting at most the configured receive wait.
func (b *base) Receive(ctx context.Context, batchSize int) ([]*cbus.Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	c, err := b.client.Get()
	if errors.Is(err, lazy.ErrClosed) {
		return nil, fmt.Errorf("receiver %s: %w", b.name, berr.ErrReceiverClosed)
	}

	if err != nil {
		return nil, err
	}

	if batchSize < 1 {
		batchSize = 1
	}

	return c.ReceiveBatch(ctx, batchSize, b.wait)
}

func (b *base) String() string { return b.name }

// Close closes the client if it was ever created, waiting for a creation still in progress.
// Later calls are no-ops.
func (b *base) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	err := b.client.Close(func(c cbus.ReceiverClient) error { return c.Close() })
	if err != nil {
		return fmt.Errorf("close receiver %s: %w", b.name, err)
	}

	return nil
}

func (b *base) checkOpen() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed {
		return fmt.Errorf("receiver %s: %w", b.name, berr.ErrReceiverClosed)
	}

	return nil
}
