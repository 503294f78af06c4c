// Package memory starts a bus over the in-memory transport for tests and single-process use.
package memory

import (
	"context"
	"time"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/resolver"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// ReceiveWait is short so that handlers run promptly in tests.
const ReceiveWait = 50 * time.Millisecond

// New builds and starts a bus for the handlers in c and returns it along with a cleanup
// function that disposes it.
func New(ctx context.Context, c *resolver.Container, opts ...servicebus.Option) (cbus.Bus, func(), error) { //nolint:ireturn
	cfg := servicebus.Config{App: "memory", Instance: "local", ReceiveWait: ReceiveWait}

	sb, err := servicebus.Build(cfg, inmemory.New(), c, opts...)
	if err != nil {
		return nil, nil, err
	}

	if err := sb.Start(ctx); err != nil {
		_ = sb.Close()

		return nil, nil, err
	}

	return sb, func() { _ = sb.Close() }, nil
}
