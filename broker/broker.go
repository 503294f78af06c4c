// Package broker dispatches an event to every in-process handler registered for its type.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"go.uber.org/multierr"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/resolver"
)

// Multicast invokes all handlers of one event capability, in registration order,
// inside a scope opened for that single dispatch.
type Multicast struct {
	c          *resolver.Container
	capability resolver.Capability
	logger     *slog.Logger
}

// NewMulticast returns a broker for multicast event handlers.
func NewMulticast(c *resolver.Container, logger *slog.Logger) *Multicast {
	return newBroker(c, resolver.MulticastEvent, logger)
}

// NewCompeting returns a broker for competing event handlers. Competition happens between
// application instances at the transport; inside the instance every handler still runs.
func NewCompeting(c *resolver.Container, logger *slog.Logger) *Multicast {
	return newBroker(c, resolver.CompetingEvent, logger)
}

func newBroker(c *resolver.Container, capability resolver.Capability, logger *slog.Logger) *Multicast {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Multicast{c: c, capability: capability, logger: logger}
}

// PublishMulticast dispatches evt to the handlers registered for E.
func PublishMulticast[E cbus.Event](ctx context.Context, m *Multicast, evt E) error {
	return m.dispatch(ctx, reflect.TypeFor[E](), evt)
}

// Publish dispatches evt to the handlers registered for its dynamic type.
func (m *Multicast) Publish(ctx context.Context, evt any) error {
	return m.dispatch(ctx, reflect.TypeOf(evt), evt)
}

func (m *Multicast) dispatch(ctx context.Context, typ reflect.Type, evt any) (err error) {
	scope := m.c.BeginScope()
	defer func() { err = multierr.Append(err, scope.Close()) }()

	handlers := scope.ResolveAll(m.capability, typ)
	if len(handlers) == 0 {
		m.logger.DebugContext(ctx, "no handlers", "op", string(m.capability), "type", typeName(typ))

		return nil
	}

	for i, h := range handlers {
		if _, herr := h.Invoke(ctx, evt); herr != nil {
			m.logger.ErrorContext(ctx, "handler failed",
				"op", string(m.capability), "type", typeName(typ), "handler", i, "err", herr)

			return fmt.Errorf("%s %s handler %d: %w", m.capability, typeName(typ), i, errors.Join(berr.ErrHandlerFault, herr))
		}
	}

	return nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	return t.String()
}
