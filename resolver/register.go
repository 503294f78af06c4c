package resolver

import (
	"context"
	"fmt"
	"reflect"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

func mismatch(capability Capability, v any) error {
	return fmt.Errorf("%s %s: %w", capability, reflect.TypeOf(v), berr.ErrHandlerTypeMismatch)
}

// RegisterCommandHandler binds the single handler for command type C. Duplicates are rejected.
func RegisterCommandHandler[C cbus.Command](c *Container, factory func(*Scope) cbus.CommandHandler[C]) error {
	reg := registration{
		factory: func(s *Scope) any { return factory(s) },
		invoke: func(ctx context.Context, h, v any) (any, error) {
			cmd, ok := v.(C)
			if !ok {
				return nil, mismatch(Command, v)
			}

			return nil, h.(cbus.CommandHandler[C]).Handle(ctx, cmd)
		},
	}

	return c.register(Binding{Capability: Command, Type: reflect.TypeFor[C]()}, reg, true)
}

// RegisterRequestHandler binds the single handler answering requests of type Q. Duplicates are rejected.
func RegisterRequestHandler[Q cbus.Request, R any](c *Container, factory func(*Scope) cbus.RequestHandler[Q, R]) error {
	reg := registration{
		factory: func(s *Scope) any { return factory(s) },
		invoke: func(ctx context.Context, h, v any) (any, error) {
			q, ok := v.(Q)
			if !ok {
				return nil, mismatch(Request, v)
			}

			return h.(cbus.RequestHandler[Q, R]).Handle(ctx, q)
		},
	}

	return c.register(Binding{Capability: Request, Type: reflect.TypeFor[Q]()}, reg, true, reflect.TypeFor[R]())
}

// RegisterMulticastRequestHandler adds a responder for multicast requests of type Q.
func RegisterMulticastRequestHandler[Q cbus.Request, R any](
	c *Container,
	factory func(*Scope) cbus.MulticastRequestHandler[Q, R],
) error {
	reg := registration{
		factory: func(s *Scope) any { return factory(s) },
		invoke: func(ctx context.Context, h, v any) (any, error) {
			q, ok := v.(Q)
			if !ok {
				return nil, mismatch(MulticastRequest, v)
			}

			return h.(cbus.MulticastRequestHandler[Q, R]).Handle(ctx, q)
		},
	}

	return c.register(Binding{Capability: MulticastRequest, Type: reflect.TypeFor[Q]()}, reg, false, reflect.TypeFor[R]())
}

// RegisterMulticastEventHandler adds a handler that receives every event of type E.
func RegisterMulticastEventHandler[E cbus.Event](c *Container, factory func(*Scope) cbus.MulticastEventHandler[E]) error {
	reg := registration{
		factory: func(s *Scope) any { return factory(s) },
		invoke: func(ctx context.Context, h, v any) (any, error) {
			e, ok := v.(E)
			if !ok {
				return nil, mismatch(MulticastEvent, v)
			}

			return nil, h.(cbus.MulticastEventHandler[E]).Handle(ctx, e)
		},
	}

	return c.register(Binding{Capability: MulticastEvent, Type: reflect.TypeFor[E]()}, reg, false)
}

// RegisterCompetingEventHandler adds a handler that shares events of type E with other
// instances of the same application.
func RegisterCompetingEventHandler[E cbus.Event](c *Container, factory func(*Scope) cbus.CompetingEventHandler[E]) error {
	reg := registration{
		factory: func(s *Scope) any { return factory(s) },
		invoke: func(ctx context.Context, h, v any) (any, error) {
			e, ok := v.(E)
			if !ok {
				return nil, mismatch(CompetingEvent, v)
			}

			return nil, h.(cbus.CompetingEventHandler[E]).Handle(ctx, e)
		},
	}

	return c.register(Binding{Capability: CompetingEvent, Type: reflect.TypeFor[E]()}, reg, false)
}

// RegisterTypes makes message or response types known for decoding without binding a handler.
func (c *Container) RegisterTypes(samples ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range samples {
		c.types[reflect.TypeOf(s)] = struct{}{}
	}
}
