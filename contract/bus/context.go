package bus

import "context"

// Context is re-exported for convenience in handler signatures.
type Context = context.Context

// HeaderPropagator copies request-scoped values (trace ids, tenant, ...) from ctx into
// the headers of every outgoing message. Senders call it once per message.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// PropagatorFunc adapts a function to HeaderPropagator.
type PropagatorFunc func(ctx context.Context, headers map[string]string)

func (f PropagatorFunc) Inject(ctx context.Context, headers map[string]string) { f(ctx, headers) }

// NopHeaderPropagator injects nothing.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}
