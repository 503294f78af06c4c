package resolver

import (
	"context"
	"io"
	"reflect"
	"sync"

	"go.uber.org/multierr"
)

// Resolved is a handler instance produced inside a Scope.
type Resolved struct {
	Handler any
	invoke  invokeFunc
}

// Invoke calls the handler with msg and returns its result (nil for handlers without one).
func (r Resolved) Invoke(ctx context.Context, msg any) (any, error) {
	return r.invoke(ctx, r.Handler, msg)
}

// Scope is the lifetime of one dispatch. Factories Track the per-dispatch instances they
// create; tracked closers are closed in reverse order when the scope closes.
type Scope struct {
	c *Container

	mu          sync.Mutex
	disposables []io.Closer
	closed      bool
}

// ResolveAll builds every handler registered for capability and typ, in registration order.
// An empty result is not an error.
func (s *Scope) ResolveAll(capability Capability, typ reflect.Type) []Resolved {
	regs := s.c.lookup(Binding{Capability: capability, Type: typ})
	out := make([]Resolved, 0, len(regs))

	for _, reg := range regs {
		h := reg.factory(s)
		out = append(out, Resolved{Handler: h, invoke: reg.invoke})
	}

	return out
}

// Track registers v for disposal if it implements io.Closer.
func (s *Scope) Track(v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposables = append(s.disposables, c)
}

// Close disposes tracked instances. It is safe to call more than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	ds := s.disposables
	s.disposables = nil
	s.mu.Unlock()

	var err error

	for i := len(ds) - 1; i >= 0; i-- {
		err = multierr.Append(err, ds[i].Close())
	}

	return err
}
