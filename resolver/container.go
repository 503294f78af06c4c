/*
Package resolver is the handler registry used by dispatchers. It maps a capability
("handles multicast event T", "handles command C", ...) and a contract type to an ordered
list of handler factories, and resolves them inside short-lived scopes.
*/
package resolver

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Capability names what a handler does with a contract type.
type Capability string

const (
	Command          Capability = "command"
	Request          Capability = "request"
	MulticastRequest Capability = "multicast-request"
	MulticastEvent   Capability = "multicast-event"
	CompetingEvent   Capability = "competing-event"
)

// Binding identifies one (capability, type) pair with at least one registered handler.
type Binding struct {
	Capability Capability
	Type       reflect.Type
}

type invokeFunc func(ctx context.Context, handler, msg any) (any, error)

type registration struct {
	factory func(*Scope) any
	invoke  invokeFunc
}

// Container holds handler registrations. It is safe for concurrent use;
// registrations are normally completed before the bus starts.
type Container struct {
	mu       sync.RWMutex
	regs     map[Binding][]registration
	bindings []Binding
	types    map[reflect.Type]struct{}
}

// New returns an empty container.
func New() *Container {
	return &Container{
		regs:  make(map[Binding][]registration),
		types: make(map[reflect.Type]struct{}),
	}
}

func (c *Container) register(b Binding, reg registration, unique bool, extra ...reflect.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.regs[b]
	if unique && len(existing) > 0 {
		return fmt.Errorf("bind %s %s: %w", b.Capability, b.Type.String(), berr.ErrHandlerExists)
	}

	if !ok {
		c.bindings = append(c.bindings, b)
	}

	c.regs[b] = append(existing, reg)
	c.types[b.Type] = struct{}{}

	for _, t := range extra {
		c.types[t] = struct{}{}
	}

	return nil
}

// Bindings returns every (capability, type) pair in first-registration order.
func (c *Container) Bindings() []Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]Binding(nil), c.bindings...)
}

// BindingsOf filters Bindings by capability.
func (c *Container) BindingsOf(capability Capability) []Binding {
	var out []Binding

	for _, b := range c.Bindings() {
		if b.Capability == capability {
			out = append(out, b)
		}
	}

	return out
}

// Types returns every message and response type known to the container.
func (c *Container) Types() []reflect.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]reflect.Type, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}

	return out
}

// BeginScope opens a resolution scope. Callers must Close it.
func (c *Container) BeginScope() *Scope { return &Scope{c: c} }

func (c *Container) lookup(b Binding) []registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]registration(nil), c.regs[b]...)
}

// Instance returns a factory that always yields h. Use it for stateless handlers.
func Instance[H any](h H) func(*Scope) H {
	return func(*Scope) H { return h }
}
