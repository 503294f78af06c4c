// Package codec serializes message bodies and maps contract type names back to Go types.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Codec encodes message bodies.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSON is the default codec.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) ContentType() string                { return "application/json" }

// TypeName returns the wire name of v's type, e.g. "orders.PlaceOrder". Pointers are
// named after their element type.
func TypeName(v any) string { return TypeNameOf(reflect.TypeOf(v)) }

// TypeNameOf is TypeName for a reflect.Type.
func TypeNameOf(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.String()
}

// ShortName returns the unqualified type name used in queue and topic paths.
func ShortName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" { // unnamed (e.g., map/struct literal)
		name = t.String()
	}

	return name
}

// Registry resolves wire type names to Go types for decoding.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns a registry preloaded with types.
func NewRegistry(types ...reflect.Type) *Registry {
	r := &Registry{types: make(map[string]reflect.Type, len(types))}
	for _, t := range types {
		r.Register(t)
	}

	return r
}

// Register adds t. Registering the same name again replaces the earlier type.
func (r *Registry) Register(t reflect.Type) {
	r.mu.Lock()
	r.types[TypeNameOf(t)] = t
	r.mu.Unlock()
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()

	return t, ok
}

// Encode marshals v into msg.Body and stamps msg.Type.
func Encode(c Codec, v any, msg *cbus.Message) error {
	body, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, errors.Join(berr.ErrSerializationFailed, err))
	}

	msg.Body = body
	msg.Type = TypeName(v)

	return nil
}

// Decode unmarshals msg.Body into a new value of the registered type named msg.Type.
// Values are returned as the registered type: pointer types yield pointers.
func Decode(c Codec, r *Registry, msg *cbus.Message) (any, error) {
	t, ok := r.Lookup(msg.Type)
	if !ok {
		return nil, fmt.Errorf("decode %q: %w", msg.Type, berr.ErrUnknownMessageType)
	}

	elem := t
	if t.Kind() == reflect.Ptr {
		elem = t.Elem()
	}

	ptr := reflect.New(elem)
	if err := c.Unmarshal(msg.Body, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %q: %w", msg.Type, errors.Join(berr.ErrSerializationFailed, err))
	}

	if t.Kind() == reflect.Ptr {
		return ptr.Interface(), nil
	}

	return ptr.Elem().Interface(), nil
}
