// Package lazy provides a create-once cell for values that are expensive to build.
package lazy

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("lazy: closed")

// Value runs its factory under a mutex until one call succeeds and caches that result
// for the rest of its lifetime. A failed attempt is not cached; the next Get retries.
type Value[T any] struct {
	mu      sync.Mutex
	created atomic.Bool
	closed  atomic.Bool
	v       T
	factory func() (T, error)
}

// New returns a Value that builds its content with factory on first Get.
func New[T any](factory func() (T, error)) *Value[T] {
	return &Value[T]{factory: factory}
}

// Get returns the cached value, creating it if needed.
func (l *Value[T]) Get() (T, error) {
	var zero T

	if l.closed.Load() {
		return zero, ErrClosed
	}

	if l.created.Load() {
		return l.v, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return zero, ErrClosed
	}

	if l.created.Load() {
		return l.v, nil
	}

	v, err := l.factory()
	if err != nil {
		return zero, err
	}

	l.v = v
	l.created.Store(true)

	return v, nil
}

// Peek returns the value only if it was already created. It never runs the factory.
func (l *Value[T]) Peek() (T, bool) {
	if l.created.Load() {
		return l.v, true
	}

	var zero T

	return zero, false
}

// Close waits for a creation in progress, then passes the value to release if one was created.
// Later Gets fail with ErrClosed. Only the first Close calls release.
func (l *Value[T]) Close(release func(T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Swap(true) || !l.created.Load() {
		return nil
	}

	return release(l.v)
}
