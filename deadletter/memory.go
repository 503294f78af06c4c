// Package deadletter holds messages that exhausted their delivery attempts.
package deadletter

import (
	"context"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

var _ cbus.DeadLetterQueues = (*Memory)(nil)

// Memory is a process-local FIFO of dead-lettered messages.
type Memory struct {
	mu   sync.Mutex
	msgs []*cbus.Message
}

// NewMemory returns an empty store.
func NewMemory() *Memory { return &Memory{} }

// Post stores a detached copy of msg.
func (m *Memory) Post(ctx context.Context, msg *cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.msgs = append(m.msgs, msg.Clone())
	m.mu.Unlock()

	return nil
}

// Pop removes the oldest message.
func (m *Memory) Pop(ctx context.Context) (*cbus.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.msgs) == 0 {
		return nil, false, nil
	}

	msg := m.msgs[0]
	m.msgs[0] = nil
	m.msgs = m.msgs[1:]

	return msg, true, nil
}

// Count returns the number of stored messages.
func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.msgs), nil
}
