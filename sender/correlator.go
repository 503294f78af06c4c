package sender

import (
	"context"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// Correlator routes responses arriving on the reply queue to the request waiting for them.
// Responses without a waiter are dropped.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*waiter
	logger  *slog.Logger
}

type waiter struct {
	single    chan *cbus.Message
	collected []*cbus.Message
}

var _ cbus.Dispatcher = (*Correlator)(nil)

// NewCorrelator returns an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Correlator{pending: make(map[string]*waiter), logger: logger}
}

// expect registers a waiter for a single response.
func (c *Correlator) expect(id string) (<-chan *cbus.Message, func()) {
	w := &waiter{single: make(chan *cbus.Message, 1)}

	c.mu.Lock()
	c.pending[id] = w
	c.mu.Unlock()

	return w.single, func() { c.remove(id) }
}

// collect registers a waiter for any number of responses; finish unregisters it and
// returns what arrived.
func (c *Correlator) collect(id string) (finish func() []*cbus.Message) {
	c.mu.Lock()
	c.pending[id] = &waiter{}
	c.mu.Unlock()

	return func() []*cbus.Message {
		c.mu.Lock()
		defer c.mu.Unlock()

		w := c.pending[id]
		delete(c.pending, id)

		if w == nil {
			return nil
		}

		return w.collected
	}
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Dispatch delivers a response message. It never fails; unmatched responses are logged and dropped.
func (c *Correlator) Dispatch(ctx context.Context, msg *cbus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.pending[msg.CorrelationID]
	if !ok {
		c.logger.DebugContext(ctx, "response dropped", "id", msg.ID, "correlation", msg.CorrelationID)

		return nil
	}

	if w.single == nil {
		w.collected = append(w.collected, msg)

		return nil
	}

	select {
	case w.single <- msg:
	default:
	}

	return nil
}

// Pending reports the number of requests waiting for responses.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}
