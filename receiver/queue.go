package receiver

import (
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// QueueReceiver receives from a single queue.
type QueueReceiver struct {
	*base
	queue string
}

var _ cbus.Receiver = (*QueueReceiver)(nil)

// NewQueueReceiver returns a receiver for queue. No client is created yet.
func NewQueueReceiver(f cbus.ClientFactory, queue string, opts ...Option) *QueueReceiver {
	create := func() (cbus.ReceiverClient, error) {
		return f.CreateQueueReceiver(queue)
	}

	return &QueueReceiver{base: newBase(queue, create, opts), queue: queue}
}

// Queue returns the queue path.
func (r *QueueReceiver) Queue() string { return r.queue }
