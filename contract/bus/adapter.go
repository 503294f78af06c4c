package bus

import (
	"context"
	"time"
)

// ReceiverClient is a transport-level batched pull client for one endpoint.
type ReceiverClient interface {
	// ReceiveBatch returns up to max messages, waiting at most wait for the first one.
	// An empty batch with a nil error means nothing arrived.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*Message, error)
	Close() error
}

// ClientFactory creates receiver clients for queues and topic subscriptions.
type ClientFactory interface {
	CreateQueueReceiver(queue string) (ReceiverClient, error)
	CreateSubscriptionReceiver(topic, subscription string) (ReceiverClient, error)
}

// Transport is implemented by every broker adapter (in-memory, NATS, RabbitMQ, Kafka, Redis).
// Send delivers msg to a queue or, when msg.Kind.Broadcast(), to a topic named path.
type Transport interface {
	ClientFactory
	Send(ctx context.Context, path string, msg *Message) error
	Close() error
}

// Receiver is a logical endpoint with a lazily created ReceiverClient.
type Receiver interface {
	WaitUntilReady(ctx context.Context) error
	Receive(ctx context.Context, batchSize int) ([]*Message, error)
	String() string
	Close() error
}
