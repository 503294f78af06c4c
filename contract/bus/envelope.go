package bus

import (
	"context"
	"maps"
	"time"
)

// Kind classifies a Message on the wire.
type Kind string

const (
	KindCommand          Kind = "command"
	KindRequest          Kind = "request"
	KindMulticastRequest Kind = "multicast-request"
	KindResponse         Kind = "response"
	KindEvent            Kind = "event"
)

// Broadcast reports whether messages of this kind are published to a topic
// (every subscription gets a copy) rather than sent to a single queue.
func (k Kind) Broadcast() bool { return k == KindEvent || k == KindMulticastRequest }

// Header keys used by transports that carry message metadata as headers.
const (
	HeaderMessageID     = "x-message-id"
	HeaderCorrelationID = "x-correlation-id"
	HeaderType          = "x-message-type"
	HeaderKind          = "x-message-kind"
	HeaderReplyTo       = "x-reply-to"
	HeaderDeliveryCount = "x-delivery-count"
	HeaderDelay         = "x-delay"
	HeaderScheduledAt   = "x-scheduled-at"
	HeaderEnqueuedAt    = "x-enqueued-at"
	HeaderFault         = "x-fault"
)

// Settler completes or abandons a received message on its transport.
type Settler interface {
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
}

// Message is the transport-neutral envelope exchanged between senders, transports and pumps.
type Message struct {
	ID            string
	CorrelationID string
	Type          string
	Kind          Kind
	ReplyTo       string
	Body          []byte
	Headers       map[string]string
	DeliveryCount int
	EnqueuedAt    time.Time
	// ScheduledAt is zero for immediate delivery.
	ScheduledAt time.Time
	// Settler is nil when the transport acknowledges on receipt.
	Settler Settler
}

// Complete acknowledges successful processing.
func (m *Message) Complete(ctx context.Context) error {
	if m.Settler == nil {
		return nil
	}

	return m.Settler.Complete(ctx)
}

// Abandon releases the message for redelivery.
func (m *Message) Abandon(ctx context.Context) error {
	if m.Settler == nil {
		return nil
	}

	return m.Settler.Abandon(ctx)
}

// Clone returns a copy that shares no mutable state with m. The settler is not copied.
func (m *Message) Clone() *Message {
	c := *m
	c.Settler = nil
	c.Body = append([]byte(nil), m.Body...)
	c.Headers = maps.Clone(m.Headers)

	return &c
}

// Header returns the value of a header, or "" when absent.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}

	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string, 4)
	}

	m.Headers[key] = value
}
