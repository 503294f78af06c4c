// Package wire maps the message envelope onto flat string headers for transports that
// carry metadata next to an opaque body.
package wire

import (
	"maps"
	"strconv"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

var reserved = []string{
	cbus.HeaderMessageID,
	cbus.HeaderCorrelationID,
	cbus.HeaderType,
	cbus.HeaderKind,
	cbus.HeaderReplyTo,
	cbus.HeaderScheduledAt,
	cbus.HeaderEnqueuedAt,
	cbus.HeaderDeliveryCount,
}

// Headers returns msg's headers with the envelope fields added.
func Headers(msg *cbus.Message) map[string]string {
	h := make(map[string]string, len(msg.Headers)+len(reserved))
	maps.Copy(h, msg.Headers)

	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}

	set(cbus.HeaderMessageID, msg.ID)
	set(cbus.HeaderCorrelationID, msg.CorrelationID)
	set(cbus.HeaderType, msg.Type)
	set(cbus.HeaderKind, string(msg.Kind))
	set(cbus.HeaderReplyTo, msg.ReplyTo)

	if !msg.ScheduledAt.IsZero() {
		h[cbus.HeaderScheduledAt] = msg.ScheduledAt.UTC().Format(time.RFC3339Nano)
	}

	if !msg.EnqueuedAt.IsZero() {
		h[cbus.HeaderEnqueuedAt] = msg.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}

	return h
}

// Message rebuilds an envelope from headers and body. Envelope keys are moved out of Headers.
// A deliveries value of zero falls back to the x-delivery-count header, then to 1.
func Message(headers map[string]string, body []byte, deliveries int) *cbus.Message {
	h := maps.Clone(headers)
	if h == nil {
		h = make(map[string]string)
	}

	msg := &cbus.Message{
		ID:            h[cbus.HeaderMessageID],
		CorrelationID: h[cbus.HeaderCorrelationID],
		Type:          h[cbus.HeaderType],
		Kind:          cbus.Kind(h[cbus.HeaderKind]),
		ReplyTo:       h[cbus.HeaderReplyTo],
		Body:          body,
		DeliveryCount: deliveries,
	}

	if t, err := time.Parse(time.RFC3339Nano, h[cbus.HeaderScheduledAt]); err == nil {
		msg.ScheduledAt = t
	}

	if t, err := time.Parse(time.RFC3339Nano, h[cbus.HeaderEnqueuedAt]); err == nil {
		msg.EnqueuedAt = t
	}

	if msg.DeliveryCount == 0 {
		if n, err := strconv.Atoi(h[cbus.HeaderDeliveryCount]); err == nil {
			msg.DeliveryCount = n
		}
	}

	msg.DeliveryCount = max(msg.DeliveryCount, 1)

	for _, k := range reserved {
		delete(h, k)
	}

	msg.Headers = h

	return msg
}
