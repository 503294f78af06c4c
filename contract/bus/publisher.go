package bus

import "context"

// EventSender publishes events to their topic. It does not wait for handling.
type EventSender interface {
	Publish(ctx context.Context, evt Event) error
}
