package bus

import "context"

// DeadLetterQueues stores messages that exhausted their delivery attempts.
type DeadLetterQueues interface {
	Post(ctx context.Context, msg *Message) error
	// Pop removes and returns the oldest dead-lettered message; ok is false when empty.
	Pop(ctx context.Context) (msg *Message, ok bool, err error)
	Count(ctx context.Context) (int, error)
}
