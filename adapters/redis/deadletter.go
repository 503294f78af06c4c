package redis

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// DefaultDeadLetterStream holds dead-lettered messages when no stream is configured.
const DefaultDeadLetterStream = "scgbus:deadletter"

// DeadLetters keeps dead-lettered messages in a stream, oldest first.
type DeadLetters struct {
	client Client
	stream string
}

var _ cbus.DeadLetterQueues = (*DeadLetters)(nil)

// NewDeadLetters returns dead-letter queues stored in stream.
func NewDeadLetters(c Client, stream string) *DeadLetters {
	if stream == "" {
		stream = DefaultDeadLetterStream
	}

	return &DeadLetters{client: c, stream: stream}
}

// Post appends msg.
func (d *DeadLetters) Post(ctx context.Context, msg *cbus.Message) error {
	if _, err := d.client.Add(ctx, d.stream, encode(msg)); err != nil {
		return fmt.Errorf("redis dead-letter post: %w", err)
	}

	return nil
}

// Pop removes and returns the oldest entry. An entry removed concurrently by another
// process is skipped.
func (d *DeadLetters) Pop(ctx context.Context) (*cbus.Message, bool, error) {
	for {
		es, err := d.client.Range(ctx, d.stream, 1)
		if err != nil {
			return nil, false, fmt.Errorf("redis dead-letter pop: %w", err)
		}

		if len(es) == 0 {
			return nil, false, nil
		}

		n, err := d.client.Del(ctx, d.stream, es[0].ID)
		if err != nil {
			return nil, false, fmt.Errorf("redis dead-letter pop: %w", err)
		}

		if n == 1 {
			return decode(es[0]), true, nil
		}
	}
}

// Count returns the number of stored messages.
func (d *DeadLetters) Count(ctx context.Context) (int, error) {
	n, err := d.client.Len(ctx, d.stream)
	if err != nil {
		return 0, fmt.Errorf("redis dead-letter count: %w", err)
	}

	return int(n), nil
}
