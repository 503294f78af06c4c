package bus

import (
	"context"
	"time"
)

// RequestSender sends a request and waits for its correlated response until ctx is done.
type RequestSender interface {
	SendRequest(ctx context.Context, req Request) (any, error)
}

// MulticastRequestSender publishes a request and collects every response that arrives
// within timeout. An empty result is not an error.
type MulticastRequestSender interface {
	SendMulticastRequest(ctx context.Context, req Request, timeout time.Duration) ([]any, error)
}
