package bus

import "context"

// MessagePump is a background receive loop bound to one Receiver.
type MessagePump interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Dispatcher handles one received message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg *Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg *Message) error { return f(ctx, msg) }
