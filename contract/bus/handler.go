package bus

import "context"

// CommandHandler handles commands of type C.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler[C Command] interface {
	Handle(ctx context.Context, c C) error
}

// RequestHandler handles requests of type Q and returns a response of type R.
// Implementations must be safe for concurrent use by multiple goroutines.
type RequestHandler[Q Request, R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}

// MulticastRequestHandler answers a request that every subscribed application may respond to.
type MulticastRequestHandler[Q Request, R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}

// MulticastEventHandler receives its own copy of every event of type E.
type MulticastEventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}

// CompetingEventHandler receives events of type E; one instance per application handles each event.
type CompetingEventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}
