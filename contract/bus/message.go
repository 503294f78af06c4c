package bus

// Command is a marker interface for commands (intent to change state).
// A command is delivered to exactly one handler.
type Command interface{}

// Request is a marker interface for requests answered by a correlated response.
type Request interface{}

// Response is a marker interface for values returned by request handlers.
type Response interface{}
