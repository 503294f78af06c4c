package bus

// Event represents a published fact. Multicast handlers each receive a copy;
// competing handlers share one copy per application.
type Event interface{}
