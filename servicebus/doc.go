/*
Package servicebus is the application-facing facade of the message bus.

Every send, request and publish runs on a goroutine owned by the bus and reports through a
cbus.Future, so callers never block on transport I/O unless they Await. Start and Stop drive
all message pumps concurrently and report every pump failure at once. Close stops the pumps,
notifies the disposing observer and releases receivers and the transport exactly once.

Build wires a complete bus from a transport, a handler container and a Config.
*/
package servicebus
