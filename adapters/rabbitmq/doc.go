/*
Package rabbitmq is an AMQP 0-9-1 transport. Queues are addressed through the default
exchange; topics are routing keys on a durable topic exchange, and each subscription is a
durable queue bound to its topic. Receivers pull with basic.get so batches are bounded by
the caller's wait. An abandoned message is published again to its queue with an
x-delivery-count header and the original is acked, so attempts are counted on classic
queues too. The connection reconnects on its own with jittered backoff.
*/
package rabbitmq
