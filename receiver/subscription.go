package receiver

import (
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// SubscriptionReceiver receives from one subscription of a topic.
type SubscriptionReceiver struct {
	*base
	topic        string
	subscription string
}

var _ cbus.Receiver = (*SubscriptionReceiver)(nil)

// NewSubscriptionReceiver returns a receiver for topic/subscription. No client is created yet.
func NewSubscriptionReceiver(f cbus.ClientFactory, topic, subscription string, opts ...Option) *SubscriptionReceiver {
	create := func() (cbus.ReceiverClient, error) {
		return f.CreateSubscriptionReceiver(topic, subscription)
	}

	return &SubscriptionReceiver{
		base:         newBase(topic+"/"+subscription, create, opts),
		topic:        topic,
		subscription: subscription,
	}
}

// Topic returns the topic path.
func (r *SubscriptionReceiver) Topic() string { return r.topic }

// Subscription returns the subscription name.
func (r *SubscriptionReceiver) Subscription() string { return r.subscription }
