package servicebus

import (
	"errors"
	"io"
	"time"

	"github.com/next-trace/scg-message-bus/broker"
	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/deadletter"
	"github.com/next-trace/scg-message-bus/dispatch"
	"github.com/next-trace/scg-message-bus/pump"
	"github.com/next-trace/scg-message-bus/receiver"
	"github.com/next-trace/scg-message-bus/resolver"
	"github.com/next-trace/scg-message-bus/routing"
	"github.com/next-trace/scg-message-bus/sender"
)

// Config describes one application instance on the bus.
type Config struct {
	// App names the application; instances of one app compete for commands and competing events.
	App string `mapstructure:"app"`
	// Instance distinguishes instances of App for multicast events and replies.
	Instance       string        `mapstructure:"instance"`
	ReceiveWait    time.Duration `mapstructure:"receive_wait"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	Pump           pump.Config   `mapstructure:"pump"`
}

// Build wires senders, receivers, pumps and dead-letter queues for every handler registered
// in c and returns a stopped bus. The transport is closed when the bus is closed.
func Build(cfg Config, t cbus.Transport, c *resolver.Container, opts ...Option) (*Bus, error) {
	if t == nil || c == nil {
		return nil, errors.New("servicebus: build needs a transport and a container")
	}

	opts = append([]Option{WithMaxConcurrency(cfg.MaxConcurrency), WithStopTimeout(cfg.StopTimeout)}, opts...)
	o := newOptions(opts)

	router := routing.New(cfg.App, cfg.Instance)
	registry := codec.NewRegistry(c.Types()...)

	dlq := o.deadLetter
	if dlq == nil {
		dlq = deadletter.NewMemory()
	}

	scfg := sender.Config{
		Router:     router,
		Codec:      o.codec,
		Registry:   registry,
		Propagator: o.propagator,
		Clock:      o.clock,
		Logger:     o.logger,
	}
	corr := sender.NewCorrelator(o.logger)

	dcfg := dispatch.Config{
		Container: c,
		Codec:     o.codec,
		Registry:  registry,
		Replies:   t,
		Clock:     o.clock,
		Logger:    o.logger,
	}

	w := wiring{t: t, dlq: dlq, cfg: cfg, o: o}

	w.queue(router.ReplyQueue(), corr)

	var (
		commands          = dispatch.Commands(dcfg)
		requests          = dispatch.Requests(dcfg)
		multicastRequests = dispatch.MulticastRequests(dcfg)
		multicastEvents   = dispatch.Events(broker.NewMulticast(c, o.logger), dcfg)
		competingEvents   = dispatch.Events(broker.NewCompeting(c, o.logger), dcfg)
	)

	for _, b := range c.Bindings() {
		switch b.Capability {
		case resolver.Command:
			w.queue(router.CommandQueue(b.Type), commands)
		case resolver.Request:
			w.queue(router.RequestQueue(b.Type), requests)
		case resolver.MulticastRequest:
			w.subscription(router.MulticastRequestTopic(b.Type), router.MulticastRequestSubscription(), multicastRequests)
		case resolver.MulticastEvent:
			w.subscription(router.EventTopic(b.Type), router.MulticastSubscription(), multicastEvents)
		case resolver.CompetingEvent:
			w.subscription(router.EventTopic(b.Type), router.CompetingSubscription(), competingEvents)
		}
	}

	deps := Deps{
		Commands:          sender.NewCommandSender(t, scfg),
		Requests:          sender.NewRequestSender(t, corr, scfg),
		MulticastRequests: sender.NewMulticastRequestSender(t, corr, scfg),
		Events:            sender.NewEventSender(t, scfg),
		Pumps:             w.pumps,
		DeadLetters:       dlq,
		Registry:          registry,
		Resources:         append(w.closers, t),
	}

	return New(deps, opts...), nil
}

type wiring struct {
	t       cbus.Transport
	dlq     cbus.DeadLetterQueues
	cfg     Config
	o       options
	pumps   []cbus.MessagePump
	closers []io.Closer
}

func (w *wiring) receiverOpts() []receiver.Option {
	return []receiver.Option{receiver.WithReceiveWait(w.cfg.ReceiveWait), receiver.WithLogger(w.o.logger)}
}

func (w *wiring) queue(queue string, d cbus.Dispatcher) {
	w.add(receiver.NewQueueReceiver(w.t, queue, w.receiverOpts()...), d)
}

func (w *wiring) subscription(topic, sub string, d cbus.Dispatcher) {
	w.add(receiver.NewSubscriptionReceiver(w.t, topic, sub, w.receiverOpts()...), d)
}

func (w *wiring) add(r cbus.Receiver, d cbus.Dispatcher) {
	p := pump.New(r, d, w.dlq, w.cfg.Pump,
		pump.WithClock(w.o.clock), pump.WithLogger(w.o.logger), pump.WithMetrics(w.o.metrics))

	w.pumps = append(w.pumps, p)
	w.closers = append(w.closers, r)
}
