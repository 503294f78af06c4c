// Package pump runs the receive loop that feeds one receiver's messages to a dispatcher.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/internal/metrics"
)

// Defaults applied to zero Config fields.
const (
	DefaultBatchSize           = 10
	DefaultMaxDeliveryAttempts = 5
	DefaultErrorBackoff        = time.Second
)

// Config tunes a pump.
type Config struct {
	BatchSize           int           `mapstructure:"batch_size"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
	ErrorBackoff        time.Duration `mapstructure:"error_backoff"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}

	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}

	return c
}

// Option configures a Pump.
type Option func(*Pump)

// WithClock sets the clock used for error backoff.
func WithClock(c clock.Clock) Option { return func(p *Pump) { p.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pump) { p.logger = l } }

// WithMetrics records settlement outcomes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pump) { p.metrics = m } }

// Pump pulls batches from a receiver and settles every message according to its dispatch result:
// complete on success, abandon on failure, dead-letter once MaxDeliveryAttempts is reached.
type Pump struct {
	recv    cbus.Receiver
	disp    cbus.Dispatcher
	dlq     cbus.DeadLetterQueues
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ cbus.MessagePump = (*Pump)(nil)

// New returns a stopped pump. dlq may be nil, in which case exhausted messages are abandoned.
func New(recv cbus.Receiver, disp cbus.Dispatcher, dlq cbus.DeadLetterQueues, cfg Config, opts ...Option) *Pump {
	p := &Pump{
		recv:   recv,
		disp:   disp,
		dlq:    dlq,
		cfg:    cfg.withDefaults(),
		clock:  clock.New(),
		logger: slog.New(slog.DiscardHandler),
	}

	for _, o := range opts {
		o(p)
	}

	p.logger = p.logger.With("pump", recv.String())

	return p
}

// String names the pump after its receiver.
func (p *Pump) String() string { return p.recv.String() }

// Start waits for the receiver to be ready and launches the loop. Starting a running pump is a no-op.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.recv.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("start pump %s: %w", p.recv, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.done)

	p.logger.InfoContext(ctx, "pump started")

	return nil
}

// Stop ends the loop and waits for the in-flight message to settle or ctx to end.
// Stopping a stopped pump is a no-op.
func (p *Pump) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.running = false
	p.cancel()

	select {
	case <-p.done:
		p.logger.InfoContext(ctx, "pump stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop pump %s: %w", p.recv, ctx.Err())
	}
}

// Running reports whether the loop is active.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

func (p *Pump) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		msgs, err := p.recv.Receive(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			p.logger.ErrorContext(ctx, "receive failed", "err", err)

			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(p.cfg.ErrorBackoff):
			}

			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				p.settle(context.WithoutCancel(ctx), msg, msg.Abandon, metrics.OutcomeAbandoned)

				continue
			}

			p.handle(context.WithoutCancel(ctx), msg)
		}
	}
}

func (p *Pump) handle(ctx context.Context, msg *cbus.Message) {
	err := p.dispatch(ctx, msg)
	if err == nil {
		p.settle(ctx, msg, msg.Complete, metrics.OutcomeCompleted)

		return
	}

	attempts := max(msg.DeliveryCount, 1)
	p.logger.WarnContext(ctx, "dispatch failed", "type", msg.Type, "id", msg.ID, "attempt", attempts, "err", err)

	if p.dlq == nil || attempts < p.cfg.MaxDeliveryAttempts {
		p.settle(ctx, msg, msg.Abandon, metrics.OutcomeAbandoned)

		return
	}

	dead := msg.Clone()
	dead.SetHeader(cbus.HeaderFault, err.Error())

	if perr := p.dlq.Post(ctx, dead); perr != nil {
		p.logger.ErrorContext(ctx, "dead-letter failed", "type", msg.Type, "id", msg.ID, "err", perr)
		p.settle(ctx, msg, msg.Abandon, metrics.OutcomeAbandoned)

		return
	}

	p.settle(ctx, msg, msg.Complete, metrics.OutcomeDeadLettered)
}

func (p *Pump) dispatch(ctx context.Context, msg *cbus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch %s panicked: %v", msg.Type, r)
		}
	}()

	return p.disp.Dispatch(ctx, msg)
}

func (p *Pump) settle(ctx context.Context, msg *cbus.Message, fn func(context.Context) error, outcome string) {
	if err := fn(ctx); err != nil {
		p.logger.ErrorContext(ctx, "settle failed", "outcome", outcome, "id", msg.ID, "err", err)

		return
	}

	p.metrics.PumpMessage(p.recv.String(), outcome)
}
