package servicebus

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/internal/metrics"
)

// DefaultStopTimeout bounds how long Close waits for pumps to stop.
const DefaultStopTimeout = 30 * time.Second

type options struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	maxConcurrency int64
	stopTimeout    time.Duration

	// used by Build only
	clock      clock.Clock
	codec      codec.Codec
	propagator cbus.HeaderPropagator
	deadLetter cbus.DeadLetterQueues
}

func newOptions(opts []Option) options {
	o := options{
		logger:      slog.New(slog.DiscardHandler),
		stopTimeout: DefaultStopTimeout,
		clock:       clock.New(),
		codec:       codec.JSON{},
		propagator:  cbus.NopHeaderPropagator{},
	}

	for _, fn := range opts {
		fn(&o)
	}

	return o
}

// Option configures a Bus.
type Option func(*options)

// WithLogger sets the logger shared by the bus and, under Build, every component it wires.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records operation, pump and lifecycle metrics on m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithMaxConcurrency bounds the number of operations executing at once. Zero means unbounded.
func WithMaxConcurrency(n int64) Option { return func(o *options) { o.maxConcurrency = n } }

// WithStopTimeout bounds the pump shutdown performed by Close.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithClock sets the clock used by senders and pumps built by Build.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithCodec replaces the JSON body codec used by Build.
func WithCodec(c codec.Codec) Option { return func(o *options) { o.codec = c } }

// WithHeaderPropagator copies context values into outgoing message headers.
func WithHeaderPropagator(p cbus.HeaderPropagator) Option { return func(o *options) { o.propagator = p } }

// WithDeadLetterQueues replaces the in-memory dead-letter store used by Build.
func WithDeadLetterQueues(d cbus.DeadLetterQueues) Option { return func(o *options) { o.deadLetter = d } }
