// Package metrics exposes Prometheus instrumentation for the bus facade and its pumps.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeTimeout      = "timeout"
	OutcomeCompleted    = "completed"
	OutcomeAbandoned    = "abandoned"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	messages   *prometheus.CounterVec
	lifecycle  *prometheus.CounterVec
}

// New creates and registers the collectors on reg. Collectors already registered by an
// earlier call with the same registerer are reused.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "messagebus"
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Bus facade operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Bus facade operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_messages_total",
			Help:      "Messages handled by message pumps by receiver and outcome.",
		}, []string{"receiver", "outcome"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_faults_total",
			Help:      "Pump start/stop failures.",
		}, []string{"op"}),
	}

	var err error

	m.operations, err = register(reg, m.operations)
	if err != nil {
		return nil, err
	}

	m.duration, err = register(reg, m.duration)
	if err != nil {
		return nil, err
	}

	m.messages, err = register(reg, m.messages)
	if err != nil {
		return nil, err
	}

	m.lifecycle, err = register(reg, m.lifecycle)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

// ObserveOperation records one facade operation.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// PumpMessage records how a pump settled one message.
func (m *Metrics) PumpMessage(receiver, outcome string) {
	if m == nil {
		return
	}

	m.messages.WithLabelValues(receiver, outcome).Inc()
}

// LifecycleFaults records n failed pump starts or stops.
func (m *Metrics) LifecycleFaults(op string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.lifecycle.WithLabelValues(op).Add(float64(n))
}

// Operations exposes the operations counter for tests and custom exporters.
func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

// Messages exposes the pump message counter.
func (m *Metrics) Messages() *prometheus.CounterVec { return m.messages }

// Lifecycle exposes the lifecycle fault counter.
func (m *Metrics) Lifecycle() *prometheus.CounterVec { return m.lifecycle }

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, berr.ErrRequestTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
