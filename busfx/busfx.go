// Package busfx provides the bus to fx applications. Supply a config.Config and a
// *resolver.Container; the bus starts with the application and is disposed when it stops.
package busfx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	"github.com/next-trace/scg-message-bus/adapters/kafka"
	"github.com/next-trace/scg-message-bus/adapters/nats"
	"github.com/next-trace/scg-message-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-message-bus/adapters/redis"
	"github.com/next-trace/scg-message-bus/config"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/internal/metrics"
	"github.com/next-trace/scg-message-bus/resolver"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// Module provides *servicebus.Bus and cbus.Bus.
var Module = fx.Module("messagebus",
	fx.Provide(
		NewConnection,
		newMetrics,
		NewBus,
		func(b *servicebus.Bus) cbus.Bus { return b },
	),
	fx.Invoke(registerLifecycle),
)

// Connection is the transport selected by config.Config.Transport. DeadLetters is nil unless
// the transport brings its own store.
type Connection struct {
	Transport   cbus.Transport
	DeadLetters cbus.DeadLetterQueues
}

// NewConnection dials the configured transport.
func NewConnection(cfg config.Config) (Connection, error) {
	switch cfg.Transport {
	case config.TransportMemory, "":
		return Connection{Transport: inmemory.New()}, nil
	case config.TransportNATS:
		t, err := nats.NewWithNATS(cfg.NATS)

		return Connection{Transport: t}, err
	case config.TransportRabbitMQ:
		t, err := rabbitmq.NewWithAMQPConn(cfg.RabbitMQ)

		return Connection{Transport: t}, err
	case config.TransportKafka:
		t, err := kafka.NewWithKgo(cfg.Kafka)

		return Connection{Transport: t}, err
	case config.TransportRedis:
		t, dl, err := redis.NewWithRedis(context.Background(), cfg.Redis)
		if err != nil {
			return Connection{}, err
		}

		return Connection{Transport: t, DeadLetters: dl}, nil
	default:
		return Connection{}, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
	}
}

type metricsIn struct {
	fx.In

	Config     config.Config
	Registerer prometheus.Registerer `optional:"true"`
}

func newMetrics(in metricsIn) (*metrics.Metrics, error) {
	if !in.Config.Metrics.Enabled {
		return nil, nil
	}

	reg := in.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return metrics.New(reg, in.Config.Metrics.Namespace)
}

// BusIn are the dependencies of NewBus. Logger is optional.
type BusIn struct {
	fx.In

	Config     config.Config
	Container  *resolver.Container
	Connection Connection
	Metrics    *metrics.Metrics
	Logger     *slog.Logger `optional:"true"`
}

// NewBus builds a stopped bus over the connection.
func NewBus(in BusIn) (*servicebus.Bus, error) {
	opts := []servicebus.Option{servicebus.WithLogger(in.Logger), servicebus.WithMetrics(in.Metrics)}
	if in.Connection.DeadLetters != nil {
		opts = append(opts, servicebus.WithDeadLetterQueues(in.Connection.DeadLetters))
	}

	b, err := servicebus.Build(in.Config.Bus, in.Connection.Transport, in.Container, opts...)
	if err != nil {
		_ = in.Connection.Transport.Close()

		return nil, err
	}

	return b, nil
}

// registerLifecycle disposes the bus itself when Start fails, since fx skips OnStop then.
func registerLifecycle(lc fx.Lifecycle, b *servicebus.Bus) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := b.Start(ctx); err != nil {
				return errors.Join(err, b.CloseContext(context.WithoutCancel(ctx)))
			}

			return nil
		},
		OnStop: b.CloseContext,
	})
}
