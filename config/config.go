// Package config loads bus settings from an optional file and SCGBUS_ environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/next-trace/scg-message-bus/adapters/kafka"
	"github.com/next-trace/scg-message-bus/adapters/nats"
	"github.com/next-trace/scg-message-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-message-bus/adapters/redis"
	"github.com/next-trace/scg-message-bus/pump"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// EnvPrefix prefixes every environment override, e.g. SCGBUS_BUS_APP or SCGBUS_NATS_URL.
const EnvPrefix = "SCGBUS"

// Transport names accepted by Config.Transport.
const (
	TransportMemory   = "memory"
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportRedis    = "redis"
)

var transports = []string{TransportMemory, TransportNATS, TransportRabbitMQ, TransportKafka, TransportRedis}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config holds the settings of one bus instance.
type Config struct {
	Bus       servicebus.Config `mapstructure:"bus"`
	Transport string            `mapstructure:"transport"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	NATS      nats.Config       `mapstructure:"nats"`
	RabbitMQ  rabbitmq.Config   `mapstructure:"rabbitmq"`
	Kafka     kafka.Config      `mapstructure:"kafka"`
	Redis     redis.Config      `mapstructure:"redis"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportMemory)

	v.SetDefault("bus.app", "app")
	v.SetDefault("bus.instance", "")
	v.SetDefault("bus.receive_wait", time.Second)
	v.SetDefault("bus.max_concurrency", 0)
	v.SetDefault("bus.stop_timeout", servicebus.DefaultStopTimeout)
	v.SetDefault("bus.pump.batch_size", pump.DefaultBatchSize)
	v.SetDefault("bus.pump.max_delivery_attempts", pump.DefaultMaxDeliveryAttempts)
	v.SetDefault("bus.pump.error_backoff", pump.DefaultErrorBackoff)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "messagebus")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "")
	v.SetDefault("nats.conn_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.stream", "MESSAGEBUS")
	v.SetDefault("nats.subjects", nats.DefaultSubjects)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.conn_timeout", 5*time.Second)
	v.SetDefault("rabbitmq.exchange", "integration")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "")
	v.SetDefault("kafka.idempotent", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.consumer", "")
	v.SetDefault("redis.max_len", 0)
	v.SetDefault("redis.auto_delete", false)
	v.SetDefault("redis.dead_letter_stream", redis.DefaultDeadLetterStream)
}

// Load reads defaults, then the file at path when path is not empty, then environment
// overrides. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error

	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !slices.Contains(transports, c.Transport) {
		fail("transport %q not one of %v", c.Transport, transports)
	}

	if c.Bus.App == "" {
		fail("bus.app required")
	}

	if c.Bus.ReceiveWait < 0 || c.Bus.StopTimeout < 0 || c.Bus.Pump.ErrorBackoff < 0 {
		fail("durations must not be negative")
	}

	if c.Bus.MaxConcurrency < 0 || c.Bus.Pump.BatchSize < 0 || c.Bus.Pump.MaxDeliveryAttempts < 0 {
		fail("limits must not be negative")
	}

	switch c.Transport {
	case TransportNATS:
		if c.NATS.URL == "" {
			fail("nats.url required")
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.URL == "" {
			fail("rabbitmq.url required")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			fail("kafka.brokers required")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			fail("redis.addr required")
		}
	}

	return err
}
