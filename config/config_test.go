package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/next-trace/scg-message-bus/config"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if c.Transport != config.TransportMemory || c.Bus.App != "app" {
		t.Fatalf("cfg=%+v", c)
	}

	if c.Bus.ReceiveWait != time.Second || c.Bus.Pump.BatchSize != 10 || c.Bus.Pump.MaxDeliveryAttempts != 5 {
		t.Fatalf("bus=%+v", c.Bus)
	}

	if c.Metrics.Namespace != "messagebus" || c.NATS.Stream != "MESSAGEBUS" {
		t.Fatalf("metrics=%+v nats=%+v", c.Metrics, c.NATS)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.yaml")

	body := []byte(`
transport: nats
bus:
  app: billing
  instance: b-1
  receive_wait: 250ms
  pump:
    max_delivery_attempts: 3
nats:
  url: nats://file:4222
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("SCGBUS_NATS_URL", "nats://env:4222")
	t.Setenv("SCGBUS_BUS_STOP_TIMEOUT", "5s")

	c, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if c.Bus.App != "billing" || c.Bus.Instance != "b-1" || c.Bus.ReceiveWait != 250*time.Millisecond {
		t.Fatalf("bus=%+v", c.Bus)
	}

	if c.Bus.Pump.MaxDeliveryAttempts != 3 || c.Bus.StopTimeout != 5*time.Second {
		t.Fatalf("bus=%+v", c.Bus)
	}

	if c.NATS.URL != "nats://env:4222" {
		t.Fatalf("env override lost: %q", c.NATS.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	c := config.Config{Transport: config.TransportRedis}
	c.Bus.ReceiveWait = -time.Second

	err := c.Validate()
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}

	for _, want := range []string{"bus.app required", "durations must not be negative", "redis.addr required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}

	if err := (config.Config{Transport: "carrier-pigeon", Bus: c.Bus}).Validate(); err == nil {
		t.Fatalf("unknown transport accepted")
	}
}

func TestValidate_TransportRequirements(t *testing.T) {
	base := config.Config{}
	base.Bus.App = "a"

	for _, tr := range []string{config.TransportNATS, config.TransportRabbitMQ, config.TransportKafka} {
		c := base
		c.Transport = tr

		if err := c.Validate(); err == nil {
			t.Fatalf("%s accepted without address", tr)
		}
	}

	c := base
	c.Transport = config.TransportMemory

	if err := c.Validate(); err != nil {
		t.Fatalf("memory: %v", err)
	}
}

