package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Config configures NewWithKgo.
type Config struct {
	Brokers     []string            `mapstructure:"brokers"`
	ClientID    string              `mapstructure:"client_id"`
	TLS         *tls.Config         `mapstructure:"-"`
	Acks        kgo.Acks            `mapstructure:"-"`
	Idempotent  bool                `mapstructure:"idempotent"`
	Compression kgo.CompressionCodec `mapstructure:"-"`
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	return opts
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoConsumers struct{ cfg Config }

func (f kgoConsumers) Consumer(topic, group string, fromStart bool) (Consumer, error) {
	reset := kgo.NewOffset().AtEnd()
	if fromStart {
		reset = kgo.NewOffset().AtStart()
	}

	opts := append(f.cfg.baseOpts(),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(reset),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return kgoConsumer{cl: cl}, nil
}

type kgoConsumer struct{ cl *kgo.Client }

func (c kgoConsumer) Poll(ctx context.Context, max int) ([]Record, error) {
	fetches := c.cl.PollRecords(ctx, max)

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}

		return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		rec := Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
			Key:         r.Key,
			Value:       r.Value,
			Headers:     make(map[string]string, len(r.Headers)),
		}

		for _, h := range r.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}

		out = append(out, rec)
	})

	if len(out) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return out, nil
}

func (c kgoConsumer) Commit(ctx context.Context, r Record) error {
	return c.cl.CommitRecords(ctx, &kgo.Record{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
	})
}

func (c kgoConsumer) Close() { c.cl.Close() }

// NewWithKgo builds a franz-go producer and a consumer factory for receivers.
// The producer is closed with the transport; consumers are closed with their receivers.
func NewWithKgo(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrTransportClosed)
	}

	opts := cfg.baseOpts()
	if cfg.Idempotent {
		if cfg.Compression != (kgo.CompressionCodec{}) {
			opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
		}
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransportClosed, err)
	}

	return New(kgoWriter{cl: cl}, kgoConsumers{cfg: cfg}, cl.Close), nil
}
