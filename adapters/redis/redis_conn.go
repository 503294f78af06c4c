package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Config configures NewWithRedis.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	TLS         bool          `mapstructure:"tls"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// Consumer names this process in every consumer group.
	Consumer string `mapstructure:"consumer"`
	// MaxLen trims streams approximately to this many entries. Zero keeps everything.
	MaxLen     int64 `mapstructure:"max_len"`
	AutoDelete bool  `mapstructure:"auto_delete"`
	// DeadLetterStream defaults to DefaultDeadLetterStream.
	DeadLetterStream string `mapstructure:"dead_letter_stream"`
}

type goRedis struct {
	rdb    redis.UniversalClient
	maxLen int64
}

// NewClient wraps a go-redis client. maxLen trims streams on every add when positive.
func NewClient(rdb redis.UniversalClient, maxLen int64) Client {
	return goRedis{rdb: rdb, maxLen: maxLen}
}

func (c goRedis) Add(ctx context.Context, stream string, values map[string]any) (string, error) {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	return c.rdb.XAdd(ctx, args).Result()
}

func (c goRedis) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}

	return err
}

func (c goRedis) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var out []Entry

	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Entry{ID: m.ID, Values: m.Values})
		}
	}

	return out, nil
}

func (c goRedis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return c.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (c goRedis) Del(ctx context.Context, stream string, ids ...string) (int64, error) {
	return c.rdb.XDel(ctx, stream, ids...).Result()
}

func (c goRedis) Range(ctx context.Context, stream string, count int64) ([]Entry, error) {
	ms, err := c.rdb.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(ms))
	for _, m := range ms {
		out = append(out, Entry{ID: m.ID, Values: m.Values})
	}

	return out, nil
}

func (c goRedis) Len(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

func (c goRedis) Close() error { return c.rdb.Close() }

// NewWithRedis connects to Redis and returns a transport and the dead-letter queues sharing
// its connection.
func NewWithRedis(ctx context.Context, cfg Config) (*Transport, *DeadLetters, error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("%w: redis addr required", berr.ErrTransportClosed)
	}

	opts := &redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		host, _, _ := strings.Cut(cfg.Addr, ":")
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, nil, fmt.Errorf("%w: redis ping: %w", berr.ErrTransportClosed, err)
	}

	c := NewClient(rdb, cfg.MaxLen)

	return New(c, WithConsumer(cfg.Consumer), WithAutoDelete(cfg.AutoDelete)), NewDeadLetters(c, cfg.DeadLetterStream), nil
}
