// Package sender turns commands, requests and events into messages and hands them to a transport.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/routing"
)

// HeaderContentType carries the codec content type.
const HeaderContentType = "content-type"

// Outbound is the transport side used by senders.
type Outbound interface {
	Send(ctx context.Context, path string, msg *cbus.Message) error
}

// Config is shared by every sender.
type Config struct {
	Router routing.Router
	// Codec defaults to codec.JSON.
	Codec codec.Codec
	// Registry resolves response types; required by request senders.
	Registry   *codec.Registry
	Propagator cbus.HeaderPropagator
	Clock      clock.Clock
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = codec.JSON{}
	}

	if c.Registry == nil {
		c.Registry = codec.NewRegistry()
	}

	if c.Propagator == nil {
		c.Propagator = cbus.NopHeaderPropagator{}
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	return c
}

type core struct {
	out Outbound
	cfg Config
}

func newCore(out Outbound, cfg Config) core {
	return core{out: out, cfg: cfg.withDefaults()}
}

func (c core) message(ctx context.Context, kind cbus.Kind, v any) (*cbus.Message, error) {
	if v == nil {
		return nil, fmt.Errorf("%s <nil>: %w", kind, berr.ErrSerializationFailed)
	}

	msg := &cbus.Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		EnqueuedAt: c.cfg.Clock.Now(),
		Headers:    make(map[string]string, 4),
	}
	msg.CorrelationID = msg.ID

	if err := codec.Encode(c.cfg.Codec, v, msg); err != nil {
		return nil, err
	}

	msg.SetHeader(HeaderContentType, c.cfg.Codec.ContentType())
	c.cfg.Propagator.Inject(ctx, msg.Headers)

	return msg, nil
}

func (c core) send(ctx context.Context, path string, msg *cbus.Message) error {
	if err := c.out.Send(ctx, path, msg); err != nil {
		return fmt.Errorf("%s %s: %w", msg.Kind, msg.Type, err)
	}

	c.cfg.Logger.DebugContext(ctx, "message sent", "op", string(msg.Kind), "type", msg.Type, "id", msg.ID, "path", path)

	return nil
}

// CommandSender sends commands to their queue.
type CommandSender struct{ core }

var _ cbus.CommandSender = (*CommandSender)(nil)

// NewCommandSender returns a CommandSender writing to out.
func NewCommandSender(out Outbound, cfg Config) *CommandSender {
	return &CommandSender{core: newCore(out, cfg)}
}

// Send delivers cmd immediately.
func (s *CommandSender) Send(ctx context.Context, cmd cbus.Command) error {
	return s.SendAt(ctx, time.Time{}, cmd)
}

// SendAfter schedules cmd for delivery after delay.
func (s *CommandSender) SendAfter(ctx context.Context, delay time.Duration, cmd cbus.Command) error {
	return s.SendAt(ctx, s.cfg.Clock.Now().Add(delay), cmd)
}

// SendAt schedules cmd for delivery at at. A zero time means now.
func (s *CommandSender) SendAt(ctx context.Context, at time.Time, cmd cbus.Command) error {
	msg, err := s.message(ctx, cbus.KindCommand, cmd)
	if err != nil {
		return err
	}

	if !at.IsZero() {
		msg.ScheduledAt = at

		delay := max(at.Sub(s.cfg.Clock.Now()), 0)
		msg.SetHeader(cbus.HeaderScheduledAt, at.UTC().Format(time.RFC3339Nano))
		msg.SetHeader(cbus.HeaderDelay, strconv.FormatInt(delay.Milliseconds(), 10))
	}

	return s.send(ctx, s.cfg.Router.CommandQueue(reflect.TypeOf(cmd)), msg)
}

// EventSender publishes events to their topic.
type EventSender struct{ core }

var _ cbus.EventSender = (*EventSender)(nil)

// NewEventSender returns an EventSender writing to out.
func NewEventSender(out Outbound, cfg Config) *EventSender {
	return &EventSender{core: newCore(out, cfg)}
}

// Publish sends evt to its topic.
func (s *EventSender) Publish(ctx context.Context, evt cbus.Event) error {
	msg, err := s.message(ctx, cbus.KindEvent, evt)
	if err != nil {
		return err
	}

	return s.send(ctx, s.cfg.Router.EventTopic(reflect.TypeOf(evt)), msg)
}
