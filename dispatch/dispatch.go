// Package dispatch turns received messages back into contract values and invokes the
// handlers resolved for them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/next-trace/scg-message-bus/broker"
	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/resolver"
	"github.com/next-trace/scg-message-bus/sender"
)

// Config is shared by all dispatchers.
type Config struct {
	Container *resolver.Container
	Codec     codec.Codec
	Registry  *codec.Registry
	// Replies carries responses back to requesters. Only request dispatchers use it.
	Replies sender.Outbound
	Clock   clock.Clock
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = codec.JSON{}
	}

	if c.Registry == nil {
		c.Registry = codec.NewRegistry(c.Container.Types()...)
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	return c
}

func (c Config) decode(msg *cbus.Message) (any, error) {
	return codec.Decode(c.Codec, c.Registry, msg)
}

// Commands invokes the single command handler for each message.
func Commands(cfg Config) cbus.Dispatcher {
	cfg = cfg.withDefaults()

	return cbus.DispatcherFunc(func(ctx context.Context, msg *cbus.Message) error {
		v, err := cfg.decode(msg)
		if err != nil {
			return err
		}

		_, err = invokeSingle(ctx, cfg.Container, resolver.Command, v)

		return err
	})
}

// Requests invokes the request handler and replies to msg.ReplyTo. Handler failures are
// returned to the requester as faulted responses and do not fail the dispatch.
func Requests(cfg Config) cbus.Dispatcher {
	cfg = cfg.withDefaults()

	return cbus.DispatcherFunc(func(ctx context.Context, msg *cbus.Message) error {
		v, err := cfg.decode(msg)
		if err != nil {
			return err
		}

		res, herr := invokeSingle(ctx, cfg.Container, resolver.Request, v)
		if herr != nil {
			cfg.Logger.WarnContext(ctx, "request failed", "type", msg.Type, "id", msg.ID, "err", herr)
		}

		return cfg.reply(ctx, msg, res, herr)
	})
}

// MulticastRequests replies once per multicast request handler. Faulted handlers are
// skipped so the requester only sees answers.
func MulticastRequests(cfg Config) cbus.Dispatcher {
	cfg = cfg.withDefaults()

	return cbus.DispatcherFunc(func(ctx context.Context, msg *cbus.Message) (err error) {
		v, err := cfg.decode(msg)
		if err != nil {
			return err
		}

		scope := cfg.Container.BeginScope()
		defer func() { err = multierr.Append(err, scope.Close()) }()

		for i, h := range scope.ResolveAll(resolver.MulticastRequest, reflect.TypeOf(v)) {
			res, herr := h.Invoke(ctx, v)
			if herr != nil {
				cfg.Logger.WarnContext(ctx, "multicast responder failed", "type", msg.Type, "handler", i, "err", herr)

				continue
			}

			// A failed reply is not retried: redelivery would re-run every responder.
			if rerr := cfg.reply(ctx, msg, res, nil); rerr != nil {
				cfg.Logger.WarnContext(ctx, "multicast reply failed", "type", msg.Type, "handler", i, "err", rerr)
			}
		}

		return ctx.Err()
	})
}

// Events hands decoded events to b.
func Events(b *broker.Multicast, cfg Config) cbus.Dispatcher {
	cfg = cfg.withDefaults()

	return cbus.DispatcherFunc(func(ctx context.Context, msg *cbus.Message) error {
		v, err := cfg.decode(msg)
		if err != nil {
			return err
		}

		return b.Publish(ctx, v)
	})
}

func invokeSingle(ctx context.Context, c *resolver.Container, capability resolver.Capability, v any) (res any, err error) {
	scope := c.BeginScope()
	defer func() { err = multierr.Append(err, scope.Close()) }()

	typ := reflect.TypeOf(v)

	hs := scope.ResolveAll(capability, typ)
	if len(hs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", capability, typ, berr.ErrHandlerNotFound)
	}

	res, err = hs[0].Invoke(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", capability, typ, errors.Join(berr.ErrHandlerFault, err))
	}

	return res, nil
}

func (c Config) reply(ctx context.Context, req *cbus.Message, res any, fault error) error {
	if req.ReplyTo == "" {
		c.Logger.WarnContext(ctx, "request without reply address", "type", req.Type, "id", req.ID)

		return nil
	}

	msg := &cbus.Message{
		ID:            uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Kind:          cbus.KindResponse,
		EnqueuedAt:    c.Clock.Now(),
	}

	switch {
	case fault != nil:
		msg.SetHeader(cbus.HeaderFault, fault.Error())
	case res == nil:
		msg.SetHeader(cbus.HeaderFault, "empty response")
	default:
		if err := codec.Encode(c.Codec, res, msg); err != nil {
			msg.SetHeader(cbus.HeaderFault, err.Error())
		}
	}

	if err := c.Replies.Send(ctx, req.ReplyTo, msg); err != nil {
		return fmt.Errorf("reply %s: %w", req.Type, err)
	}

	return nil
}
