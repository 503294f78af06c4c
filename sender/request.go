package sender

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/next-trace/scg-message-bus/codec"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// RequestSender sends a request to its queue and waits for the correlated response.
type RequestSender struct {
	core
	corr *Correlator
}

var _ cbus.RequestSender = (*RequestSender)(nil)

// NewRequestSender returns a RequestSender whose responses are routed by corr.
func NewRequestSender(out Outbound, corr *Correlator, cfg Config) *RequestSender {
	return &RequestSender{core: newCore(out, cfg), corr: corr}
}

// SendRequest blocks until a response arrives or ctx is done.
func (s *RequestSender) SendRequest(ctx context.Context, req cbus.Request) (any, error) {
	msg, err := s.message(ctx, cbus.KindRequest, req)
	if err != nil {
		return nil, err
	}

	msg.ReplyTo = s.cfg.Router.ReplyQueue()

	replies, cancel := s.corr.expect(msg.CorrelationID)
	defer cancel()

	if err := s.send(ctx, s.cfg.Router.RequestQueue(reflect.TypeOf(req)), msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return s.decodeReply(msg, reply)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *RequestSender) decodeReply(req, reply *cbus.Message) (any, error) {
	if fault := reply.Header(cbus.HeaderFault); fault != "" {
		return nil, fmt.Errorf("request %s: %w", req.Type, errors.Join(berr.ErrRemoteFault, errors.New(fault)))
	}

	return codec.Decode(s.cfg.Codec, s.cfg.Registry, reply)
}

// MulticastRequestSender publishes a request to a topic and gathers responses for a fixed window.
type MulticastRequestSender struct {
	core
	corr *Correlator
}

var _ cbus.MulticastRequestSender = (*MulticastRequestSender)(nil)

// NewMulticastRequestSender returns a MulticastRequestSender whose responses are routed by corr.
func NewMulticastRequestSender(out Outbound, corr *Correlator, cfg Config) *MulticastRequestSender {
	return &MulticastRequestSender{core: newCore(out, cfg), corr: corr}
}

// SendMulticastRequest returns the responses received before timeout elapses.
// Faulted or undecodable responses are skipped; responses after the window are dropped.
func (s *MulticastRequestSender) SendMulticastRequest(ctx context.Context, req cbus.Request, timeout time.Duration) ([]any, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("multicast request %T: %w", req, berr.ErrTimeoutRequired)
	}

	msg, err := s.message(ctx, cbus.KindMulticastRequest, req)
	if err != nil {
		return nil, err
	}

	msg.ReplyTo = s.cfg.Router.ReplyQueue()

	finish := s.corr.collect(msg.CorrelationID)

	window := s.cfg.Clock.Timer(timeout)
	defer window.Stop()

	if err := s.send(ctx, s.cfg.Router.MulticastRequestTopic(reflect.TypeOf(req)), msg); err != nil {
		finish()

		return nil, err
	}

	select {
	case <-window.C:
	case <-ctx.Done():
		finish()

		return nil, context.Cause(ctx)
	}

	replies := finish()
	out := make([]any, 0, len(replies))

	for _, reply := range replies {
		if reply.Header(cbus.HeaderFault) != "" {
			continue
		}

		v, err := codec.Decode(s.cfg.Codec, s.cfg.Registry, reply)
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "response skipped", "type", reply.Type, "id", reply.ID, "err", err)

			continue
		}

		out = append(out, v)
	}

	return out, nil
}
