package errors

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeHandlerExists       = "messagebus.handler_exists"
	ErrCodeHandlerNotFound     = "messagebus.handler_not_found"
	ErrCodeHandlerTypeMismatch = "messagebus.handler_type_mismatch"
	ErrCodeHandlerFault        = "messagebus.handler_fault"
	ErrCodeRemoteFault         = "messagebus.remote_fault"
	ErrCodeEnqueueFailed       = "messagebus.enqueue_failed"
	ErrCodePublishFailed       = "messagebus.publish_failed"
	ErrCodeReceiveFailed       = "messagebus.receive_failed"
	ErrCodeDelayUnsupported    = "messagebus.delay_unsupported"
	ErrCodeSerializationFailed = "messagebus.serialization_failed"
	ErrCodeUnknownMessageType  = "messagebus.unknown_message_type"
	ErrCodeRequestTimeout      = "messagebus.request_timeout"
	ErrCodeTimeoutRequired     = "messagebus.timeout_required"
	ErrCodeBusStart            = "messagebus.start_failed"
	ErrCodeBusStop             = "messagebus.stop_failed"
	ErrCodeBusDisposed         = "messagebus.disposed"
	ErrCodeObserverAlreadySet  = "messagebus.observer_already_set"
	ErrCodeReceiverClosed      = "messagebus.receiver_closed"
	ErrCodeTransportClosed     = "messagebus.transport_closed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrHandlerFault        = Code(ErrCodeHandlerFault)
	ErrRemoteFault         = Code(ErrCodeRemoteFault)
	ErrEnqueueFailed       = Code(ErrCodeEnqueueFailed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrReceiveFailed       = Code(ErrCodeReceiveFailed)
	ErrDelayUnsupported    = Code(ErrCodeDelayUnsupported)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrUnknownMessageType  = Code(ErrCodeUnknownMessageType)
	ErrRequestTimeout      = Code(ErrCodeRequestTimeout)
	ErrTimeoutRequired     = Code(ErrCodeTimeoutRequired)
	ErrBusStart            = Code(ErrCodeBusStart)
	ErrBusStop             = Code(ErrCodeBusStop)
	ErrBusDisposed         = Code(ErrCodeBusDisposed)
	ErrObserverAlreadySet  = Code(ErrCodeObserverAlreadySet)
	ErrReceiverClosed      = Code(ErrCodeReceiverClosed)
	ErrTransportClosed     = Code(ErrCodeTransportClosed)
)

// TimeoutError reports a request whose wait exceeded its allotted timeout.
// It matches ErrRequestTimeout with errors.Is.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s: %s", e.Op, e.Timeout, ErrCodeRequestTimeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// LifecycleError aggregates every pump failure observed by a single Start or Stop.
// Unwrap exposes the individual causes; errors.Is also matches ErrBusStart or ErrBusStop.
type LifecycleError struct {
	Op     string
	Causes []error
}

// NewLifecycleError combines errs and returns nil when none of them is non-nil.
func NewLifecycleError(op string, errs ...error) error {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}

	return &LifecycleError{Op: op, Causes: multierr.Errors(combined)}
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("failed to %s bus: %d pump(s) failed: %v", e.Op, len(e.Causes), multierr.Combine(e.Causes...))
}

func (e *LifecycleError) Unwrap() []error { return e.Causes }

func (e *LifecycleError) Is(target error) bool {
	switch target {
	case ErrBusStart:
		return e.Op == "start"
	case ErrBusStop:
		return e.Op == "stop"
	default:
		return false
	}
}
