package servicebus

import (
	"context"
	"fmt"
	"reflect"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// RequestAs sends req, awaits the response and converts it to R.
// R is registered for decoding, so the responding handler may live in another process.
func RequestAs[R any](ctx context.Context, b *Bus, req cbus.Request) (R, error) {
	var zero R

	b.deps.Registry.Register(reflect.TypeFor[R]())

	res, err := b.Request(ctx, req).Await(ctx)
	if err != nil {
		return zero, err
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("request %T: got %T: %w", req, res, berr.ErrHandlerTypeMismatch)
	}

	return r, nil
}

// MulticastRequestAs is MulticastRequest with responses converted to R.
// Responses of another type are skipped.
func MulticastRequestAs[R any](ctx context.Context, b *Bus, req cbus.Request, timeout time.Duration) ([]R, error) {
	b.deps.Registry.Register(reflect.TypeFor[R]())

	res, err := b.MulticastRequest(ctx, req, timeout).Await(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]R, 0, len(res))

	for _, v := range res {
		if r, ok := v.(R); ok {
			out = append(out, r)
		}
	}

	return out, nil
}
