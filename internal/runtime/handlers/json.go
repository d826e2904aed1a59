package handlers

import (
	"context"
	"fmt"

	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
)

// JSON adapts a typed handler into a routable Handler: the request payload
// is decoded into T before fn runs. An empty payload yields a zero-value T;
// an undecodable one is reported as a malformed envelope without invoking fn.
func JSON[T any](fn func(ctx context.Context, req Request, payload *T) (any, error)) Handler {
	return func(ctx context.Context, req Request) (any, error) {
		var payload T
		if len(req.Payload) > 0 {
			if err := jsoncodec.Unmarshal(req.Payload, &payload); err != nil {
				return nil, errspkg.NewMalformedEnvelope(fmt.Errorf("decode request payload: %w", err))
			}
		}
		return fn(ctx, req, &payload)
	}
}

// NoContent wraps a handler that produces no response data.
func NoContent(fn func(ctx context.Context, req Request) error) Handler {
	return func(ctx context.Context, req Request) (any, error) {
		if fn == nil {
			return nil, errspkg.ErrHandlerRequired
		}
		return nil, fn(ctx, req)
	}
}
