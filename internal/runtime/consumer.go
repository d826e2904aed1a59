package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

// RequestConsumerRegistration wires a service block's route table to its
// dedicated request queue. Every consumed envelope produces exactly one
// response envelope on the shared reply topic, tagged with the original
// call ID, whether the handler succeeded, failed, or panicked.
type RequestConsumerRegistration struct {
	// Block names the service block. Empty takes the configured service
	// name. It selects the request queue this consumer reads.
	Block string
	// Routes resolves (method, path) pairs to handlers.
	Routes *handlerpkg.Router
}

// RegisterRequestConsumer attaches a request consumer to the service router.
func RegisterRequestConsumer(svc *Service, cfg RequestConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Routes == nil {
		return errspkg.ErrHandlerRequired
	}
	block := cfg.Block
	if block == "" {
		block = svc.Conf.ServiceName
	}
	if block == "" {
		return errspkg.ErrServiceNameRequired
	}

	return RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         fmt.Sprintf("rpc_consumer_%s", block),
		ConsumeQueue: svc.Conf.RequestTopicFor(block),
		PublishQueue: svc.Conf.ResponseTopic,
		Handler:      buildRequestHandler(svc, block, cfg.Routes),
	})
}

// buildRequestHandler converts one request envelope into one response
// envelope. The response message is returned to the router, so the publish
// to the reply topic happens before the request is acked; a crash between
// the two redelivers the request and the correlation registry on the
// gateway side absorbs the duplicate response.
func buildRequestHandler(svc *Service, block string, routes *handlerpkg.Router) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		req, err := envelope.RequestFromMessage(msg)
		if err != nil {
			// No call ID means nobody to answer. Hand the payload to the
			// poison middleware so it lands on the dead letter topic.
			svc.Logger.Error("Dropping malformed request envelope", err, loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"block":        block,
			})
			return nil, &UnprocessableMessageError{payload: string(msg.Payload), err: err}
		}

		hreq := handlerpkg.Request{
			CallID:   req.CallID,
			Method:   req.Method,
			Endpoint: req.Endpoint,
			Payload:  req.Payload,
			Metadata: metadatapkg.Metadata(req.CallerContext).Clone(),
			Logger: svc.Logger.With(loggingpkg.LogFields{
				"call_id": req.CallID,
				"block":   block,
			}),
		}

		data, handlerErr := dispatchWithRecovery(svc, block, routes, msg.Context(), hreq)

		resp := buildResponse(svc, block, req.CallID, data, handlerErr)
		out, err := resp.ToMessage()
		if err != nil {
			svc.Logger.Error("Failed to serialise response envelope", err, loggingpkg.LogFields{
				"call_id": req.CallID,
				"block":   block,
			})
			fallback := envelope.NewErrorResponse(req.CallID, errspkg.KindDownstream, "response serialisation failed")
			out, err = fallback.ToMessage()
			if err != nil {
				return nil, err
			}
		}

		return []*message.Message{out}, nil
	}
}

func buildResponse(svc *Service, block, callID string, data any, handlerErr error) *envelope.Response {
	if handlerErr == nil {
		resp, err := envelope.NewSuccessResponse(callID, data)
		if err == nil {
			return resp
		}
		svc.Logger.Error("Failed to encode handler result", err, loggingpkg.LogFields{
			"call_id": callID,
			"block":   block,
		})
		return envelope.NewErrorResponse(callID, errspkg.KindDownstream, "result encoding failed")
	}

	kind := errspkg.KindOf(handlerErr)
	if kind == "" {
		kind = errspkg.KindDownstream
	}
	return envelope.NewErrorResponse(callID, kind, handlerErr.Error())
}

// dispatchWithRecovery runs the route table with a panic guard. A panicking
// handler must not take the consumer down: the caller is owed an error
// response either way.
func dispatchWithRecovery(svc *Service, block string, routes *handlerpkg.Router, ctx context.Context, req handlerpkg.Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			svc.Logger.Error("Handler panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
				"call_id":  req.CallID,
				"block":    block,
				"endpoint": req.Endpoint,
			})
			data = nil
			err = errspkg.NewDownstream(block, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	return routes.Dispatch(ctx, req)
}
