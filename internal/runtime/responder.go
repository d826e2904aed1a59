package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
)

// responseListenerName is the router handler consuming the shared reply
// topic. One per process; duplicate dispatchers on the same service would
// steal each other's replies.
const responseListenerName = "rpc_response_listener"

func (d *Dispatcher) registerResponseListener() error {
	return RegisterMessageHandler(d.svc, MessageHandlerRegistration{
		Name:         responseListenerName,
		ConsumeQueue: d.svc.Conf.ResponseTopic,
		Handler:      d.handleResponse,
	})
}

// handleResponse resolves the pending call matching an incoming response
// envelope. Responses that cannot be decoded, or whose call no longer has a
// waiter, are logged and dropped: redelivering them would change nothing,
// so the message is always acked.
func (d *Dispatcher) handleResponse(msg *message.Message) ([]*message.Message, error) {
	resp, err := envelope.ResponseFromMessage(msg)
	if err != nil {
		d.svc.Logger.Error("Discarding malformed response envelope", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return nil, nil
	}

	if !d.svc.pending.Resolve(resp.CallID, resp) {
		d.svc.Logger.Info("Discarding response with no waiter", loggingpkg.LogFields{
			"call_id": resp.CallID,
			"status":  string(resp.Status),
		})
		return nil, nil
	}

	return nil, nil
}
