package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrServiceRequired      = sterrors.New("fleetbus: service is required")
	ErrHandlerRequired      = sterrors.New("fleetbus: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("fleetbus: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("fleetbus: handler name is required")
	ErrPublisherRequired    = sterrors.New("fleetbus: publisher is required")
	ErrTopicRequired        = sterrors.New("fleetbus: topic is required")
	ErrPayloadRequired      = sterrors.New("fleetbus: payload is required")
	ErrServiceNameRequired  = sterrors.New("fleetbus: downstream service name is required")
)

// Kind classifies a failed remote call. The gateway maps kinds to HTTP
// status codes; service blocks put them on the wire inside response
// envelopes.
type Kind string

const (
	// KindTimeout means the call exceeded its deadline. The downstream
	// effect is unknown: the request may still have been processed.
	KindTimeout Kind = "timeout"

	// KindCircuitOpen means the call was rejected locally without any
	// broker publish because the downstream's circuit is open.
	KindCircuitOpen Kind = "circuit_open"

	// KindDedupRejected means an identical call was already in flight and
	// the collision policy rejected this one instead of attaching to it.
	KindDedupRejected Kind = "dedup_rejected"

	// KindDownstream means the remote handler ran and reported a
	// business-level failure, delivered back in a response envelope.
	KindDownstream Kind = "downstream_error"

	// KindBrokerUnavailable means the broker connection or channel failed.
	// Distinct from timeout: it triggers reconnect logic, not a retry of
	// the business call.
	KindBrokerUnavailable Kind = "broker_unavailable"

	// KindMalformedEnvelope means a message could not be decoded. Without
	// a call ID there is nobody to notify; these are logged and dropped.
	KindMalformedEnvelope Kind = "malformed_envelope"
)

// RPCError is the typed failure returned by the gateway dispatcher and
// carried inside error response envelopes.
type RPCError struct {
	Kind    Kind   `json:"kind"`
	Service string `json:"service,omitempty"`
	Message string `json:"message"`
	// CallID is the call the dispatcher recorded this failure under, when
	// one exists. It keys the trace for the failed call, including calls
	// that never reached the broker because the circuit was open.
	CallID  string `json:"call_id,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("fleetbus: %s (%s): %s", e.Kind, e.Service, e.Message)
	}
	return fmt.Sprintf("fleetbus: %s: %s", e.Kind, e.Message)
}

func (e *RPCError) Unwrap() error { return e.Wrapped }

// Is matches RPCErrors by kind so callers can compare against a prototype,
// e.g. errors.Is(err, &RPCError{Kind: KindTimeout}).
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCallID attaches the call ID the failure was traced under and returns
// the same error for chaining at the construction site.
func (e *RPCError) WithCallID(callID string) *RPCError {
	e.CallID = callID
	return e
}

// NewTimeout reports that no response arrived for service before the deadline.
func NewTimeout(service string, err error) *RPCError {
	return &RPCError{Kind: KindTimeout, Service: service, Message: "no response before deadline", Wrapped: err}
}

// NewCircuitOpen reports a fast-failed call for service.
func NewCircuitOpen(service string, err error) *RPCError {
	return &RPCError{Kind: KindCircuitOpen, Service: service, Message: "service unavailable", Wrapped: err}
}

// NewDedupRejected reports a collapsed duplicate call.
func NewDedupRejected(service string) *RPCError {
	return &RPCError{Kind: KindDedupRejected, Service: service, Message: "identical call already in flight"}
}

// NewDownstream wraps a remote handler failure.
func NewDownstream(service, message string) *RPCError {
	return &RPCError{Kind: KindDownstream, Service: service, Message: message}
}

// NewBrokerUnavailable reports a broker connection/channel failure.
func NewBrokerUnavailable(service string, err error) *RPCError {
	msg := "broker unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &RPCError{Kind: KindBrokerUnavailable, Service: service, Message: msg, Wrapped: err}
}

// NewMalformedEnvelope reports an undecodable message.
func NewMalformedEnvelope(err error) *RPCError {
	msg := "malformed envelope"
	if err != nil {
		msg = err.Error()
	}
	return &RPCError{Kind: KindMalformedEnvelope, Message: msg, Wrapped: err}
}

// KindOf extracts the RPC error kind, or "" for non-RPC errors.
func KindOf(err error) Kind {
	var rpcErr *RPCError
	if sterrors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return ""
}
