// Package envelope defines the wire format exchanged over the broker: a
// request envelope published to a service block's queue and a response
// envelope published back on the shared reply queue. The call ID inside the
// envelope is the only link between the two.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	idspkg "github.com/fleetops/fleetbus/internal/runtime/ids"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

// Method is the HTTP-style verb carried by a request envelope.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Status marks a response envelope as a success or a failure.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorDetail is the structured failure a service block reports back.
type ErrorDetail struct {
	Kind    errspkg.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Request is the RPC envelope published to a service block's request queue.
// Immutable once published; redeliveries carry the same call ID.
type Request struct {
	CallID        string               `json:"call_id"`
	Method        Method               `json:"method"`
	Endpoint      string               `json:"endpoint"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	CallerContext metadatapkg.Metadata `json:"caller_context,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Response is published on the shared reply queue. More than one response
// per call ID is possible under redelivery; the correlation registry
// accepts the first and rejects the rest.
type Response struct {
	CallID     string          `json:"call_id"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Err        *ErrorDetail    `json:"error,omitempty"`
	ProducedAt time.Time       `json:"produced_at"`
}

// NewRequest builds a request envelope with a fresh call ID. The payload is
// serialised immediately so the envelope is self-contained before publish.
func NewRequest(method Method, endpoint string, payload any, callerCtx metadatapkg.Metadata) (*Request, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("fleetbus: invalid method %q", method)
	}
	if endpoint == "" {
		return nil, errspkg.ErrTopicRequired
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := jsoncodec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		raw = data
	}

	return &Request{
		CallID:        idspkg.NewCallID(),
		Method:        method,
		Endpoint:      endpoint,
		Payload:       raw,
		CallerContext: callerCtx.Clone(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewSuccessResponse wraps handler data for the given call ID.
func NewSuccessResponse(callID string, data any) (*Response, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := jsoncodec.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal response data: %w", err)
		}
		raw = encoded
	}
	return &Response{
		CallID:     callID,
		Status:     StatusSuccess,
		Data:       raw,
		ProducedAt: time.Now().UTC(),
	}, nil
}

// NewErrorResponse wraps a structured failure for the given call ID.
func NewErrorResponse(callID string, kind errspkg.Kind, message string) *Response {
	return &Response{
		CallID:     callID,
		Status:     StatusError,
		Err:        &ErrorDetail{Kind: kind, Message: message},
		ProducedAt: time.Now().UTC(),
	}
}

// Validate checks the fields a consumer must be able to rely on.
func (r *Request) Validate() error {
	if r.CallID == "" {
		return errspkg.NewMalformedEnvelope(fmt.Errorf("request envelope missing call_id"))
	}
	if !r.Method.Valid() {
		return errspkg.NewMalformedEnvelope(fmt.Errorf("request envelope has invalid method %q", r.Method))
	}
	if r.Endpoint == "" {
		return errspkg.NewMalformedEnvelope(fmt.Errorf("request envelope missing endpoint"))
	}
	return nil
}

// Validate checks the fields the gateway's response listener relies on.
func (r *Response) Validate() error {
	if r.CallID == "" {
		return errspkg.NewMalformedEnvelope(fmt.Errorf("response envelope missing call_id"))
	}
	switch r.Status {
	case StatusSuccess:
	case StatusError:
		if r.Err == nil {
			return errspkg.NewMalformedEnvelope(fmt.Errorf("error response for call %s carries no error detail", r.CallID))
		}
	default:
		return errspkg.NewMalformedEnvelope(fmt.Errorf("response envelope has unknown status %q", r.Status))
	}
	return nil
}

// RPCError converts an error response into the typed error returned to the
// dispatcher's caller. Success responses return nil.
func (r *Response) RPCError(service string) error {
	if r.Status != StatusError || r.Err == nil {
		return nil
	}
	return &errspkg.RPCError{Kind: r.Err.Kind, Service: service, Message: r.Err.Message, CallID: r.CallID}
}

// ToMessage serialises the request envelope into a broker message. The
// message UUID and correlation metadata both carry the call ID so logging
// middleware can follow the call without decoding the payload.
func (r *Request) ToMessage() (*message.Message, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	payload, err := jsoncodec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request envelope: %w", err)
	}

	msg := message.NewMessage(r.CallID, payload)
	msg.Metadata = metadatapkg.ToWatermill(r.CallerContext)
	msg.Metadata["correlation_id"] = r.CallID
	return msg, nil
}

// RequestFromMessage decodes and validates a request envelope. Failures are
// typed MalformedEnvelope errors: the consumer logs and drops them since
// without a call ID there is nobody to answer.
func RequestFromMessage(msg *message.Message) (*Request, error) {
	var req Request
	if err := jsoncodec.Unmarshal(msg.Payload, &req); err != nil {
		return nil, errspkg.NewMalformedEnvelope(err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ToMessage serialises the response envelope into a broker message keyed by
// the original call ID.
func (r *Response) ToMessage() (*message.Message, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	payload, err := jsoncodec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal response envelope: %w", err)
	}

	msg := message.NewMessage(r.CallID, payload)
	msg.Metadata = message.Metadata{"correlation_id": r.CallID}
	return msg, nil
}

// ResponseFromMessage decodes and validates a response envelope.
func ResponseFromMessage(msg *message.Message) (*Response, error) {
	var resp Response
	if err := jsoncodec.Unmarshal(msg.Payload, &resp); err != nil {
		return nil, errspkg.NewMalformedEnvelope(err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}
