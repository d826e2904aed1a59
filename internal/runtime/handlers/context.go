package handlers

import (
	"encoding/json"
	"net/url"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

// Request is what a routed handler receives: the decoded request envelope
// fields plus the routing results for the matched pattern.
type Request struct {
	CallID   string
	Method   envelope.Method
	Endpoint string
	// Path is the endpoint with any query string stripped.
	Path string
	// Query holds the parsed query parameters, empty when none were sent.
	Query url.Values
	// Params holds the values bound to named pattern segments.
	Params map[string]string

	Payload  json.RawMessage
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the caller context so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (r Request) CloneMetadata() metadatapkg.Metadata {
	return r.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (r Request) Get(key string) string {
	return r.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (r Request) CorrelationID() string {
	return r.Metadata[MetadataKeyCorrelationID]
}

// CallerID returns the identity of the caller that issued the request.
func (r Request) CallerID() string {
	return r.Metadata.CallerID()
}

// Param returns the value bound to a named pattern segment.
func (r Request) Param(name string) string {
	return r.Params[name]
}
