package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

// RouteResolver maps an inbound HTTP request to a downstream service and
// the endpoint forwarded inside the request envelope.
type RouteResolver func(r *http.Request) (service, endpoint string, err error)

// PathPrefixResolver treats the first path segment as the service name and
// the remainder as the endpoint: /gps/vehicles/7 calls "gps" with
// "/vehicles/7".
func PathPrefixResolver(r *http.Request) (string, string, error) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	service, rest, _ := strings.Cut(trimmed, "/")
	if service == "" {
		return "", "", fmt.Errorf("fleetbus: request path %q names no service", r.URL.Path)
	}
	endpoint := "/" + rest
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}
	return service, endpoint, nil
}

// Gateway is the HTTP pass-through in front of the dispatcher: verb and
// path become the envelope's method and endpoint, the body becomes the
// payload, and typed dispatch failures map onto HTTP status codes.
type Gateway struct {
	dispatcher *Dispatcher
	resolve    RouteResolver
	timeout    time.Duration
	logger     loggingpkg.ServiceLogger
}

// NewGateway builds an http.Handler over the dispatcher. A nil resolver
// takes PathPrefixResolver; a non-positive timeout takes the configured
// default per call.
func NewGateway(d *Dispatcher, resolve RouteResolver, timeout time.Duration) (*Gateway, error) {
	if d == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if resolve == nil {
		resolve = PathPrefixResolver
	}
	return &Gateway{
		dispatcher: d,
		resolve:    resolve,
		timeout:    timeout,
		logger:     d.svc.Logger,
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := envelope.Method(r.Method)
	if !method.Valid() {
		writeGatewayError(w, http.StatusMethodNotAllowed, "", fmt.Sprintf("method %s not supported", r.Method))
		return
	}

	service, endpoint, err := g.resolve(r)
	if err != nil {
		writeGatewayError(w, http.StatusNotFound, "", err.Error())
		return
	}

	var payload any
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeGatewayError(w, http.StatusBadRequest, string(errspkg.KindMalformedEnvelope), "unreadable request body")
			return
		}
		if len(body) > 0 {
			if !json.Valid(body) {
				writeGatewayError(w, http.StatusBadRequest, string(errspkg.KindMalformedEnvelope), "request body is not valid JSON")
				return
			}
			payload = json.RawMessage(body)
		}
	}

	callerCtx := metadatapkg.New()
	if caller := r.Header.Get("X-Caller-ID"); caller != "" {
		callerCtx[metadatapkg.KeyCallerID] = caller
	}
	if corr := r.Header.Get("X-Correlation-ID"); corr != "" {
		callerCtx["correlation_id"] = corr
	}

	data, err := g.dispatcher.Dispatch(r.Context(), service, method, endpoint, payload, callerCtx, g.timeout)
	if err != nil {
		kind := errspkg.KindOf(err)
		g.logger.Error("Gateway call failed", err, loggingpkg.LogFields{
			"service":  service,
			"endpoint": endpoint,
			"kind":     string(kind),
		})
		writeGatewayError(w, statusForKind(kind), string(kind), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(data) > 0 {
		w.Write(data)
	} else {
		w.Write([]byte("null"))
	}
}

// statusForKind maps dispatch failure kinds to HTTP status codes.
func statusForKind(kind errspkg.Kind) int {
	switch kind {
	case errspkg.KindTimeout:
		return http.StatusGatewayTimeout
	case errspkg.KindCircuitOpen, errspkg.KindBrokerUnavailable:
		return http.StatusServiceUnavailable
	case errspkg.KindDedupRejected:
		return http.StatusConflict
	case errspkg.KindDownstream:
		return http.StatusBadGateway
	case errspkg.KindMalformedEnvelope:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type gatewayErrorBody struct {
	Error struct {
		Kind    string `json:"kind,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeGatewayError(w http.ResponseWriter, status int, kind, message string) {
	var body gatewayErrorBody
	body.Error.Kind = kind
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoded, err := jsoncodec.Marshal(body)
	if err != nil {
		return
	}
	w.Write(encoded)
}
