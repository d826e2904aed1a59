package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

func newTestGateway(t *testing.T, pub *capturingPublisher, timeout time.Duration) (*Gateway, *Service) {
	t.Helper()
	svc := newTestService(t, nil, pub)
	d, err := NewDispatcher(svc, DispatcherOptions{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	gw, err := NewGateway(d, nil, timeout)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw, svc
}

func decodeGatewayError(t *testing.T, rec *httptest.ResponseRecorder) gatewayErrorBody {
	t.Helper()
	var body gatewayErrorBody
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestNewGatewayRequiresDispatcher(t *testing.T) {
	if _, err := NewGateway(nil, nil, 0); err == nil {
		t.Fatal("expected an error for a nil dispatcher")
	}
}

func TestPathPrefixResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/gps/vehicles/7?active=true", nil)
	service, endpoint, err := PathPrefixResolver(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if service != "gps" {
		t.Fatalf("expected service gps, got %q", service)
	}
	if endpoint != "/vehicles/7?active=true" {
		t.Fatalf("expected query kept in endpoint, got %q", endpoint)
	}

	r = httptest.NewRequest(http.MethodGet, "/gps", nil)
	if _, endpoint, err = PathPrefixResolver(r); err != nil || endpoint != "/" {
		t.Fatalf("bare service path: endpoint %q, err %v", endpoint, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	if _, _, err = PathPrefixResolver(r); err == nil {
		t.Fatal("expected an error when the path names no service")
	}
}

func TestGatewaySuccess(t *testing.T) {
	pub := newCapturingPublisher()
	gw, svc := newTestGateway(t, pub, time.Second)
	successResponder(t, svc, pub, map[string]string{"vehicle": "truck-7"})

	req := httptest.NewRequest(http.MethodPost, "/gps/vehicles", strings.NewReader(`{"plate":"AB-12"}`))
	req.Header.Set("X-Caller-ID", "tablet-4")
	req.Header.Set("X-Correlation-ID", "corr-9")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := rec.Body.String(); got != `{"vehicle":"truck-7"}` {
		t.Fatalf("unexpected body %s", got)
	}

	msgs := pub.messages(svc.Conf.RequestTopicFor("gps"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 request envelope, got %d", len(msgs))
	}
	sent, err := envelope.RequestFromMessage(msgs[0])
	if err != nil {
		t.Fatalf("RequestFromMessage: %v", err)
	}
	if sent.Method != envelope.MethodPost || sent.Endpoint != "/vehicles" {
		t.Fatalf("unexpected envelope %+v", sent)
	}
	if string(sent.Payload) != `{"plate":"AB-12"}` {
		t.Fatalf("body not forwarded as payload: %s", sent.Payload)
	}
	if sent.CallerContext[metadatapkg.KeyCallerID] != "tablet-4" {
		t.Fatalf("caller header not forwarded: %+v", sent.CallerContext)
	}
	if sent.CallerContext["correlation_id"] != "corr-9" {
		t.Fatalf("correlation header not forwarded: %+v", sent.CallerContext)
	}
}

func TestGatewayEmptyResponseBody(t *testing.T) {
	pub := newCapturingPublisher()
	gw, svc := newTestGateway(t, pub, time.Second)
	respondWith(svc, pub, func(req *envelope.Request) *envelope.Response {
		resp, err := envelope.NewSuccessResponse(req.CallID, nil)
		if err != nil {
			t.Fatalf("NewSuccessResponse: %v", err)
		}
		return resp
	})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/gps/vehicles/7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "null" {
		t.Fatalf("empty response data should render as null, got %s", got)
	}
}

func TestGatewayUnsupportedMethod(t *testing.T) {
	pub := newCapturingPublisher()
	gw, _ := newTestGateway(t, pub, time.Second)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/gps/vehicles", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if pub.count("gps.requests") != 0 {
		t.Fatal("rejected request must not be dispatched")
	}
}

func TestGatewayUnresolvableRoute(t *testing.T) {
	pub := newCapturingPublisher()
	gw, _ := newTestGateway(t, pub, time.Second)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGatewayInvalidJSONBody(t *testing.T) {
	pub := newCapturingPublisher()
	gw, _ := newTestGateway(t, pub, time.Second)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gps/vehicles", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeGatewayError(t, rec)
	if body.Error.Kind != string(errspkg.KindMalformedEnvelope) {
		t.Fatalf("unexpected kind %q", body.Error.Kind)
	}
}

func TestGatewayStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		kind       errspkg.Kind
		wantStatus int
	}{
		{"downstream", errspkg.KindDownstream, http.StatusBadGateway},
		{"malformed", errspkg.KindMalformedEnvelope, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := newCapturingPublisher()
			gw, svc := newTestGateway(t, pub, time.Second)
			kind := tc.kind
			respondWith(svc, pub, func(req *envelope.Request) *envelope.Response {
				return envelope.NewErrorResponse(req.CallID, kind, "vehicle store rejected the call")
			})

			rec := httptest.NewRecorder()
			gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gps/vehicles/"+tc.name, nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body)
			}
			body := decodeGatewayError(t, rec)
			if body.Error.Kind != string(tc.kind) {
				t.Fatalf("expected kind %q in body, got %q", tc.kind, body.Error.Kind)
			}
			if body.Error.Message == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestGatewayTimeoutMapsTo504(t *testing.T) {
	pub := newCapturingPublisher()
	gw, _ := newTestGateway(t, pub, 30*time.Millisecond)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gps/vehicles/7", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 when nothing responds, got %d", rec.Code)
	}
	body := decodeGatewayError(t, rec)
	if body.Error.Kind != string(errspkg.KindTimeout) {
		t.Fatalf("unexpected kind %q", body.Error.Kind)
	}
}

func TestGatewayBrokerFailureMapsTo503(t *testing.T) {
	pub := newCapturingPublisher()
	pub.onPublish = func(string, *message.Message) error {
		return errors.New("broker connection refused")
	}
	gw, _ := newTestGateway(t, pub, time.Second)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gps/vehicles/7", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when publishing fails, got %d", rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[errspkg.Kind]int{
		errspkg.KindTimeout:           http.StatusGatewayTimeout,
		errspkg.KindCircuitOpen:       http.StatusServiceUnavailable,
		errspkg.KindBrokerUnavailable: http.StatusServiceUnavailable,
		errspkg.KindDedupRejected:     http.StatusConflict,
		errspkg.KindDownstream:        http.StatusBadGateway,
		errspkg.KindMalformedEnvelope: http.StatusBadRequest,
		errspkg.Kind("unknown"):       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}
