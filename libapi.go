package fleetbus

import (
	"context"

	runtimepkg "github.com/fleetops/fleetbus/internal/runtime"
	configpkg "github.com/fleetops/fleetbus/internal/runtime/config"
	envelopepkg "github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
	idspkg "github.com/fleetops/fleetbus/internal/runtime/ids"
	jsoncodec "github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
	tracingpkg "github.com/fleetops/fleetbus/internal/runtime/tracing"
	transportpkg "github.com/fleetops/fleetbus/internal/runtime/transport"
	newtransport "github.com/fleetops/fleetbus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Gateway-side dispatch
	Dispatcher        = runtimepkg.Dispatcher
	DispatcherOptions = runtimepkg.DispatcherOptions
	CollisionPolicy   = runtimepkg.CollisionPolicy
	Gateway           = runtimepkg.Gateway
	RouteResolver     = runtimepkg.RouteResolver

	// Service-side consumers
	RequestConsumerRegistration = runtimepkg.RequestConsumerRegistration
	MessageHandlerRegistration  = runtimepkg.MessageHandlerRegistration
	Router                      = handlerpkg.Router
	Route                       = handlerpkg.Route
	Request                     = handlerpkg.Request
	Handler                     = handlerpkg.Handler

	// Events
	EventBus     = runtimepkg.EventBus
	Event        = runtimepkg.Event
	EventHandler = runtimepkg.EventHandler

	// Wire format
	Envelope         = envelopepkg.Request
	ResponseEnvelope = envelopepkg.Response
	Method           = envelopepkg.Method

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RPCError                  = errspkg.RPCError
	ErrorKind                 = errspkg.Kind
	UnprocessableMessageError = runtimepkg.UnprocessableMessageError

	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats

	// Call tracing
	Span        = tracingpkg.Span
	SpanOutcome = tracingpkg.Outcome

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewDispatcher      = runtimepkg.NewDispatcher
	NewGateway         = runtimepkg.NewGateway
	PathPrefixResolver = runtimepkg.PathPrefixResolver

	RegisterRequestConsumer = runtimepkg.RegisterRequestConsumer
	RegisterMessageHandler  = runtimepkg.RegisterMessageHandler
	NewRouter               = handlerpkg.NewRouter

	NewEventBus     = runtimepkg.NewEventBus
	NewEventMessage = runtimepkg.NewEventMessage
	PublishJSON     = runtimepkg.PublishJSON

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	JobHooksMiddleware      = runtimepkg.JobHooksMiddleware

	NewDLQMetrics = runtimepkg.NewDLQMetrics

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrServiceNameRequired  = errspkg.ErrServiceNameRequired

	KindOf = errspkg.KindOf

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	NewCallID = idspkg.NewCallID

	// Modular transport registry. Import individual transports via
	// _ "github.com/fleetops/fleetbus/transport/kafka" or pull the full set
	// with github.com/fleetops/fleetbus/transport/transports.
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	TransportCapabilitiesFor = newtransport.GetCapabilities
)

// Envelope methods mirror the HTTP verbs a dispatched call may carry.
const (
	MethodGet    = envelopepkg.MethodGet
	MethodPost   = envelopepkg.MethodPost
	MethodPut    = envelopepkg.MethodPut
	MethodPatch  = envelopepkg.MethodPatch
	MethodDelete = envelopepkg.MethodDelete
)

// Collision policies for duplicate in-flight calls.
const (
	CollisionAttach = runtimepkg.CollisionAttach
	CollisionReject = runtimepkg.CollisionReject
)

// Failure kinds carried by dispatch errors and response envelopes.
const (
	KindTimeout           = errspkg.KindTimeout
	KindCircuitOpen       = errspkg.KindCircuitOpen
	KindDedupRejected     = errspkg.KindDedupRejected
	KindDownstream        = errspkg.KindDownstream
	KindBrokerUnavailable = errspkg.KindBrokerUnavailable
	KindMalformedEnvelope = errspkg.KindMalformedEnvelope
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyCallID        = handlerpkg.MetadataKeyCallID
	MetadataKeyRetryCount    = handlerpkg.MetadataKeyRetryCount
	MetadataKeyFailureReason = handlerpkg.MetadataKeyFailureReason
	MetadataKeyEnqueuedAt    = handlerpkg.MetadataKeyEnqueuedAt
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID
	MetadataKeyEventKey      = handlerpkg.MetadataKeyEventKey
	MetadataKeyDelayMS       = newtransport.MetadataKeyDelayMS
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryMalformed  = runtimepkg.ErrorCategoryMalformed
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// JSONHandler adapts a typed payload handler into a route Handler: the
// envelope payload is decoded into T before the handler runs.
func JSONHandler[T any](fn func(ctx context.Context, req Request, payload *T) (any, error)) Handler {
	return handlerpkg.JSON(fn)
}

// NoContentHandler adapts a handler that produces no response data.
func NoContentHandler(fn func(ctx context.Context, req Request) error) Handler {
	return handlerpkg.NoContent(fn)
}
