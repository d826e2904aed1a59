package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/sony/gobreaker"

	breakerpkg "github.com/fleetops/fleetbus/internal/runtime/breaker"
	configpkg "github.com/fleetops/fleetbus/internal/runtime/config"
	deduppkg "github.com/fleetops/fleetbus/internal/runtime/dedup"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	pendingpkg "github.com/fleetops/fleetbus/internal/runtime/pending"
	tracingpkg "github.com/fleetops/fleetbus/internal/runtime/tracing"
	transportpkg "github.com/fleetops/fleetbus/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// pendingSweepInterval is how often the correlation registry checks for
// calls past their deadline. Resolution of the timeout path itself comes
// from each call's context, not this ticker; the sweep only reclaims
// entries whose dispatchers are gone.
const pendingSweepInterval = time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil/zero to take the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
}

// Service wires a Watermill router, publisher, subscriber, and middleware
// chain together with the resilience primitives shared by the gateway
// dispatcher and the service-side consumers: the correlation registry,
// circuit breakers, deduplicator, and tracer. One Service instance backs
// one process, whether it plays the gateway role, a service block role,
// or both.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	pending  *pendingpkg.Registry
	breakers *breakerpkg.Manager
	dedup    *deduppkg.Deduplicator
	tracer   *tracingpkg.Tracer

	rpcMetrics *RPCMetrics
	dlqMetrics *DLQMetrics

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Register
// handlers and consumers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	if err := configpkg.ValidateConfig(conf); err != nil {
		panic(fmt.Sprintf("fleetbus: invalid config: %v", err))
	}
	normalized := conf.WithDefaults()
	conf = &normalized

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating bus service",
		loggingpkg.LogFields{
			"service":       conf.ServiceName,
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		pending:         pendingpkg.NewRegistry(),
		dedup:           deduppkg.New(conf.DedupTTL),
		tracer:          tracingpkg.New(conf.TraceCapacity),
		resourceTracker: newResourceTracker(),
	}

	s.rpcMetrics = newRPCMetrics(nil, conf.MetricsEnabled)
	s.dlqMetrics = NewDLQMetrics(nil)

	s.breakers = breakerpkg.NewManager(breakerpkg.Settings{
		FailureThreshold: conf.BreakerFailureThreshold,
		Cooldown:         conf.BreakerCooldown,
		OnStateChange:    s.onBreakerStateChange,
	})

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		panic(err)
	}

	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		panic(err)
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.registerConfiguredMiddlewares(deps)

	return s
}

// Start runs the router and the background sweeps until the provided
// context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()

	go s.pending.Run(ctx, pendingSweepInterval)
	go s.dedup.Run(ctx, s.Conf.DedupSweepInterval)

	return routerRun(s.router, ctx)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			panic(fmt.Sprintf("failed to register middleware %s: %v", name, err))
		}
	}
}

func (s *Service) onBreakerStateChange(service string, from, to gobreaker.State) {
	s.Logger.Info("Circuit state changed", loggingpkg.LogFields{
		"service": service,
		"from":    from.String(),
		"to":      to.String(),
	})
	s.rpcMetrics.SetCircuitState(service, to)
}

// Trace returns the recorded spans for a call ID, across every span this
// process appended. Unknown call IDs yield an empty slice.
func (s *Service) Trace(callID string) []tracingpkg.Span {
	return s.tracer.Trace(callID)
}

// CircuitStates reports the current breaker state per downstream service.
func (s *Service) CircuitStates() map[string]gobreaker.State {
	return s.breakers.Snapshot()
}

// Handlers returns a snapshot of the registered handlers and their stats.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// DLQMetricsCollector exposes the dead letter metrics for operator surfaces.
func (s *Service) DLQMetricsCollector() *DLQMetrics {
	return s.dlqMetrics
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler mounts an HTTP handler on the mux for the given port.
// Servers are started lazily by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
