package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// RPCMetrics collects the gateway-side dispatch metrics: request counts by
// outcome, latencies, in-flight calls, dedup hits, and circuit state.
type RPCMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	dedupHitsTotal  *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

func newRPCMetrics(registerer prometheus.Registerer, register bool) *RPCMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &RPCMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total dispatched RPC calls by downstream service and outcome.",
			},
			[]string{"service", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Wall time of dispatched RPC calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "in_flight",
				Help:      "Calls currently awaiting a response envelope.",
			},
		),
		dedupHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "dedup_hits_total",
				Help:      "Calls answered without a broker round trip, by hit type.",
			},
			[]string{"service", "hit"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "circuit_state",
				Help:      "Circuit breaker state per downstream service (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service"},
		),
	}

	if register {
		for _, c := range []prometheus.Collector{
			m.requestsTotal,
			m.requestDuration,
			m.inFlight,
			m.dedupHitsTotal,
			m.circuitState,
		} {
			if err := registerer.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return m
}

// ObserveRequest records one finished dispatch.
func (m *RPCMetrics) ObserveRequest(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, outcome).Inc()
	m.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// TrackInFlight bumps the in-flight gauge and returns the matching decrement.
func (m *RPCMetrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveDedupHit records a call answered from the deduplicator.
func (m *RPCMetrics) ObserveDedupHit(service, hit string) {
	if m == nil {
		return
	}
	m.dedupHitsTotal.WithLabelValues(service, hit).Inc()
}

// SetCircuitState mirrors a breaker state transition into the gauge.
func (m *RPCMetrics) SetCircuitState(service string, state gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(service).Set(v)
}
