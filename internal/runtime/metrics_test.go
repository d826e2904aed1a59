package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
)

func TestRPCMetricsNilSafe(t *testing.T) {
	var m *RPCMetrics

	m.ObserveRequest("gps", "success", time.Millisecond)
	m.ObserveDedupHit("gps", "completed")
	m.SetCircuitState("gps", gobreaker.StateOpen)
	m.TrackInFlight()()
}

func TestRPCMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newRPCMetrics(reg, true)

	m.ObserveRequest("gps", "success", 10*time.Millisecond)
	m.ObserveDedupHit("gps", "in_flight")
	m.SetCircuitState("gps", gobreaker.StateClosed)

	done := m.TrackInFlight()
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %f", got)
	}
	done()
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Fatalf("expected 0 in flight after done, got %f", got)
	}

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("gps", "success")); got != 1 {
		t.Fatalf("request counter: %f", got)
	}
	if got := testutil.ToFloat64(m.dedupHitsTotal.WithLabelValues("gps", "in_flight")); got != 1 {
		t.Fatalf("dedup counter: %f", got)
	}
}

func TestRPCMetricsCircuitStateValues(t *testing.T) {
	m := newRPCMetrics(prometheus.NewRegistry(), false)

	cases := map[gobreaker.State]float64{
		gobreaker.StateClosed:   0,
		gobreaker.StateHalfOpen: 1,
		gobreaker.StateOpen:     2,
	}
	for state, want := range cases {
		m.SetCircuitState("gps", state)
		if got := testutil.ToFloat64(m.circuitState.WithLabelValues("gps")); got != want {
			t.Fatalf("state %v: expected %f, got %f", state, want, got)
		}
	}
}

func TestRPCMetricsDoubleConstructionDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	newRPCMetrics(reg, true)
	newRPCMetrics(reg, true)
}
