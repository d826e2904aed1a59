// Package tracing keeps a per-call timeline of spans. Every span carries
// the call ID it belongs to, so the spans of one logical call can be
// stitched together regardless of which process appended them. Spans are
// mirrored to OpenTelemetry so external collectors see the same timeline.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Outcome tags how a span ended.
type Outcome string

const (
	// OutcomePending marks a span that has started but not ended.
	OutcomePending Outcome = "pending"
	// OutcomeCompleted marks a span whose call resolved successfully.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed marks a span whose call resolved with a downstream error.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut marks a span whose call hit its deadline with no response.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeShortCircuited marks a span for a call rejected by an open circuit.
	OutcomeShortCircuited Outcome = "short_circuited"
)

// Span is one timed, outcome-tagged record in a call's trace. EndedAt is
// zero while the span is open.
type Span struct {
	CallID      string
	ServiceName string
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
}

// SpanHandle refers to an open span. Ending it twice is a no-op.
type SpanHandle struct {
	tracer *Tracer
	span   *Span
	otel   oteltrace.Span
}

// Tracer stores spans keyed by call ID with bounded retention: once the
// number of retained call IDs exceeds the capacity, the oldest trace is
// evicted whole. It never errors on unknown call IDs and never blocks
// callers beyond a mutex acquisition.
type Tracer struct {
	capacity int

	mu     sync.Mutex
	traces map[string][]*Span
	order  []string
}

const defaultCapacity = 4096

func New(capacity int) *Tracer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Tracer{
		capacity: capacity,
		traces:   make(map[string][]*Span),
	}
}

// StartSpan opens a span for the call and returns a context carrying the
// matching OpenTelemetry span.
func (t *Tracer) StartSpan(ctx context.Context, callID, serviceName string) (context.Context, SpanHandle) {
	sp := &Span{
		CallID:      callID,
		ServiceName: serviceName,
		StartedAt:   time.Now(),
		Outcome:     OutcomePending,
	}
	t.append(callID, sp)

	ctx, otelSpan := otel.Tracer("fleetbus-tracer").Start(ctx, "rpc.call")
	otelSpan.SetAttributes(
		attribute.String("rpc.call_id", callID),
		attribute.String("rpc.service", serviceName),
	)

	return ctx, SpanHandle{tracer: t, span: sp, otel: otelSpan}
}

// EndSpan closes the span with the given outcome. Calling it on an
// already-ended span or a zero handle does nothing.
func (t *Tracer) EndSpan(h SpanHandle, outcome Outcome) {
	if h.span == nil {
		return
	}

	t.mu.Lock()
	if h.span.Outcome == OutcomePending {
		h.span.EndedAt = time.Now()
		h.span.Outcome = outcome
	}
	t.mu.Unlock()

	if h.otel != nil {
		h.otel.SetAttributes(attribute.String("rpc.outcome", string(outcome)))
		if outcome != OutcomeCompleted {
			h.otel.SetStatus(codes.Error, string(outcome))
		}
		h.otel.End()
	}
}

// Record appends an already-closed span in one step. Used for calls that
// never reach the broker, like a short-circuited dispatch.
func (t *Tracer) Record(callID, serviceName string, outcome Outcome) {
	now := time.Now()
	t.append(callID, &Span{
		CallID:      callID,
		ServiceName: serviceName,
		StartedAt:   now,
		EndedAt:     now,
		Outcome:     outcome,
	})
}

// Trace returns the ordered spans recorded for the call. Unknown call IDs
// yield an empty slice.
func (t *Tracer) Trace(callID string) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	recorded := t.traces[callID]
	out := make([]Span, len(recorded))
	for i, sp := range recorded {
		out[i] = *sp
	}
	return out
}

// Len reports the number of retained call IDs.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

func (t *Tracer) append(callID string, sp *Span) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, known := t.traces[callID]; !known {
		t.order = append(t.order, callID)
		for len(t.order) > t.capacity {
			evicted := t.order[0]
			t.order = t.order[1:]
			delete(t.traces, evicted)
		}
	}
	t.traces[callID] = append(t.traces[callID], sp)
}
