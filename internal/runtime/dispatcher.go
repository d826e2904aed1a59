package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	deduppkg "github.com/fleetops/fleetbus/internal/runtime/dedup"
	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	idspkg "github.com/fleetops/fleetbus/internal/runtime/ids"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
	tracingpkg "github.com/fleetops/fleetbus/internal/runtime/tracing"
)

// CollisionPolicy decides what happens when a call identical to one already
// in flight is dispatched.
type CollisionPolicy int

const (
	// CollisionAttach joins the duplicate to the in-flight call and hands
	// both callers the same outcome. This is the default.
	CollisionAttach CollisionPolicy = iota
	// CollisionReject fails the duplicate fast with a dedup-rejected error.
	CollisionReject
)

// DispatcherOptions tunes a Dispatcher beyond the service configuration.
type DispatcherOptions struct {
	CollisionPolicy CollisionPolicy
}

// Dispatcher is the gateway-side entry point for remote calls. One dispatch
// runs the full pipeline: deduplication, circuit check, envelope publish,
// correlated await, and outcome reporting back into the breaker, tracer,
// and dedup cache.
type Dispatcher struct {
	svc    *Service
	policy CollisionPolicy
}

// NewDispatcher builds a dispatcher on top of the service and registers the
// response listener on the shared reply topic. Call it before Start so the
// router picks the listener up.
func NewDispatcher(svc *Service, opts DispatcherOptions) (*Dispatcher, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}

	d := &Dispatcher{
		svc:    svc,
		policy: opts.CollisionPolicy,
	}

	if err := d.registerResponseListener(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch sends one RPC to the named downstream service and blocks until
// its response envelope arrives, the timeout passes, or the call is
// answered locally by the deduplicator or an open circuit. A non-positive
// timeout takes the configured default. The returned bytes are the
// response envelope's data payload.
func (d *Dispatcher) Dispatch(ctx context.Context, service string, method envelope.Method, endpoint string, payload any, callerCtx metadatapkg.Metadata, timeout time.Duration) (json.RawMessage, error) {
	if service == "" {
		return nil, errspkg.ErrServiceNameRequired
	}
	if !method.Valid() {
		return nil, fmt.Errorf("fleetbus: invalid method %q", method)
	}
	if endpoint == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if timeout <= 0 {
		timeout = d.svc.Conf.DefaultCallTimeout
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := jsoncodec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		raw = encoded
	}

	fp := deduppkg.Compute(service, string(method), endpoint, raw, callerCtx.CallerID())

	if d.policy == CollisionReject {
		if _, disp := d.svc.dedup.Lookup(fp); disp == deduppkg.DispositionInFlight {
			d.svc.rpcMetrics.ObserveDedupHit(service, "rejected")
			return nil, errspkg.NewDedupRejected(service)
		}
	}

	outcome, shared := d.svc.dedup.Do(fp, func() (deduppkg.Outcome, bool) {
		return d.roundTrip(ctx, service, method, endpoint, raw, callerCtx, timeout)
	})
	if shared {
		d.svc.rpcMetrics.ObserveDedupHit(service, "attached")
	}
	return outcome.Data, outcome.Err
}

// roundTrip performs the broker half of a dispatch. The second return value
// reports whether the outcome may be cached for the dedup TTL: resolved
// calls may, but a timeout may not, since the downstream effect is unknown,
// and a short-circuit or broker failure reflects infrastructure state that
// the breaker cooldown already governs.
func (d *Dispatcher) roundTrip(ctx context.Context, service string, method envelope.Method, endpoint string, raw json.RawMessage, callerCtx metadatapkg.Metadata, timeout time.Duration) (deduppkg.Outcome, bool) {
	start := time.Now()
	untrack := d.svc.rpcMetrics.TrackInFlight()
	defer untrack()

	report, err := d.svc.breakers.Allow(service)
	if err != nil {
		// The call never reaches the broker, so mint its ID here and hand
		// it back on the error; it is the only key the caller has into the
		// short-circuited trace.
		callID := idspkg.NewCallID()
		d.svc.tracer.Record(callID, service, tracingpkg.OutcomeShortCircuited)
		var rpcErr *errspkg.RPCError
		if errors.As(err, &rpcErr) {
			rpcErr.CallID = callID
		}
		d.svc.rpcMetrics.ObserveRequest(service, "circuit_open", time.Since(start))
		d.svc.Logger.Info("Call short-circuited", loggingpkg.LogFields{
			"service": service,
			"method":  string(method),
			"call_id": callID,
		})
		return deduppkg.Outcome{Err: err}, false
	}

	req := &envelope.Request{
		CallID:        idspkg.NewCallID(),
		Method:        method,
		Endpoint:      endpoint,
		Payload:       raw,
		CallerContext: callerCtx.Clone(),
		CreatedAt:     time.Now().UTC(),
	}

	deadline := time.Now().Add(timeout)
	call, err := d.svc.pending.Register(req.CallID, deadline)
	if err != nil {
		report(true)
		return deduppkg.Outcome{Err: err}, false
	}

	msg, err := req.ToMessage()
	if err != nil {
		d.svc.pending.Release(req.CallID)
		report(true)
		return deduppkg.Outcome{Err: err}, false
	}

	ctx, span := d.svc.tracer.StartSpan(ctx, req.CallID, service)
	msg.SetContext(ctx)

	topic := d.svc.Conf.RequestTopicFor(service)
	if err := d.svc.publisher.Publish(topic, msg); err != nil {
		d.svc.pending.Release(req.CallID)
		report(false)
		d.svc.tracer.EndSpan(span, tracingpkg.OutcomeFailed)
		d.svc.rpcMetrics.ObserveRequest(service, "broker_unavailable", time.Since(start))
		return deduppkg.Outcome{Err: errspkg.NewBrokerUnavailable(service, err).WithCallID(req.CallID)}, false
	}

	awaitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resp, err := call.Await(awaitCtx)
	if err != nil {
		// A late response for this call ID, if it ever arrives, no longer
		// has a waiter; the listener logs and discards it.
		d.svc.pending.Release(req.CallID)
		report(false)
		d.svc.tracer.EndSpan(span, tracingpkg.OutcomeTimedOut)

		if errors.Is(err, context.DeadlineExceeded) {
			d.svc.rpcMetrics.ObserveRequest(service, "timeout", time.Since(start))
			d.svc.Logger.Error("Call timed out", err, loggingpkg.LogFields{
				"service": service,
				"call_id": req.CallID,
				"timeout": timeout.String(),
			})
			return deduppkg.Outcome{Err: errspkg.NewTimeout(service, err).WithCallID(req.CallID)}, false
		}
		d.svc.rpcMetrics.ObserveRequest(service, "canceled", time.Since(start))
		return deduppkg.Outcome{Err: err}, false
	}

	if rpcErr := resp.RPCError(service); rpcErr != nil {
		report(false)
		d.svc.tracer.EndSpan(span, tracingpkg.OutcomeFailed)
		d.svc.rpcMetrics.ObserveRequest(service, string(errspkg.KindOf(rpcErr)), time.Since(start))
		return deduppkg.Outcome{Err: rpcErr}, true
	}

	report(true)
	d.svc.tracer.EndSpan(span, tracingpkg.OutcomeCompleted)
	d.svc.rpcMetrics.ObserveRequest(service, "success", time.Since(start))
	return deduppkg.Outcome{Data: resp.Data}, true
}
