// Package pending is the correlation registry: it links an in-flight call
// ID to the goroutine waiting for its response envelope. Pure in-memory
// state, no I/O. Call ID uniqueness is the sole correctness requirement;
// the registry must never resolve the wrong waiter.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
)

// Call is a single-resolution waiter for one dispatched request. It is
// created by Register, resolved at most once, and released by the
// dispatcher when it stops caring (response, timeout, or shutdown).
type Call struct {
	ID       string
	Deadline time.Time

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	response *envelope.Response
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Response returns the resolved envelope, or nil if the call is still
// pending.
func (c *Call) Response() *envelope.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Await blocks until the call resolves or the context ends. The context
// carries the per-call deadline, so expiry surfaces as ctx.Err().
func (c *Call) Await(ctx context.Context) (*envelope.Response, error) {
	select {
	case <-c.done:
		return c.Response(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) resolve(resp *envelope.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.response = resp
	close(c.done)
	return true
}

// Registry owns every pending call in the process. All mutation goes
// through it so cleanup stays centralised and testable.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Register creates a waiter for callID. A duplicate registration is a
// programmer error (call IDs are freshly generated per dispatch) and is
// rejected rather than silently replacing an existing waiter.
func (r *Registry) Register(callID string, deadline time.Time) (*Call, error) {
	if callID == "" {
		return nil, fmt.Errorf("pending: call ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[callID]; exists {
		return nil, fmt.Errorf("pending: call %s is already registered", callID)
	}

	call := &Call{
		ID:       callID,
		Deadline: deadline,
		done:     make(chan struct{}),
	}
	r.calls[callID] = call
	return call, nil
}

// Resolve hands a response envelope to the matching waiter. It returns
// false when no waiter exists (late or unknown response: the caller gave
// up already) or when the call was resolved before (broker redelivery).
// Either way the response is simply discarded by the caller.
func (r *Registry) Resolve(callID string, resp *envelope.Response) bool {
	r.mu.Lock()
	call, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return call.resolve(resp)
}

// Release drops the waiter for callID without resolving it. Used on
// timeout: any response that arrives later finds no waiter and is
// discarded.
func (r *Registry) Release(callID string) {
	r.mu.Lock()
	delete(r.calls, callID)
	r.mu.Unlock()
}

// Len reports the number of calls currently awaiting a response.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// SweepExpired removes calls whose deadline passed without resolution and
// returns how many were dropped. Dispatchers normally release their own
// calls on timeout; the sweep only catches waiters orphaned by a crashed
// caller. Each pass is idempotent and safe to interrupt.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, call := range r.calls {
		if !call.Deadline.IsZero() && call.Deadline.Before(now) {
			delete(r.calls, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired calls on the given interval until the context ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepExpired(now)
		}
	}
}
