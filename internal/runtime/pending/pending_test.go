package pending

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
)

func TestResolveWakesTheRightWaiter(t *testing.T) {
	reg := NewRegistry()

	first, err := reg.Register("call-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := reg.Register("call-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := &envelope.Response{CallID: "call-2", Status: envelope.StatusSuccess}
	if !reg.Resolve("call-2", resp) {
		t.Fatal("resolve should succeed for a registered call")
	}

	select {
	case <-second.Done():
	case <-time.After(time.Second):
		t.Fatal("second waiter not woken")
	}
	if got := second.Response(); got == nil || got.CallID != "call-2" {
		t.Fatalf("unexpected response: %+v", got)
	}

	select {
	case <-first.Done():
		t.Fatal("first waiter must not be woken by another call's response")
	default:
	}
}

func TestConcurrentResolutionNeverCrossesWaiters(t *testing.T) {
	reg := NewRegistry()
	const calls = 200

	waiters := make([]*Call, calls)
	for i := 0; i < calls; i++ {
		c, err := reg.Register(fmt.Sprintf("call-%d", i), time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		waiters[i] = c
	}

	// Resolve out of order from multiple goroutines.
	var wg sync.WaitGroup
	for i := calls - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			reg.Resolve(id, &envelope.Response{CallID: id, Status: envelope.StatusSuccess})
		}(i)
	}
	wg.Wait()

	for i, c := range waiters {
		resp, err := c.Await(context.Background())
		if err != nil {
			t.Fatalf("await %d: %v", i, err)
		}
		if want := fmt.Sprintf("call-%d", i); resp.CallID != want {
			t.Fatalf("waiter %d received response for %s", i, resp.CallID)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", reg.Len())
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("dup", time.Time{}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := reg.Register("dup", time.Time{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, err := reg.Register("", time.Time{}); err == nil {
		t.Fatal("expected empty call ID to be rejected")
	}
}

func TestResolveUnknownOrLateReturnsFalse(t *testing.T) {
	reg := NewRegistry()

	if reg.Resolve("ghost", &envelope.Response{CallID: "ghost"}) {
		t.Fatal("resolving an unknown call must report false")
	}

	call, _ := reg.Register("late", time.Now().Add(time.Minute))
	reg.Release("late")
	if reg.Resolve("late", &envelope.Response{CallID: "late"}) {
		t.Fatal("resolving a released call must report false")
	}
	select {
	case <-call.Done():
		t.Fatal("released waiter must not be resolved")
	default:
	}
}

func TestRedeliveredResponseRejected(t *testing.T) {
	reg := NewRegistry()
	call, _ := reg.Register("redelivered", time.Now().Add(time.Minute))

	first := &envelope.Response{CallID: "redelivered", Status: envelope.StatusSuccess}
	if !reg.Resolve("redelivered", first) {
		t.Fatal("first resolution should succeed")
	}
	if reg.Resolve("redelivered", &envelope.Response{CallID: "redelivered", Status: envelope.StatusError}) {
		t.Fatal("second resolution must be rejected")
	}
	if call.Response() != first {
		t.Fatal("waiter must keep the first response")
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	reg := NewRegistry()
	call, _ := reg.Register("slow", time.Now().Add(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := call.Await(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	reg := NewRegistry()
	reg.Register("old", time.Now().Add(-time.Minute))
	reg.Register("fresh", time.Now().Add(time.Minute))
	reg.Register("immortal", time.Time{})

	if removed := reg.SweepExpired(time.Now()); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", reg.Len())
	}

	// A second pass over the same state is a no-op.
	if removed := reg.SweepExpired(time.Now()); removed != 0 {
		t.Fatalf("sweep is not idempotent, removed %d", removed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	reg.Register("expiring", time.Now().Add(10*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	if reg.Len() != 0 {
		t.Fatal("background sweep did not evict the expired call")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
