package errors

import (
	sterrors "errors"
	"fmt"
	"testing"
)

func TestRPCErrorString(t *testing.T) {
	err := NewTimeout("gps", nil)
	want := "fleetbus: timeout (gps): no response before deadline"
	if got := err.Error(); got != want {
		t.Fatalf("unexpected error string: %s", got)
	}

	err2 := NewMalformedEnvelope(sterrors.New("bad json"))
	if got := err2.Error(); got != "fleetbus: malformed_envelope: bad json" {
		t.Fatalf("unexpected error string: %s", got)
	}
}

func TestRPCErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewCircuitOpen("maintenance", nil))

	if !sterrors.Is(err, &RPCError{Kind: KindCircuitOpen}) {
		t.Fatal("expected kind match through wrapping")
	}
	if sterrors.Is(err, &RPCError{Kind: KindTimeout}) {
		t.Fatal("unexpected match with different kind")
	}
}

func TestRPCErrorUnwrap(t *testing.T) {
	cause := sterrors.New("conn refused")
	err := NewBrokerUnavailable("trips", cause)
	if !sterrors.Is(err, cause) {
		t.Fatal("expected unwrap to reach the cause")
	}
	if err.Message != "conn refused" {
		t.Fatalf("expected cause message, got %s", err.Message)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewDownstream("management", "driver not found")); got != KindDownstream {
		t.Fatalf("unexpected kind: %s", got)
	}
	if got := KindOf(sterrors.New("plain")); got != "" {
		t.Fatalf("expected empty kind for plain error, got %s", got)
	}
	if got := KindOf(fmt.Errorf("wrap: %w", NewDedupRejected("gps"))); got != KindDedupRejected {
		t.Fatalf("unexpected kind through wrapping: %s", got)
	}
}
