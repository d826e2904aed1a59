package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCallID returns a time-sortable ULID encoded as a 26-character string.
// Call IDs only need to be unique, never sequential: correlation of a
// response envelope to its waiter relies on nothing else.
func NewCallID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Valid reports whether s parses as a ULID. Consumers use this to reject
// envelopes whose correlation key was mangled in transit.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
