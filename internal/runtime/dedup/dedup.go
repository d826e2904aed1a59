// Package dedup collapses retried duplicate calls. A fingerprint of the
// call's identity-relevant fields maps to its in-flight or recently
// completed outcome: concurrent identical calls share one broker round
// trip, and repeats within the TTL get the cached outcome without any
// publish.
package dedup

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies a logical call. It is deterministic across
// process restarts for identical inputs and includes caller identity so
// two callers issuing the same payload are never conflated.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return strconv.FormatUint(uint64(f), 16)
}

// Compute hashes the identity-relevant fields of a call. Field boundaries
// are delimited so ("ab","c") and ("a","bc") cannot collide.
func Compute(service, method, endpoint string, payload []byte, callerID string) Fingerprint {
	h := xxhash.New()
	for _, field := range []string{service, method, endpoint} {
		h.WriteString(field)
		h.Write([]byte{0})
	}
	h.Write(payload)
	h.Write([]byte{0})
	h.WriteString(callerID)
	return Fingerprint(h.Sum64())
}

// Outcome is what a completed call left behind: the decoded response data
// or the typed failure, whichever occurred.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// Disposition describes what the deduplicator knows about a fingerprint.
type Disposition int

const (
	// DispositionNew means the fingerprint was never seen (or its entry
	// expired) and the call should proceed.
	DispositionNew Disposition = iota
	// DispositionInFlight means an identical call is currently executing.
	DispositionInFlight
	// DispositionCompleted means an identical call finished within the
	// TTL and its outcome is available.
	DispositionCompleted
)

type entryState int

const (
	stateInFlight entryState = iota
	stateCompleted
)

type entry struct {
	state     entryState
	firstSeen time.Time
	expiresAt time.Time
	outcome   Outcome
}

// Deduplicator owns the fingerprint table. Entries are created on first
// sight, completed with an outcome, and evicted by the background sweep
// once their TTL passes.
type Deduplicator struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[Fingerprint]*entry

	group singleflight.Group
}

func New(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduplicator{
		ttl:     ttl,
		entries: make(map[Fingerprint]*entry),
	}
}

// Lookup reports the disposition of a fingerprint without registering it.
func (d *Deduplicator) Lookup(fp Fingerprint) (Outcome, Disposition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[fp]
	if !ok {
		return Outcome{}, DispositionNew
	}
	switch {
	case e.state == stateInFlight:
		return Outcome{}, DispositionInFlight
	case time.Now().Before(e.expiresAt):
		return e.outcome, DispositionCompleted
	default:
		return Outcome{}, DispositionNew
	}
}

// Do executes fn for the fingerprint, collapsing concurrent identical
// calls into a single execution. fn reports the outcome and whether it
// should be cached for the TTL window (timeouts, for example, are not,
// since the downstream effect is unknown). The returned bool is true when
// the outcome came from another call, cached or collapsed.
func (d *Deduplicator) Do(fp Fingerprint, fn func() (Outcome, bool)) (Outcome, bool) {
	now := time.Now()

	d.mu.Lock()
	if e, ok := d.entries[fp]; ok && e.state == stateCompleted && now.Before(e.expiresAt) {
		out := e.outcome
		d.mu.Unlock()
		return out, true
	}
	d.entries[fp] = &entry{state: stateInFlight, firstSeen: now}
	d.mu.Unlock()

	v, _, shared := d.group.Do(fp.String(), func() (any, error) {
		out, cache := fn()

		d.mu.Lock()
		if cache {
			d.entries[fp] = &entry{
				state:     stateCompleted,
				firstSeen: now,
				expiresAt: time.Now().Add(d.ttl),
				outcome:   out,
			}
		} else {
			delete(d.entries, fp)
		}
		d.mu.Unlock()

		return out, nil
	})

	return v.(Outcome), shared
}

// Len reports the number of live entries, in flight or completed.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sweep evicts completed entries older than their TTL and returns how many
// were removed. In-flight entries are never swept; their call releases or
// completes them. Each pass is idempotent.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for fp, e := range d.entries {
		if e.state == stateCompleted && !now.Before(e.expiresAt) {
			delete(d.entries, fp)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries on the given interval until the context ends.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration) {
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
			d.Sweep(now)
		}
	}
}
