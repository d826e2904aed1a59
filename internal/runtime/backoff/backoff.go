// Package backoff provides the retry delay policy shared by the event bus
// and any other retry loop in the process. One policy object, no magic
// sleep constants scattered through handlers.
package backoff

import (
	"time"

	expbackoff "github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded exponential backoff schedule. The zero value
// is unusable; call WithDefaults or construct via New.
type Policy struct {
	// MaxAttempts is the total number of tries including the first one.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxInterval caps the per-attempt delay.
	MaxInterval time.Duration
}

// WithDefaults fills zero values with a conservative 3-attempt schedule.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

// Sequence returns a fresh stateful backoff sequence configured from the
// policy. Randomization is off: retry delays must be reproducible so the
// per-attempt schedule can be asserted and reasoned about. The caller owns
// the returned value; it is not safe for concurrent use.
func (p Policy) Sequence() *expbackoff.ExponentialBackOff {
	p = p.WithDefaults()
	b := &expbackoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	return b
}

// Delay returns the wait before the given retry attempt (1-based: attempt 1
// is the first retry). Attempts past MaxAttempts return a negative duration
// meaning "stop retrying".
func (p Policy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 || attempt >= p.MaxAttempts {
		return -1
	}

	seq := p.Sequence()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = seq.NextBackOff()
	}
	return d
}

// Exhausted reports whether the given retry count has used up the budget.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.WithDefaults().MaxAttempts
}
