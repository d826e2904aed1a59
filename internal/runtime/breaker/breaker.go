// Package breaker gates outbound calls per downstream service. One state
// machine per service name: closed until N consecutive failures, open for a
// cool-down, then half-open admitting a single probe.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
)

// Settings tunes every breaker the manager creates. Zero values fall back
// to 5 consecutive failures and a 30 second cool-down.
type Settings struct {
	FailureThreshold uint32
	Cooldown         time.Duration

	// OnStateChange is invoked on every transition, e.g. to move a
	// circuit-state gauge. Optional.
	OnStateChange func(service string, from, to gobreaker.State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Manager lazily creates and owns one breaker per downstream service name.
// There is a single authoritative state object per service: every dispatch
// sees transitions immediately.
type Manager struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func NewManager(settings Settings) *Manager {
	return &Manager{
		settings: settings.withDefaults(),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (m *Manager) breakerFor(service string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: service,
		// Exactly one probe is admitted while half-open; everyone else
		// is rejected with the same unavailable error as open.
		MaxRequests: 1,
		Timeout:     m.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.settings.OnStateChange != nil {
				m.settings.OnStateChange(name, from, to)
			}
		},
	})
	m.breakers[service] = cb
	return cb
}

// Allow asks whether a call to service may proceed. On success it returns
// a report callback the dispatcher must invoke with the call's outcome.
// When the circuit is open (or a probe is already in flight during
// half-open) it returns a typed CircuitOpen error and no callback.
func (m *Manager) Allow(service string) (func(success bool), error) {
	if service == "" {
		return nil, errspkg.ErrServiceNameRequired
	}

	done, err := m.breakerFor(service).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errspkg.NewCircuitOpen(service, err)
		}
		return nil, err
	}
	return done, nil
}

// State reports the current state for service. Services that were never
// called are closed.
func (m *Manager) State(service string) gobreaker.State {
	return m.breakerFor(service).State()
}

// Snapshot returns the state of every breaker created so far, keyed by
// service name.
func (m *Manager) Snapshot() map[string]gobreaker.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]gobreaker.State, len(m.breakers))
	for name, cb := range m.breakers {
		states[name] = cb.State()
	}
	return states
}
