package llm

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing recovery
)

// String returns a human-readable label for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = 10 * time.Minute
	defaultCooldown         = 10 * time.Minute
)

// CircuitBreaker tracks failures over a rolling time window rather than
// consecutively: the circuit opens when the threshold is reached within
// the window, so a slow trickle of stale failures cannot trip it. After
// the cooldown the circuit transitions to half-open and allows one probe;
// a success closes it, a failure re-opens it for another full cooldown.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         []time.Time // timestamps within the window
	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration
	openedAt         time.Time

	now func() time.Time // test seam
}

// NewCircuitBreaker creates a breaker with the given trip threshold,
// rolling window, and cooldown. Zero values take defaults.
func NewCircuitBreaker(failureThreshold int, failureWindow, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if failureWindow <= 0 {
		failureWindow = defaultFailureWindow
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow checks whether a request should be allowed through.
// Returns true if the circuit is closed or half-open (probe allowed).
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			return true // one probe
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

// RecordSuccess records a successful call. Any success clears the failure
// window and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure records a failed call. The caller is responsible for
// only reporting breaker-relevant failures (infrastructure kinds, not
// client mistakes).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.state == CircuitHalfOpen {
		// Probe failed: back to open for another full cooldown.
		cb.state = CircuitOpen
		cb.openedAt = now
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	if cb.state == CircuitClosed && len(cb.failures) >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = now
	}
}

// State returns the current circuit state, accounting for an elapsed
// cooldown (an open circuit past its cooldown reports half-open).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// pruneLocked drops failures older than the window. Caller holds mu.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.failureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// BreakerRegistry keys breakers by (provider credential, model) so one
// misbehaving model does not shadow its siblings on the same account.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	threshold int
	window    time.Duration
	cooldown  time.Duration
}

// NewBreakerRegistry creates a registry whose breakers share the given
// parameters.
func NewBreakerRegistry(threshold int, window, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// For returns the breaker for a key, creating it on first use.
func (r *BreakerRegistry) For(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.threshold, r.window, r.cooldown)
		r.breakers[key] = cb
	}
	return cb
}
