package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of the model-backend breaker.
//
//	cbClosed   — normal operation; calls pass through.
//	cbOpen     — the backend is failing; calls are rejected immediately.
//	cbHalfOpen — recovery probe; one call is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultFailMax      = 5
	defaultResetTimeout = 30 * time.Second
)

// CircuitBreaker guards the model-backend call. One instance is shared by
// every concurrent worker invocation on a replica; it trips after FailMax
// consecutive failures and allows a single probe after ResetTimeout.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	state         cbState
	failures      int       // consecutive failures since the last success
	openedAt      time.Time // when the breaker was tripped
	probeInflight bool      // true while a half-open probe is in flight

	failMax      int
	resetTimeout time.Duration

	// onStateChange is invoked (under the lock) on every transition.
	// Nil-safe; used to export the state gauge.
	onStateChange func(cbState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive parameters fall
// back to the defaults (5 failures, 30s reset).
func NewCircuitBreaker(failMax int, resetTimeout time.Duration) *CircuitBreaker {
	if failMax < 1 {
		failMax = defaultFailMax
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		state:        cbClosed,
		failMax:      failMax,
		resetTimeout: resetTimeout,
	}
}

// SetStateChangeCallback installs a transition hook (call before use).
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(state int64)) {
	cb.onStateChange = func(s cbState) { fn(int64(s)) }
}

// Allow reports whether the next backend call may proceed.
//
//   - Closed   → always true.
//   - Open     → false, unless the reset timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.setState(cbHalfOpen)
			cb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if cb.probeInflight {
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed and zeroes the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(cbClosed)
	cb.failures = 0
	cb.probeInflight = false
}

// RecordFailure counts one consecutive failure. Reaching FailMax — or any
// failure while half-open — opens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	wasProbe := cb.state == cbHalfOpen
	cb.probeInflight = false

	if wasProbe || cb.failures >= cb.failMax {
		cb.setState(cbOpen)
		cb.openedAt = time.Now()
	}
}

// State returns the current breaker state (useful for metrics export).
func (cb *CircuitBreaker) State() cbState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel() string {
	switch cb.State() {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// setState transitions the state and fires the hook. Caller holds the lock.
func (cb *CircuitBreaker) setState(s cbState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}
