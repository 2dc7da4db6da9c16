package httpclient

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops fetches to an origin after consecutive failures and
// lets a single trial request through once the timeout has elapsed.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	threshold   int
	timeout     time.Duration
	openedAt    time.Time
	trialActive bool
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. A threshold of 0 or
// less disables it.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.trialActive = true
		return true
	case CircuitHalfOpen:
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.trialActive = false
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when the half-open trial request failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.threshold <= 0 {
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		cb.trialActive = false
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
