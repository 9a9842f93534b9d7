package binstore

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops calling a failing dependency for a while.
//
// States:
//   - Closed: calls pass through and consecutive failures are counted
//   - Open: calls fail with ErrBackendUnavailable without running
//   - Half-Open: after resetTimeout, calls run again; one success closes
//     the breaker and one failure reopens it
//
// The Redis backend wraps every round trip in one so that scans and writes
// fail fast while Redis is down.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	onStateChange func(from, to BreakerState)
	isFailure     func(error) bool
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker.
//
// Parameters:
//   - maxFailures: Number of consecutive failures before opening circuit
//   - resetTimeout: Duration before transitioning from open to half-open
//
// Example:
//
//	cb := NewCircuitBreaker(5, 30*time.Second)
//	backend := NewRedisBackend(client, WithRedisCircuitBreaker(cb))
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

// WithStateChangeCallback adds a callback for state transitions. It runs
// with the breaker locked and must not call back into the breaker.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// WithFailureClassifier sets which errors count as failures. By default every
// non-nil error does.
func (cb *CircuitBreaker) WithFailureClassifier(fn func(error) bool) *CircuitBreaker {
	cb.isFailure = fn
	return cb
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  string(cb.State()),
		})
	}

	err := fn()
	failed := err != nil
	if failed && cb.isFailure != nil {
		failed = cb.isFailure(err)
	}
	cb.record(failed)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
		cb.setState(BreakerHalfOpen)
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !failed {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.setState(BreakerClosed)
		}
		return
	}
	cb.failures++
	cb.lastFailTime = cb.now()
	if cb.state == BreakerHalfOpen || (cb.state == BreakerClosed && cb.failures >= cb.maxFailures) {
		cb.setState(BreakerOpen)
	}
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
