package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/smilemakc/stepflow/internal/domain"
)

// CircuitState is the three-state guard.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreaker tracks failures for one (workflow, step) pair. Transitions
// are closed → open at the failure threshold, open → half-open after the
// timeout, half-open → closed on success or back to open on failure.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker starts closed.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: CircuitClosed}
}

// Allow reports whether an execution may proceed, performing the
// open → half-open transition when the timeout has elapsed.
func (cb *CircuitBreaker) Allow(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if !cb.nextAttemptTime.IsZero() && !now.Before(cb.nextAttemptTime) {
			cb.state = CircuitHalfOpen
			return nil
		}
		remaining := cb.nextAttemptTime.Sub(now)
		return domain.NewDomainError(domain.ErrCodeCircuitOpen,
			fmt.Sprintf("circuit breaker is open, next attempt in %v", remaining), nil)
	}
	return nil
}

// RecordSuccess closes a half-open circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
	cb.failureCount = 0
}

// RecordFailure counts a failure; at the threshold (or any failure while
// half-open) the circuit opens until the timeout elapses.
func (cb *CircuitBreaker) RecordFailure(handler *Handler, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = now

	if cb.state == CircuitHalfOpen || cb.failureCount >= handler.FailureThreshold {
		cb.state = CircuitOpen
		cb.nextAttemptTime = now.Add(handler.CircuitTimeout)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitRegistry holds breakers keyed by (workflow, step).
type CircuitRegistry struct {
	mu       sync.Mutex
	breakers map[retryKey]*CircuitBreaker
}

// NewCircuitRegistry creates an empty registry.
func NewCircuitRegistry() *CircuitRegistry {
	return &CircuitRegistry{breakers: make(map[retryKey]*CircuitBreaker)}
}

// Get returns the breaker for a step, creating it on first use.
func (cr *CircuitRegistry) Get(workflowID, stepID string) *CircuitBreaker {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	key := retryKey{workflowID, stepID}
	cb, ok := cr.breakers[key]
	if !ok {
		cb = NewCircuitBreaker()
		cr.breakers[key] = cb
	}
	return cb
}

// PurgeWorkflow drops breakers for a workflow reaching terminal status.
func (cr *CircuitRegistry) PurgeWorkflow(workflowID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for key := range cr.breakers {
		if key.workflowID == workflowID {
			delete(cr.breakers, key)
		}
	}
}
