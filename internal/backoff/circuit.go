package backoff

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitState is the current state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a three-state guard: CLOSED until failureThreshold
// consecutive failures, then OPEN for timeout, then HALF_OPEN for one probe
// attempt that either re-closes it or re-opens it.
type CircuitBreaker struct {
	failureThreshold int
	timeout          time.Duration

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	now             func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after timeout.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		log.Info().Str("state", StateClosed.String()).Msg("circuit breaker closed")
	}
	cb.failureCount = 0
	cb.state = StateClosed
}

// RecordFailure counts a failure; at the threshold the breaker opens.
// A failure during the half-open probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
		if cb.state != StateOpen {
			log.Warn().
				Int("failures", cb.failureCount).
				Dur("timeout", cb.timeout).
				Msg("circuit breaker open")
		}
		cb.state = StateOpen
	}
}

// CanAttempt reports whether an attempt is allowed. In OPEN, the first call
// after the timeout transitions to HALF_OPEN and is allowed as the single
// probe.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
			cb.state = StateHalfOpen
			log.Info().Msg("circuit breaker half-open, probing")
			return true
		}
		return false
	default:
		return false
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Active reports whether the breaker currently blocks attempts.
func (cb *CircuitBreaker) Active() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) < cb.timeout
}

// OpenUntil returns the time at which an open breaker becomes probeable,
// or the zero time when not open.
func (cb *CircuitBreaker) OpenUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.lastFailureTime.Add(cb.timeout)
}

// Trip forces the breaker open regardless of the failure count.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateOpen
	cb.lastFailureTime = cb.now()
	if cb.failureCount < cb.failureThreshold {
		cb.failureCount = cb.failureThreshold
	}
	log.Warn().Msg("circuit breaker tripped manually")
}
