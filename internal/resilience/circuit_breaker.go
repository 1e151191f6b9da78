package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker implements the circuit breaker pattern for one process.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu    sync.Mutex
	state CircuitBreakerState
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	// Apply defaults for zero values
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  CircuitBreakerState{State: CircuitClosed},
	}
}

// Allow reports whether a request may proceed. In half-open state it
// reserves one of the HalfOpenMaxRequests probe slots.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.state
	now := cb.now()

	if s.IsClosed() {
		return true
	}

	if s.IsOpen() {
		if now.Sub(s.OpenedAt) < cb.config.OpenTimeout {
			return false
		}
		s.State = CircuitHalfOpen
		s.Successes = 0
		s.Failures = 0
		s.HalfOpenAttempts = 0
	}

	if cb.config.HalfOpenMaxRequests > 0 && s.HalfOpenAttempts >= cb.config.HalfOpenMaxRequests {
		return false
	}
	s.HalfOpenAttempts++
	return true
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.state
	switch {
	case s.IsHalfOpen():
		// Release the reserved slot
		if s.HalfOpenAttempts > 0 {
			s.HalfOpenAttempts--
		}
		s.Successes++
		if s.Successes >= cb.config.SuccessThreshold {
			cb.state = CircuitBreakerState{State: CircuitClosed}
		}
	case s.IsClosed():
		// Reset consecutive failure count on success
		s.Failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.state
	now := cb.now()
	s.LastFailureAt = now

	switch {
	case s.IsClosed():
		s.Failures++
		if s.Failures >= cb.config.FailureThreshold {
			s.State = CircuitOpen
			s.OpenedAt = now
		}
	case s.IsHalfOpen():
		s.State = CircuitOpen
		s.OpenedAt = now
		s.Successes = 0
		s.HalfOpenAttempts = 0
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state.IsOpen() && cb.now().Sub(cb.state.OpenedAt) >= cb.config.OpenTimeout {
		return CircuitHalfOpen
	}
	if cb.state.State == "" {
		return CircuitClosed
	}
	return cb.state.State
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitBreakerState{State: CircuitClosed}
}
