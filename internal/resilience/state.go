package resilience

import (
	"time"
)

// Circuit breaker state constants.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreakerState tracks the circuit breaker pattern state.
//   - closed: normal operation, requests flow through
//   - open: circuit tripped, requests fail fast
//   - half_open: testing if service recovered, limited requests allowed
type CircuitBreakerState struct {
	State            string
	Failures         int
	Successes        int
	HalfOpenAttempts int
	LastFailureAt    time.Time
	OpenedAt         time.Time
}

// IsClosed returns true if the circuit is in closed (normal) state.
func (c *CircuitBreakerState) IsClosed() bool {
	return c.State == "" || c.State == CircuitClosed
}

// IsOpen returns true if the circuit is open (failing fast).
func (c *CircuitBreakerState) IsOpen() bool {
	return c.State == CircuitOpen
}

// IsHalfOpen returns true if the circuit is in half-open (testing) state.
func (c *CircuitBreakerState) IsHalfOpen() bool {
	return c.State == CircuitHalfOpen
}

// RateLimiterState tracks the token bucket and any Retry-After block.
type RateLimiterState struct {
	Tokens          float64
	LastRefillAt    time.Time
	RetryAfterUntil time.Time
}

// BlockedFor returns how long until the Retry-After window expires at now.
// Returns zero if not blocked.
func (r *RateLimiterState) BlockedFor(now time.Time) time.Duration {
	if r.RetryAfterUntil.IsZero() {
		return 0
	}
	remaining := r.RetryAfterUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
