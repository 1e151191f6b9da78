// Package resilience gates outbound requests through an in-process circuit
// breaker and rate limiter that honors Retry-After.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned while the circuit breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RateLimitedError is returned while the client is throttled.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
	}
	return "rate limited"
}

// Outcome is what the gate learns from a finished request.
type Outcome struct {
	StatusCode int           // 0 when the transport failed
	Network    bool          // transport error, no response
	RetryAfter time.Duration // parsed Retry-After header, if any
}

// Gate checks the rate limiter then the circuit breaker before a request,
// and feeds the outcome back afterward.
type Gate struct {
	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter
}

// NewGate creates a gate with the given primitives. Either may be nil.
func NewGate(cb *CircuitBreaker, rl *RateLimiter) *Gate {
	return &Gate{circuitBreaker: cb, rateLimiter: rl}
}

// NewGateFromConfig creates a gate from cfg.
func NewGateFromConfig(cfg *Config) *Gate {
	return NewGate(NewCircuitBreaker(cfg.CircuitBreaker), NewRateLimiter(cfg.RateLimiter))
}

// Allow returns nil when the request may proceed.
//
// The rate limiter is checked first because the circuit breaker reserves a
// half-open slot; a rejection after the reservation would leak it.
func (g *Gate) Allow() error {
	if g.rateLimiter != nil {
		if ok, wait := g.rateLimiter.Allow(); !ok {
			return &RateLimitedError{RetryAfter: wait}
		}
	}
	if g.circuitBreaker != nil && !g.circuitBreaker.Allow() {
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds a request outcome back into the gate.
func (g *Gate) Record(o Outcome) {
	if g.circuitBreaker != nil {
		if trips(o) {
			g.circuitBreaker.RecordFailure()
		} else {
			g.circuitBreaker.RecordSuccess()
		}
	}

	if g.rateLimiter == nil {
		return
	}
	switch {
	case o.StatusCode == 429:
		g.rateLimiter.SetRetryAfter(o.RetryAfter)
	case o.StatusCode == 503 && o.RetryAfter > 0:
		g.rateLimiter.SetRetryAfter(o.RetryAfter)
	}
}

// CircuitState exposes the breaker state for diagnostics.
func (g *Gate) CircuitState() string {
	if g.circuitBreaker == nil {
		return CircuitClosed
	}
	return g.circuitBreaker.State()
}

// trips reports whether an outcome counts against the circuit: network
// errors and 5xx do; client errors and rate limiting do not.
func trips(o Outcome) bool {
	return o.Network || o.StatusCode >= 500
}
