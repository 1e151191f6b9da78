package resilience

import (
	"sync"
	"time"
)

// RateLimiter implements the token bucket algorithm plus a Retry-After block.
type RateLimiter struct {
	config RateLimiterConfig
	now    func() time.Time

	mu    sync.Mutex
	state RateLimiterState
}

// NewRateLimiter creates a new rate limiter with the given config.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// Apply defaults for zero values
	if config.MaxTokens <= 0 {
		config.MaxTokens = 50
	}
	if config.RefillRate <= 0 {
		config.RefillRate = 10
	}
	if config.TokensPerRequest <= 0 {
		config.TokensPerRequest = 1
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = 60 * time.Second
	}

	return &RateLimiter{
		config: config,
		now:    time.Now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (rl *RateLimiter) refill(now time.Time) {
	s := &rl.state
	if s.LastRefillAt.IsZero() {
		s.Tokens = rl.config.MaxTokens
		s.LastRefillAt = now
		return
	}

	elapsed := now.Sub(s.LastRefillAt)
	s.LastRefillAt = now
	s.Tokens += elapsed.Seconds() * rl.config.RefillRate
	if s.Tokens > rl.config.MaxTokens {
		s.Tokens = rl.config.MaxTokens
	}
}

// Allow reports whether a request may proceed, consuming tokens when it may.
// When blocked by Retry-After, it also returns the remaining wait.
func (rl *RateLimiter) Allow() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if wait := rl.state.BlockedFor(now); wait > 0 {
		return false, wait
	}

	rl.refill(now)
	if rl.state.Tokens < rl.config.TokensPerRequest {
		return false, 0
	}
	rl.state.Tokens -= rl.config.TokensPerRequest
	return true, 0
}

// SetRetryAfter blocks requests for d. A shorter block never shortens an
// existing one. d <= 0 applies DefaultRetryAfter.
func (rl *RateLimiter) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		d = rl.config.DefaultRetryAfter
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	until := rl.now().Add(d)
	if until.After(rl.state.RetryAfterUntil) {
		rl.state.RetryAfterUntil = until
	}
}

// Tokens returns the current number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(rl.now())
	return rl.state.Tokens
}

// RetryAfterRemaining returns the remaining duration of the Retry-After block.
func (rl *RateLimiter) RetryAfterRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.state.BlockedFor(rl.now())
}

// Reset resets the rate limiter to a full bucket with no block.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.state = RateLimiterState{
		Tokens:       rl.config.MaxTokens,
		LastRefillAt: rl.now(),
	}
}
