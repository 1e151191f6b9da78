// Package observability provides request events, metrics collection and
// tracing for CLI sessions.
package observability

import (
	"sync"
	"time"
)

// RequestMetrics holds timing and status information for a single request.
type RequestMetrics struct {
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	FromCache  bool
	Replayed   bool
	Error      error
}

// SessionMetrics aggregates metrics for an entire CLI session.
type SessionMetrics struct {
	StartTime       time.Time
	EndTime         time.Time
	TotalRequests   int
	FailedRequests  int
	CacheHits       int
	CacheMisses     int
	Replays         int
	Refreshes       int
	FailedRefreshes int
	TotalLatency    time.Duration
}

// SessionCollector accumulates metrics across a CLI session.
// It is safe for concurrent use and uses counters instead of unbounded slices.
type SessionCollector struct {
	mu sync.Mutex

	startTime       time.Time
	totalRequests   int
	failedRequests  int
	cacheHits       int
	cacheMisses     int
	replays         int
	refreshes       int
	failedRefreshes int
	totalLatency    time.Duration
}

// NewSessionCollector creates a new SessionCollector.
func NewSessionCollector() *SessionCollector {
	return &SessionCollector{
		startTime: time.Now(),
	}
}

// RecordRequest records metrics for a completed or failed request.
func (c *SessionCollector) RecordRequest(m RequestMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalLatency += m.Duration
	if m.Error != nil {
		c.failedRequests++
	}
	if m.FromCache {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
	if m.Replayed {
		c.replays++
	}
}

// RecordRefresh records one token refresh exchange.
func (c *SessionCollector) RecordRefresh(err error, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	c.totalLatency += duration
	if err != nil {
		c.failedRefreshes++
	}
}

// Summary returns aggregated metrics for the session.
func (c *SessionCollector) Summary() SessionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return SessionMetrics{
		StartTime:       c.startTime,
		EndTime:         time.Now(),
		TotalRequests:   c.totalRequests,
		FailedRequests:  c.failedRequests,
		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		Replays:         c.replays,
		Refreshes:       c.refreshes,
		FailedRefreshes: c.failedRefreshes,
		TotalLatency:    c.totalLatency,
	}
}

// Reset clears all collected metrics and resets the start time.
func (c *SessionCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.totalRequests = 0
	c.failedRequests = 0
	c.cacheHits = 0
	c.cacheMisses = 0
	c.replays = 0
	c.refreshes = 0
	c.failedRefreshes = 0
	c.totalLatency = 0
}
