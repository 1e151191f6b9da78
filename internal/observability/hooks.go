package observability

import "sync"

// CLIHooks turns bus events into session metrics and trace output.
// It supports configurable verbosity levels:
//   - 0: Silent (collect stats only, no output)
//   - 1: Token refreshes and failed requests
//   - 2: Every request
type CLIHooks struct {
	mu        sync.Mutex
	level     int
	collector *SessionCollector
	writer    *TraceWriter
}

// NewCLIHooks creates a new CLIHooks with the given verbosity level.
// If collector is nil, metrics are not collected.
// If writer is nil, no trace output is produced.
func NewCLIHooks(level int, collector *SessionCollector, writer *TraceWriter) *CLIHooks {
	return &CLIHooks{
		level:     level,
		collector: collector,
		writer:    writer,
	}
}

// SetLevel changes the verbosity level at runtime.
func (h *CLIHooks) SetLevel(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = level
}

// Level returns the current verbosity level.
func (h *CLIHooks) Level() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

// Attach subscribes the hooks to bus and returns the unsubscribe function.
func (h *CLIHooks) Attach(bus *Bus) func() {
	return bus.Subscribe(h.Handle)
}

// Handle is the bus listener.
func (h *CLIHooks) Handle(e Event) {
	h.mu.Lock()
	level := h.level
	collector := h.collector
	writer := h.writer
	h.mu.Unlock()

	switch e.Type {
	case RequestStarted:
		if level >= 2 && writer != nil {
			writer.WriteRequestStart(e)
		}
	case RequestEnded, RequestFailed:
		if collector != nil {
			collector.RecordRequest(RequestMetrics{
				Method:     e.Method,
				URL:        e.URL,
				StatusCode: e.StatusCode,
				Duration:   e.Duration,
				FromCache:  e.FromCache,
				Replayed:   e.Replayed,
				Error:      e.Err,
			})
		}
		if writer == nil {
			return
		}
		if level >= 2 || (level >= 1 && e.Type == RequestFailed) {
			writer.WriteRequestEnd(e)
		}
	case RefreshStarted:
		if level >= 1 && writer != nil {
			writer.WriteRefreshStart(e)
		}
	case RefreshEnded:
		if collector != nil {
			collector.RecordRefresh(e.Err, e.Duration)
		}
		if level >= 1 && writer != nil {
			writer.WriteRefreshEnd(e)
		}
	}
}
