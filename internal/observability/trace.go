package observability

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// sensitiveParams are query parameter names that should be scrubbed from trace output.
var sensitiveParams = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"key":           true, // platform keys passed as ?key=
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"client_secret": true,
	"private_key":   true,
}

// TraceWriter outputs human-readable trace information to stderr.
// It formats output with timestamps relative to session start.
type TraceWriter struct {
	mu        sync.Mutex
	writer    io.Writer
	startTime time.Time
}

// NewTraceWriter creates a new TraceWriter that writes to stderr.
func NewTraceWriter() *TraceWriter {
	return NewTraceWriterTo(os.Stderr)
}

// NewTraceWriterTo creates a new TraceWriter that writes to the given writer.
func NewTraceWriterTo(w io.Writer) *TraceWriter {
	return &TraceWriter{
		writer:    w,
		startTime: time.Now(),
	}
}

func (t *TraceWriter) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.startTime).Seconds()
	fmt.Fprintf(t.writer, "[%.3fs] "+format+"\n", append([]any{elapsed}, args...)...)
}

// WriteRequestStart writes a request start trace line.
// Format: [0.234s]   -> GET /api/models
// Sensitive query parameters are redacted.
func (t *TraceWriter) WriteRequestStart(e Event) {
	t.printf("  -> %s %s", e.Method, scrubURL(e.URL))
}

// WriteRequestEnd writes a request completion trace line.
// Format: [0.234s]   <- 200 (45ms), <- 200 (cached) or <- ERROR: ...
func (t *TraceWriter) WriteRequestEnd(e Event) {
	switch {
	case e.Err != nil:
		t.printf("  <- ERROR %s %s: %v", e.Method, scrubURL(e.URL), e.Err)
	case e.FromCache:
		t.printf("  <- %d (cached)", e.StatusCode)
	case e.Replayed:
		t.printf("  <- %d (%dms, replayed)", e.StatusCode, e.Duration.Milliseconds())
	default:
		t.printf("  <- %d (%dms)", e.StatusCode, e.Duration.Milliseconds())
	}
}

// WriteRefreshStart writes a token refresh start trace line.
func (t *TraceWriter) WriteRefreshStart(Event) {
	t.printf("Refreshing session token")
}

// WriteRefreshEnd writes a token refresh completion trace line.
func (t *TraceWriter) WriteRefreshEnd(e Event) {
	if e.Err != nil {
		t.printf("Token refresh failed: %v", e.Err)
		return
	}
	t.printf("Token refreshed (%dms)", e.Duration.Milliseconds())
}

// Reset resets the start time for relative timestamps.
func (t *TraceWriter) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Now()
}

// scrubURL redacts sensitive query parameters from a URL for safe logging.
// Returns a safe placeholder if the URL cannot be parsed.
func scrubURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Don't leak potentially sensitive malformed URLs
		return "[unparseable URL]"
	}

	query := u.Query()
	modified := false
	for key := range query {
		if sensitiveParams[strings.ToLower(key)] {
			query.Set(key, "[REDACTED]")
			modified = true
		}
	}

	if !modified {
		return rawURL
	}

	u.RawQuery = query.Encode()
	return u.String()
}
