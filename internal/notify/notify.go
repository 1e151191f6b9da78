// Package notify delivers user-visible messages about request outcomes.
package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/basecamp/studio-cli/internal/output"
)

// Severity ranks a notification.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

func (s Severity) rank() int {
	switch s {
	case Success:
		return 1
	case Warning:
		return 2
	case Error:
		return 3
	default:
		return 0
	}
}

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(message string, severity Severity)
}

// Terminal writes one styled line per notification.
type Terminal struct {
	w   io.Writer
	min Severity

	mu     sync.Mutex
	styles map[Severity]lipgloss.Style
}

// NewTerminal creates a terminal sink that drops notifications below min.
// Styling is applied only when w is a TTY.
func NewTerminal(w io.Writer, min Severity) *Terminal {
	plain := lipgloss.NewStyle()
	styles := map[Severity]lipgloss.Style{Info: plain, Success: plain, Warning: plain, Error: plain}
	if output.IsTTY(w) {
		styles = map[Severity]lipgloss.Style{
			Info:    lipgloss.NewStyle().Foreground(output.ColorMuted),
			Success: lipgloss.NewStyle().Foreground(output.ColorSuccess),
			Warning: lipgloss.NewStyle().Foreground(output.ColorWarning),
			Error:   lipgloss.NewStyle().Foreground(output.ColorError).Bold(true),
		}
	}
	return &Terminal{w: w, min: min, styles: styles}
}

var prefixes = map[Severity]string{
	Info:    "•",
	Success: "✓",
	Warning: "!",
	Error:   "✗",
}

// Notify implements Sink.
func (t *Terminal) Notify(message string, severity Severity) {
	if severity.rank() < t.min.rank() {
		return
	}
	style, ok := t.styles[severity]
	if !ok {
		style = t.styles[Info]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, style.Render(prefixes[severity]+" "+message))
}

// Notification is one recorded call.
type Notification struct {
	Message  string
	Severity Severity
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

// Notify implements Sink.
func (r *Recorder) Notify(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, Notification{Message: message, Severity: severity})
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.all))
	copy(out, r.all)
	return out
}

// Reset discards recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = nil
}

// Discard drops everything.
type Discard struct{}

// Notify implements Sink.
func (Discard) Notify(string, Severity) {}

// ForError maps a classified error to the severity it is shown with.
func ForError(err *output.Error) Severity {
	if err == nil {
		return Info
	}
	switch err.Code {
	case output.CodeRateLimit, output.CodeNotFound, output.CodeValidation:
		return Warning
	default:
		return Error
	}
}
