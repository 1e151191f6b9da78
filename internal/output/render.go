package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette colours shared with the terminal notification sink.
var (
	ColorPrimary = lipgloss.Color("#5fafff")
	ColorMuted   = lipgloss.Color("#8a8a8a")
	ColorError   = lipgloss.Color("#ff5f5f")
	ColorWarning = lipgloss.Color("#ffaf00")
	ColorSuccess = lipgloss.Color("#5fd75f")
)

// Renderer handles styled terminal output.
type Renderer struct {
	w      io.Writer
	styled bool

	Summary lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Hint    lipgloss.Style
}

// NewRenderer creates a renderer. Styling is enabled when writing to a TTY,
// or when forceStyled is true.
func NewRenderer(w io.Writer, forceStyled bool) *Renderer {
	styled := forceStyled || IsTTY(w)
	r := &Renderer{w: w, styled: styled}
	if styled {
		r.Summary = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)
		r.Muted = lipgloss.NewStyle().Foreground(ColorMuted)
		r.Error = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
		r.Hint = lipgloss.NewStyle().Foreground(ColorMuted).Italic(true)
	} else {
		r.Summary = lipgloss.NewStyle()
		r.Muted = lipgloss.NewStyle()
		r.Error = lipgloss.NewStyle()
		r.Hint = lipgloss.NewStyle()
	}
	return r
}

// RenderResponse renders a success response.
func (r *Renderer) RenderResponse(resp *Response) error {
	var b strings.Builder

	if resp.Summary != "" {
		b.WriteString(r.Summary.Render(resp.Summary))
		b.WriteString("\n")
	}

	if resp.Data != nil {
		b.WriteString(renderData(resp.Data))
		b.WriteString("\n")
	}

	if len(resp.Meta) > 0 {
		for k, v := range resp.Meta {
			b.WriteString(r.Muted.Render(fmt.Sprintf("%s: %v", k, v)))
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(r.w, b.String())
	return err
}

// RenderError renders an error response.
func (r *Renderer) RenderError(resp *ErrorResponse) error {
	var b strings.Builder
	b.WriteString(r.Error.Render("Error: " + resp.Error))
	b.WriteString("\n")
	if resp.Hint != "" {
		b.WriteString(r.Hint.Render(resp.Hint))
		b.WriteString("\n")
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// renderData pretty-prints data. Raw JSON is re-indented; strings pass through.
func renderData(data any) string {
	switch d := data.(type) {
	case string:
		return d
	case json.RawMessage:
		var v any
		if err := json.Unmarshal(d, &v); err != nil {
			return string(d)
		}
		data = v
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(out)
}
