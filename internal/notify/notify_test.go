package notify

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basecamp/studio-cli/internal/output"
)

func TestTerminalWritesPlainLinesOffTTY(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTerminal(&buf, Info)

	sink.Notify("saved", Success)
	sink.Notify("slow down", Warning)
	sink.Notify("boom", Error)

	assert.Equal(t, "✓ saved\n! slow down\n✗ boom\n", buf.String())
}

func TestTerminalFiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTerminal(&buf, Warning)

	sink.Notify("fyi", Info)
	sink.Notify("ok", Success)
	sink.Notify("careful", Warning)

	assert.Equal(t, "! careful\n", buf.String())
}

func TestTerminalUnknownSeverityFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	NewTerminal(&buf, Info).Notify("hmm", Severity("debug"))
	assert.Equal(t, " hmm\n", buf.String())
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Notify("x", Info)
		}()
	}
	wg.Wait()
	assert.Len(t, rec.All(), 20)

	rec.Reset()
	assert.Empty(t, rec.All())
}

func TestForError(t *testing.T) {
	assert.Equal(t, Warning, ForError(output.ErrNotFound("gone")))
	assert.Equal(t, Warning, ForError(output.ErrRateLimit("slow", 30)))
	assert.Equal(t, Error, ForError(output.ErrAuth("expired")))
	assert.Equal(t, Error, ForError(output.ErrServer(500, "bad")))
	assert.Equal(t, Info, ForError(nil))
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	s.Notify("nothing", Error)
}
