package appctx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basecamp/studio-cli/internal/api"
	"github.com/basecamp/studio-cli/internal/auth"
	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/observability"
	"github.com/basecamp/studio-cli/internal/output"
)

func testApp(t *testing.T, cfg *config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	t.Setenv("STUDIO_DEBUG", "")
	t.Setenv("STUDIO_TOKEN", "")
	var stderr bytes.Buffer
	return newApp(cfg, auth.NewFileStore(t.TempDir()), &stderr), &stderr
}

func TestNewApp(t *testing.T) {
	cfg := config.Default()
	app, _ := testApp(t, cfg)

	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Config != cfg {
		t.Error("Config not set correctly")
	}
	if app.Client == nil {
		t.Error("API client not initialized")
	}
	if app.Keys == nil {
		t.Error("Key registry not initialized")
	}
	if app.Output == nil {
		t.Error("Output writer not initialized")
	}
	if app.Hooks == nil || app.Collector == nil || app.Bus == nil {
		t.Error("Observability not initialized")
	}
}

func TestWithAppAndFromContext(t *testing.T) {
	app, _ := testApp(t, config.Default())

	ctx := WithApp(context.Background(), app)
	if FromContext(ctx) != app {
		t.Error("FromContext did not retrieve the same app")
	}
}

func TestFromContextEmpty(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil from empty context")
	}
}

func TestBusFeedsCollector(t *testing.T) {
	app, _ := testApp(t, config.Default())

	app.Bus.Emit(observability.Event{Type: observability.RequestEnded, StatusCode: 200, FromCache: true})
	app.Bus.Emit(observability.Event{Type: observability.RefreshEnded})

	stats := app.Collector.Summary()
	if stats.TotalRequests != 1 || stats.CacheHits != 1 {
		t.Errorf("requests=%d cacheHits=%d, want 1 and 1", stats.TotalRequests, stats.CacheHits)
	}
	if stats.Refreshes != 1 {
		t.Errorf("Refreshes = %d, want 1", stats.Refreshes)
	}
}

func TestApplyFlagsVerbose(t *testing.T) {
	app, _ := testApp(t, config.Default())
	app.Flags.Verbose = 2
	app.ApplyFlags()

	if app.Hooks.Level() != 2 {
		t.Errorf("hooks level = %d, want 2", app.Hooks.Level())
	}
}

func TestApplyFlagsVerboseFromEnvAndConfig(t *testing.T) {
	cfg := config.Default()
	one := 1
	cfg.Verbose = &one
	app, _ := testApp(t, cfg)

	app.ApplyFlags()
	if app.Hooks.Level() != 1 {
		t.Errorf("hooks level = %d, want 1 from config", app.Hooks.Level())
	}

	t.Setenv("STUDIO_DEBUG", "true")
	app.ApplyFlags()
	if app.Hooks.Level() != 2 {
		t.Errorf("hooks level = %d, want 2 from STUDIO_DEBUG", app.Hooks.Level())
	}
}

func TestApplyFlagsStatsFromConfig(t *testing.T) {
	cfg := config.Default()
	on := true
	cfg.Stats = &on
	app, _ := testApp(t, cfg)

	app.ApplyFlags()
	if !app.Flags.Stats {
		t.Error("stats should be enabled from config")
	}
}

func TestIsMachineOutput(t *testing.T) {
	tests := []struct {
		name   string
		flags  GlobalFlags
		format string
		want   bool
	}{
		{"default", GlobalFlags{}, "auto", false},
		{"json flag", GlobalFlags{JSON: true}, "auto", true},
		{"quiet flag", GlobalFlags{Quiet: true}, "auto", true},
		{"styled flag", GlobalFlags{Styled: true}, "auto", false},
		{"quiet config", GlobalFlags{}, "quiet", true},
		{"json config", GlobalFlags{}, "json", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Format = tt.format
			app, _ := testApp(t, cfg)
			app.Flags = tt.flags
			if got := app.isMachineOutput(); got != tt.want {
				t.Errorf("isMachineOutput() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsInteractiveWithJSONMode(t *testing.T) {
	app, _ := testApp(t, config.Default())
	app.Flags.JSON = true
	if app.IsInteractive() {
		t.Error("expected non-interactive in JSON mode")
	}
}

func TestAppOKWithStats(t *testing.T) {
	app, _ := testApp(t, config.Default())
	var buf bytes.Buffer
	app.Output = output.New(output.Options{Format: output.FormatJSON, Writer: &buf})
	app.Flags.Stats = true
	app.Collector.RecordRequest(observability.RequestMetrics{Method: "GET", StatusCode: 200})

	if err := app.OK(map[string]string{"ok": "yes"}); err != nil {
		t.Fatalf("OK failed: %v", err)
	}

	var resp struct {
		Meta struct {
			Stats map[string]any `json:"stats"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Meta.Stats["requests"] != float64(1) {
		t.Errorf("stats.requests = %v, want 1", resp.Meta.Stats["requests"])
	}
}

func TestAppOKWithoutStats(t *testing.T) {
	app, _ := testApp(t, config.Default())
	var buf bytes.Buffer
	app.Output = output.New(output.Options{Format: output.FormatJSON, Writer: &buf})

	if err := app.OK("data"); err != nil {
		t.Fatalf("OK failed: %v", err)
	}
	if strings.Contains(buf.String(), "stats") {
		t.Errorf("unexpected stats in output: %s", buf.String())
	}
}

func TestAppErrPrintsStatsToStderr(t *testing.T) {
	app, stderr := testApp(t, config.Default())
	var buf bytes.Buffer
	app.Output = output.New(output.Options{Format: output.FormatStyled, Writer: &buf})
	app.Flags.Stats = true
	app.Collector.RecordRequest(observability.RequestMetrics{StatusCode: 500, Error: output.ErrServer(500, "boom")})

	if err := app.Err(output.ErrServer(500, "boom")); err != nil {
		t.Fatalf("Err failed: %v", err)
	}
	if !strings.Contains(stderr.String(), "Stats:") {
		t.Errorf("expected stats on stderr, got %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "1 failed") {
		t.Errorf("expected failure count on stderr, got %q", stderr.String())
	}
}

func TestAppErrMachineOutputNoStats(t *testing.T) {
	app, stderr := testApp(t, config.Default())
	var buf bytes.Buffer
	app.Output = output.New(output.Options{Format: output.FormatJSON, Writer: &buf})
	app.Flags.Stats = true
	app.Flags.JSON = true

	if err := app.Err(output.ErrNotFound("gone")); err != nil {
		t.Fatalf("Err failed: %v", err)
	}
	if stderr.Len() != 0 {
		t.Errorf("expected no stderr in machine output mode, got %q", stderr.String())
	}
}

func TestFormatStats(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := &observability.SessionMetrics{
		StartTime:      start,
		EndTime:        start.Add(1500 * time.Millisecond),
		TotalRequests:  1200,
		CacheHits:      300,
		Refreshes:      1,
		Replays:        4,
		FailedRequests: 2,
	}

	got := FormatStats(stats)
	want := "1.5s | 1,200 requests | 300 cached (25%) | 1 refreshed | 4 replayed | 2 failed"
	if got != want {
		t.Errorf("FormatStats() = %q, want %q", got, want)
	}

	if FormatStats(nil) != "" {
		t.Error("FormatStats(nil) should be empty")
	}
}

func TestStartSweepsCache(t *testing.T) {
	cfg := config.Default()
	cfg.CacheTTL = 10 * time.Millisecond
	app, _ := testApp(t, cfg)
	app.Client.Cache().Store("k", &api.Response{Data: []byte(`1`)}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for app.Client.Cache().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired entry was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
