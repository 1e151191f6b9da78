// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/basecamp/studio-cli/internal/api"
	"github.com/basecamp/studio-cli/internal/auth"
	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/keys"
	"github.com/basecamp/studio-cli/internal/notify"
	"github.com/basecamp/studio-cli/internal/observability"
	"github.com/basecamp/studio-cli/internal/output"
	"github.com/basecamp/studio-cli/internal/resilience"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands.
type App struct {
	Config *config.Config
	Store  *auth.Store
	Client *api.Client
	Keys   *keys.Registry
	Output *output.Writer
	Sink   notify.Sink

	// Observability
	Bus       *observability.Bus
	Collector *observability.SessionCollector
	Hooks     *observability.CLIHooks

	// Flags holds the global flag values
	Flags GlobalFlags

	stderr io.Writer
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	// Output format flags
	JSON   bool
	Quiet  bool
	Styled bool

	// Context flags
	Host string

	// Behavior flags
	Verbose int // 0=off, 1=refreshes+failures, 2=every request (stacks with -v -v or -vv)
	Stats   bool
	NoCache bool
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config) *App {
	return newApp(cfg, auth.NewStore(config.GlobalConfigDir()), os.Stderr)
}

func newApp(cfg *config.Config, store *auth.Store, stderr io.Writer) *App {
	// Collector always runs to gather stats; hooks control output verbosity.
	// Level 0 initially; ApplyFlags sets the actual level from -v flags.
	bus := observability.NewBus()
	collector := observability.NewSessionCollector()
	hooks := observability.NewCLIHooks(0, collector, observability.NewTraceWriterTo(stderr))
	hooks.Attach(bus)

	origin := config.NormalizeBaseURL(cfg.BaseURL)
	registry := keys.NewRegistry(store, origin)
	sink := notify.NewTerminal(stderr, notify.Info)

	opts := []api.Option{
		api.WithCredentialStore(store),
		api.WithBus(bus),
		api.WithKeys(registry),
		api.WithSink(sink),
	}
	if cfg.Resilience {
		opts = append(opts, api.WithGate(resilience.NewGateFromConfig(resilience.DefaultConfig())))
	}

	return &App{
		Config:    cfg,
		Store:     store,
		Client:    api.NewClient(cfg, nil, opts...),
		Keys:      registry,
		Sink:      sink,
		Bus:       bus,
		Collector: collector,
		Hooks:     hooks,
		Output: output.New(output.Options{
			Format: output.ParseFormat(cfg.Format),
			Writer: os.Stdout,
		}),
		stderr: stderr,
	}
}

// Start begins background work bound to ctx, such as sweeping expired
// cache entries.
func (a *App) Start(ctx context.Context) {
	if a.Config.CacheEnabled {
		a.Client.Cache().StartSweeper(ctx, a.Config.CacheTTL)
	}
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() {
	// Apply output format from flags (order matters: specific modes first)
	switch {
	case a.Flags.Quiet:
		a.Output = output.New(output.Options{Format: output.FormatQuiet, Writer: os.Stdout})
	case a.Flags.JSON:
		a.Output = output.New(output.Options{Format: output.FormatJSON, Writer: os.Stdout})
	case a.Flags.Styled:
		a.Output = output.New(output.Options{Format: output.FormatStyled, Writer: os.Stdout})
	}

	if !a.Flags.Stats && a.Config.Stats != nil {
		a.Flags.Stats = *a.Config.Stats
	}

	// Machine-consumable output keeps stderr quiet apart from errors.
	if a.isMachineOutput() {
		a.Sink = notify.NewTerminal(a.stderr, notify.Error)
		a.Client.SetSink(a.Sink)
	}

	verboseLevel := a.verboseLevel()
	if a.Hooks != nil {
		a.Hooks.SetLevel(verboseLevel)
	}

	if verboseLevel > 0 {
		debugLogger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		a.Client.SetLogger(debugLogger)
	}
}

// verboseLevel combines -v flags, the verbose config key and STUDIO_DEBUG.
func (a *App) verboseLevel() int {
	level := a.Flags.Verbose
	if a.Config.Verbose != nil && *a.Config.Verbose > level {
		level = *a.Config.Verbose
	}
	// STUDIO_DEBUG can be "1", "2", or "true" (treated as 2 for full debug)
	if debugEnv := os.Getenv("STUDIO_DEBUG"); debugEnv != "" {
		if n, err := strconv.Atoi(debugEnv); err == nil {
			if n > level {
				level = n
			}
		} else if debugEnv == "true" {
			level = 2
		}
	}
	return level
}

// OK outputs a success response, automatically including stats if --stats flag is set.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	if a.Flags.Stats && a.Collector != nil {
		stats := a.Collector.Summary()
		opts = append(opts, output.WithMeta("stats", statsMeta(&stats)))
	}
	return a.Output.OK(data, opts...)
}

// Err outputs an error response, printing stats to stderr if --stats flag is set.
func (a *App) Err(err error) error {
	if outputErr := a.Output.Err(err); outputErr != nil {
		return outputErr
	}

	if a.Flags.Stats && a.Collector != nil && !a.isMachineOutput() {
		stats := a.Collector.Summary()
		a.printStats(&stats)
	}
	return nil
}

// isMachineOutput returns true if the output mode is intended for programmatic consumption.
// Checks both flags and config-driven format settings.
func (a *App) isMachineOutput() bool {
	if a.Flags.Quiet || a.Flags.JSON {
		return true
	}
	return a.Config != nil && (a.Config.Format == "quiet" || a.Config.Format == "json")
}

func statsMeta(stats *observability.SessionMetrics) map[string]any {
	return map[string]any{
		"requests":         stats.TotalRequests,
		"failed":           stats.FailedRequests,
		"cache_hits":       stats.CacheHits,
		"replays":          stats.Replays,
		"refreshes":        stats.Refreshes,
		"failed_refreshes": stats.FailedRefreshes,
		"duration_ms":      stats.EndTime.Sub(stats.StartTime).Milliseconds(),
	}
}

// printStats outputs a compact stats line to stderr.
func (a *App) printStats(stats *observability.SessionMetrics) {
	if line := FormatStats(stats); line != "" {
		_, _ = io.WriteString(a.stderr, "\nStats: "+line+"\n")
	}
}

// FormatStats renders metrics as a single human-readable line.
func FormatStats(stats *observability.SessionMetrics) string {
	if stats == nil {
		return ""
	}
	p := message.NewPrinter(language.English)
	var parts []string

	duration := stats.EndTime.Sub(stats.StartTime)
	if duration < time.Second {
		parts = append(parts, p.Sprintf("%dms", duration.Milliseconds()))
	} else {
		parts = append(parts, p.Sprintf("%.1fs", duration.Seconds()))
	}

	if stats.TotalRequests == 1 {
		parts = append(parts, "1 request")
	} else if stats.TotalRequests > 1 {
		parts = append(parts, p.Sprintf("%d requests", stats.TotalRequests))
	}

	if stats.CacheHits > 0 {
		rate := float64(stats.CacheHits) / float64(max(stats.TotalRequests, 1)) * 100
		parts = append(parts, p.Sprintf("%d cached (%.0f%%)", stats.CacheHits, rate))
	}

	if stats.Refreshes > 0 {
		parts = append(parts, p.Sprintf("%d refreshed", stats.Refreshes))
	}
	if stats.Replays > 0 {
		parts = append(parts, p.Sprintf("%d replayed", stats.Replays))
	}
	if stats.FailedRequests > 0 {
		parts = append(parts, p.Sprintf("%d failed", stats.FailedRequests))
	}

	return strings.Join(parts, " | ")
}

// IsInteractive returns true if both stdin and stdout are terminals and no
// machine-output mode is set.
func (a *App) IsInteractive() bool {
	if a.isMachineOutput() {
		return false
	}
	return output.IsTTY(os.Stdin) && output.IsTTY(os.Stdout)
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
