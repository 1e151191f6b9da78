package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/output"
)

// NewConfigCmd creates the config command for inspecting configuration.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Long: `Show studio configuration.

Configuration is loaded from multiple sources with the following precedence:
  flags > env > local > global > system > defaults

Config locations (config.json, config.yaml or config.yml):
  - System: /etc/studio/
  - Global: ~/.config/studio/
  - Local:  ./.studio/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  "Display the current effective configuration with source information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}
}

// configEntry is one key of the effective configuration.
type configEntry struct {
	key   string
	value string
}

// configEntries lists every key with its current value.
func configEntries(cfg *config.Config) []configEntry {
	return []configEntry{
		{"base_url", cfg.BaseURL},
		{"api_prefix", cfg.APIPrefix},
		{"login_path", cfg.LoginPath},
		{"refresh_path", cfg.RefreshPath},
		{"cache_enabled", fmt.Sprintf("%t", cfg.CacheEnabled)},
		{"cache_capacity", fmt.Sprintf("%d", cfg.CacheCapacity)},
		{"cache_ttl", cfg.CacheTTL.String()},
		{"cache_routes", strings.Join(cfg.CacheRoutes, ",")},
		{"request_timeout", cfg.RequestTimeout.String()},
		{"refresh_timeout", cfg.RefreshTimeout.String()},
		{"stream_timeout", cfg.StreamTimeout.String()},
		{"resilience", fmt.Sprintf("%t", cfg.Resilience)},
		{"format", cfg.Format},
		{"stats", fmt.Sprintf("%t", cfg.Stats != nil && *cfg.Stats)},
		{"verbose", fmt.Sprintf("%d", derefInt(cfg.Verbose))},
	}
}

func runConfigShow(cmd *cobra.Command) error {
	app := appctx.FromContext(cmd.Context())

	configData := make(map[string]any)
	for _, e := range configEntries(app.Config) {
		source := app.Config.Sources[e.key]
		if source == "" {
			source = string(config.SourceDefault)
		}
		configData[e.key] = map[string]string{
			"value":  e.value,
			"source": source,
		}
	}

	return app.OK(configData,
		output.WithSummary("Effective configuration"),
		output.WithMeta("global_dir", config.GlobalConfigDir()),
	)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
