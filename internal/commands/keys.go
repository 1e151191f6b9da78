package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/keys"
	"github.com/basecamp/studio-cli/internal/output"
	"github.com/basecamp/studio-cli/internal/tui"
)

// NewKeysCmd creates the keys command group for platform API keys.
func NewKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage platform API keys",
		Long: `Manage third-party platform API keys kept in the credential store.

The active key for a provider is attached to requests made with
--provider <name>. Keys are stored per service origin and survive logout.`,
	}

	cmd.AddCommand(
		newKeysAddCmd(),
		newKeysListCmd(),
		newKeysToggleCmd(),
		newKeysRemoveCmd(),
		newKeysUsageCmd(),
	)

	return cmd
}

// keyView is the printable form of a record; the secret is always masked.
type keyView struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Key          string `json:"key"`
	Active       bool   `json:"active"`
	DailyLimit   int    `json:"daily_limit,omitempty"`
	MonthlyLimit int    `json:"monthly_limit,omitempty"`
	Usage        int    `json:"usage"`
	OverLimit    bool   `json:"over_limit,omitempty"`
	LastUsedAt   string `json:"last_used_at,omitempty"`
}

func viewOf(rec keys.Record) keyView {
	v := keyView{
		ID:           rec.ID,
		Provider:     rec.Provider,
		Key:          rec.Masked(),
		Active:       rec.IsActive,
		DailyLimit:   rec.DailyLimit,
		MonthlyLimit: rec.MonthlyLimit,
		Usage:        rec.UsageCount,
		OverLimit:    rec.OverLimit(),
	}
	if !rec.LastUsedAt.IsZero() {
		v.LastUsedAt = rec.LastUsedAt.Format(time.RFC3339)
	}
	return v
}

// keyError maps registry errors onto CLI errors.
func keyError(id string, err error) error {
	if errors.Is(err, keys.ErrNotFound) {
		return &output.Error{
			Code:    output.CodeNotFound,
			Message: fmt.Sprintf("No platform key with ID %s", id),
			Hint:    "Run: studio keys list",
		}
	}
	return err
}

func newKeysAddCmd() *cobra.Command {
	var key string
	var daily, monthly int

	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Store a platform API key",
		Long:  "Store a new active API key for a provider. Prompts for the key on a terminal when --key is omitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			if key == "" {
				if !app.IsInteractive() {
					return output.ErrUsage("--key is required")
				}
				k, err := tui.PromptSecret(fmt.Sprintf("API key for %s", args[0]))
				if err != nil {
					if tui.Canceled(err) {
						return output.ErrUsage("canceled")
					}
					return err
				}
				key = k
			}

			rec, err := app.Keys.Add(args[0], key, daily, monthly)
			if err != nil {
				if errors.Is(err, keys.ErrInvalid) {
					return output.ErrUsage(err.Error())
				}
				return err
			}

			return app.OK(viewOf(rec),
				output.WithSummary(fmt.Sprintf("Added %s key %s", rec.Provider, rec.Masked())),
			)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "The API key")
	cmd.Flags().IntVar(&daily, "daily-limit", 0, "Daily request limit (0 for unlimited)")
	cmd.Flags().IntVar(&monthly, "monthly-limit", 0, "Monthly request limit (0 for unlimited)")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [provider]",
		Short: "List platform API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			provider := ""
			if len(args) == 1 {
				provider = args[0]
			}
			recs, err := app.Keys.List(provider)
			if err != nil {
				return err
			}

			views := make([]keyView, 0, len(recs))
			for _, rec := range recs {
				views = append(views, viewOf(rec))
			}
			return app.OK(views, output.WithSummary(fmt.Sprintf("%d keys", len(views))))
		},
	}
}

func newKeysToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Activate or deactivate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			rec, err := app.Keys.Toggle(args[0])
			if err != nil {
				return keyError(args[0], err)
			}

			state := "deactivated"
			if rec.IsActive {
				state = "activated"
			}
			return app.OK(viewOf(rec), output.WithSummary(fmt.Sprintf("Key %s %s", rec.Masked(), state)))
		},
	}
}

func newKeysRemoveCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a platform API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			if !force && app.IsInteractive() {
				ok, err := tui.ConfirmDangerous(fmt.Sprintf("Delete platform key %s?", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return output.ErrUsage("canceled")
				}
			}

			if err := app.Keys.Remove(args[0]); err != nil {
				return keyError(args[0], err)
			}
			return app.OK(map[string]string{"id": args[0], "status": "removed"},
				output.WithSummary("Key removed"),
			)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")

	return cmd
}

func newKeysUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <id>",
		Short: "Record one use of a key",
		Long:  "Increment the usage counter of a key, for callers that track spend outside studio.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			rec, err := app.Keys.RecordUsage(args[0])
			if err != nil {
				return keyError(args[0], err)
			}

			summary := fmt.Sprintf("Key %s used %d times", rec.Masked(), rec.UsageCount)
			if rec.OverLimit() {
				summary += " (over limit)"
			}
			return app.OK(viewOf(rec), output.WithSummary(summary))
		},
	}
}
