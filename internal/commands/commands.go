// Package commands implements the CLI commands.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/output"
)

// CommandInfo describes a CLI command.
type CommandInfo struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Actions     []string `json:"actions,omitempty"`
}

// CommandCategory groups commands by category.
type CommandCategory struct {
	Name     string        `json:"name"`
	Commands []CommandInfo `json:"commands"`
}

// commandCategories returns all command categories for the catalog.
func commandCategories() []CommandCategory {
	return []CommandCategory{
		{
			Name: "Service",
			Commands: []CommandInfo{
				{Name: "api", Category: "service", Description: "Raw API access", Actions: []string{"get", "post", "put", "delete"}},
				{Name: "stream", Category: "service", Description: "Stream a long-running response"},
			},
		},
		{
			Name: "Auth & Config",
			Commands: []CommandInfo{
				{Name: "auth", Category: "auth", Description: "Sign in and manage the session", Actions: []string{"login", "logout", "status", "refresh", "token"}},
				{Name: "keys", Category: "auth", Description: "Manage platform API keys", Actions: []string{"add", "list", "toggle", "remove", "usage"}},
				{Name: "config", Category: "auth", Description: "Show configuration", Actions: []string{"show"}},
			},
		},
		{
			Name: "Additional Commands",
			Commands: []CommandInfo{
				{Name: "commands", Category: "additional", Description: "List all commands"},
				{Name: "help", Category: "additional", Description: "Show help"},
				{Name: "version", Category: "additional", Description: "Show version"},
			},
		},
	}
}

// CatalogCommandNames returns all command names from the catalog.
// Used by tests to verify catalog matches registered commands.
func CatalogCommandNames() []string {
	var names []string
	for _, cat := range commandCategories() {
		for _, cmd := range cat.Commands {
			names = append(names, cmd.Name)
		}
	}
	return names
}

// Register adds every top-level command to root.
func Register(root *cobra.Command) {
	root.AddCommand(
		NewAuthCmd(),
		NewAPICmd(),
		NewStreamCmd(),
		NewKeysCmd(),
		NewConfigCmd(),
		NewCommandsCmd(),
		NewVersionCmd(),
	)
}

// NewCommandsCmd creates the commands listing command.
func NewCommandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "commands",
		Aliases: []string{"cmds"},
		Short:   "List all available commands",
		Long:    "List all available studio commands organized by category.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			return app.OK(commandCategories(),
				output.WithSummary("All available studio commands"),
			)
		},
	}
}
