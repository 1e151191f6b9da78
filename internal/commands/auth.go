package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/auth"
	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/output"
	"github.com/basecamp/studio-cli/internal/tui"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long:  "Sign in to the studio service, inspect the session, and sign out.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthRefreshCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var username string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the service",
		Long: `Exchange a username and password for a session token.

On a terminal the command prompts for anything not given as a flag.
In scripts pass --username and pipe the password with --password-stdin:

  printf '%s' "$PASSWORD" | studio auth login -u me@example.com --password-stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			var password string
			switch {
			case passwordStdin:
				if username == "" {
					return output.ErrUsage("--username is required with --password-stdin")
				}
				p, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = p
			case app.IsInteractive():
				answers, err := tui.PromptLogin(config.NormalizeBaseURL(app.Config.BaseURL), username)
				if err != nil {
					if tui.Canceled(err) {
						return output.ErrUsage("login canceled")
					}
					return err
				}
				username, password = answers.Username, answers.Password
			default:
				return output.ErrUsageHint("No terminal for the login prompt",
					"Use --username with --password-stdin, or set STUDIO_TOKEN")
			}

			creds, err := app.Client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			result := map[string]any{
				"status": "logged_in",
				"origin": config.NormalizeBaseURL(app.Config.BaseURL),
			}
			summary := "Signed in"
			if creds.UserID != "" {
				result["user_id"] = creds.UserID
				summary += " as user " + creds.UserID
			}
			return app.OK(result, output.WithSummary(summary))
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username or email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")

	return cmd
}

// readSecret reads one line from r without the trailing newline.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", output.ErrUsage("password is empty")
	}
	return secret, nil
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long:  "Remove the stored session for the current origin and drop cached responses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Client.Logout(); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "logged_out",
			}, output.WithSummary("Successfully logged out"))
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  "Display whether a session token is available and where it came from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			origin := config.NormalizeBaseURL(app.Config.BaseURL)
			session := app.Client.Session()

			if session.Token() == "" {
				return app.OK(map[string]any{
					"authenticated": false,
					"origin":        origin,
				}, output.WithSummary("Not authenticated"))
			}

			if env := auth.EnvToken(); env != "" && env == session.Token() {
				return app.OK(map[string]any{
					"authenticated": true,
					"origin":        origin,
					"source":        "STUDIO_TOKEN",
				}, output.WithSummary("Authenticated via STUDIO_TOKEN env var"))
			}

			creds := session.Credentials()
			status := map[string]any{
				"authenticated": true,
				"origin":        origin,
				"source":        "login",
				"keyring":       app.Store.UsingKeyring(),
			}
			if creds.UserID != "" {
				status["user_id"] = creds.UserID
			}
			if !creds.IssuedAt.IsZero() {
				status["issued_at"] = creds.IssuedAt.Format(time.RFC3339)
				status["age"] = time.Since(creds.IssuedAt).Round(time.Second).String()
			}

			summary := "Authenticated"
			if creds.UserID != "" {
				summary += fmt.Sprintf(" (user %s)", creds.UserID)
			}
			return app.OK(status, output.WithSummary(summary))
		},
	}
}

func newAuthRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the session token",
		Long:  "Force a token refresh. Requests already waiting on a refresh share it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Client.RefreshSession(cmd.Context()); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "refreshed",
			}, output.WithSummary("Token refreshed successfully"))
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the auth token",
		Long: `Print the current session token to stdout for use with other tools.

If STUDIO_TOKEN is set and nothing is stored, it is returned as is.

Examples:
  export STUDIO_TOKEN=$(studio auth token)
  curl -H "Authorization: Bearer $(studio auth token)" ...

Output modes:
  studio auth token           # Raw token (default, for shell substitution)
  studio auth token --json    # JSON envelope with token in data field`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			token := app.Client.Session().Token()
			if token == "" {
				return output.ErrAuth("Not authenticated")
			}

			// Only use the JSON envelope when explicitly requested.
			if app.Flags.JSON {
				return app.OK(map[string]string{"token": token})
			}

			if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(f.Fd()) {
				fmt.Fprintf(os.Stderr, "Treat this token like a password.\n")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
