package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/version"
)

// NewVersionCmd creates the version command. It runs without an App, so it
// works even when configuration fails to load.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, version.Full()); err != nil {
				return err
			}
			if !version.IsDev() {
				_, err := fmt.Fprintf(out, "commit %s, built %s\n", version.Commit, version.Date)
				return err
			}
			return nil
		},
	}
}
