package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basecamp/studio-cli/internal/api"
	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/notify"
	"github.com/basecamp/studio-cli/internal/output"
)

// NewStreamCmd creates the stream command for incremental responses.
func NewStreamCmd() *cobra.Command {
	var method string
	var flags requestFlags
	var limit int

	cmd := &cobra.Command{
		Use:   "stream <path>",
		Short: "Stream a long-running response",
		Long: `Open a streaming endpoint and print each chunk as it arrives.

Server-sent events are printed without their "data:" prefix, one payload per
line; newline-delimited JSON is printed line by line. Ctrl-C stops the
stream. Streams are never cached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			method = strings.ToUpper(method)
			if method != http.MethodGet && method != http.MethodPost {
				return output.ErrUsage("--method must be GET or POST")
			}
			opts, err := flags.options(method)
			if err != nil {
				return err
			}
			opts.Cache = api.CacheOff

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := app.Client.Stream(ctx, parsePath(args[0]), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			count, err := printChunks(ctx, cmd.OutOrStdout(), s, limit, !app.Flags.JSON && !app.Flags.Quiet)
			if err != nil && ctx.Err() == nil {
				return err
			}

			if ctx.Err() != nil {
				app.Sink.Notify(fmt.Sprintf("Stream interrupted after %d chunks", count), notify.Warning)
				return nil
			}
			app.Sink.Notify(fmt.Sprintf("Stream finished (%d chunks)", count), notify.Success)
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method (GET or POST)")
	cmd.Flags().StringVarP(&flags.data, "data", "d", "", "JSON request body, or @file to read it from a file")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "Attach the active platform key for this provider")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many chunks (0 for no limit)")

	return cmd
}

// printChunks copies chunks to w until the stream ends or limit is reached.
// With labels set, named SSE events are prefixed with their event name.
func printChunks(ctx context.Context, w io.Writer, s *api.Stream, limit int, labels bool) (int, error) {
	count := 0
	for chunk, err := range s.All(ctx) {
		if err != nil {
			return count, err
		}
		line := string(chunk.Data)
		if labels && chunk.Event != "" {
			line = chunk.Event + ": " + line
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return count, err
		}
		count++
		if limit > 0 && count >= limit {
			return count, nil
		}
	}
	return count, nil
}
