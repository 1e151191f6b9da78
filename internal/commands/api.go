package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basecamp/studio-cli/internal/api"
	"github.com/basecamp/studio-cli/internal/appctx"
	"github.com/basecamp/studio-cli/internal/output"
)

// maxParallelGets bounds concurrent requests for `api get` with several paths.
const maxParallelGets = 4

// requestFlags are shared by every api verb.
type requestFlags struct {
	data     string
	noCache  bool
	cache    bool
	cacheTTL time.Duration
	provider string
	jq       string
}

func (f *requestFlags) register(cmd *cobra.Command, withBody bool) {
	if withBody {
		cmd.Flags().StringVarP(&f.data, "data", "d", "", "JSON request body, or @file to read it from a file")
	}
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Never answer from or write to the cache")
	cmd.Flags().BoolVar(&f.cache, "cache", false, "Treat the call as an idempotent read and cache it")
	cmd.Flags().DurationVar(&f.cacheTTL, "cache-ttl", 0, "Cache lifetime for this call (default from config)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Attach the active platform key for this provider")
	cmd.Flags().StringVar(&f.jq, "jq", "", "Filter the response with a jq expression")
}

// options builds the client options for method from the flags.
func (f *requestFlags) options(method string) (api.Options, error) {
	opts := api.Options{
		Method:   method,
		CacheTTL: f.cacheTTL,
		Provider: f.provider,
	}

	switch {
	case f.noCache && f.cache:
		return opts, output.ErrUsage("--cache and --no-cache cannot be combined")
	case f.noCache:
		opts.Cache = api.CacheOff
	case f.cache:
		opts.Cache = api.CacheOn
	}

	if f.data != "" {
		body, err := readBody(f.data)
		if err != nil {
			return opts, err
		}
		opts.Body = body
	}
	return opts, nil
}

// readBody validates a --data value as JSON. A leading @ names a file.
func readBody(data string) (json.RawMessage, error) {
	raw := []byte(data)
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, output.ErrUsageHint("Cannot read --data file", err.Error())
		}
		raw = b
	}
	if !json.Valid(raw) {
		var probe any
		err := json.Unmarshal(raw, &probe)
		return nil, output.ErrUsageHint(
			"Invalid JSON data",
			fmt.Sprintf("JSON parse error: %v", err),
		)
	}
	return json.RawMessage(raw), nil
}

// NewAPICmd creates the api command for raw API access.
func NewAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api <verb> <path>",
		Short: "Raw API access",
		Long: `Make raw requests to any studio service endpoint.

Paths are relative to the configured host. The session token is attached
automatically and a 401 triggers a single shared token refresh.`,
	}

	cmd.AddCommand(
		newAPIGetCmd(),
		newAPIBodyCmd(http.MethodPost),
		newAPIBodyCmd(http.MethodPut),
		newAPIDeleteCmd(),
	)

	return cmd
}

func newAPIGetCmd() *cobra.Command {
	var flags requestFlags
	var all bool

	cmd := &cobra.Command{
		Use:   "get <path> [path...]",
		Short: "GET request to API",
		Long: `Make a GET request to one or more endpoints.

Several paths are fetched concurrently and printed as an array in the order
given. --all follows Link: rel="next" headers and concatenates the pages.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			opts, err := flags.options(http.MethodGet)
			if err != nil {
				return err
			}

			if all {
				if len(args) > 1 {
					return output.ErrUsage("--all takes a single path")
				}
				items, err := app.Client.GetAll(cmd.Context(), parsePath(args[0]))
				if err != nil {
					return err
				}
				raw, err := json.Marshal(items)
				if err != nil {
					return err
				}
				return respond(cmd.Context(), app, raw, flags.jq, fmt.Sprintf("%d items", len(items)))
			}

			if len(args) == 1 {
				resp, err := app.Client.Do(cmd.Context(), parsePath(args[0]), opts)
				if err != nil {
					return err
				}
				return respond(cmd.Context(), app, resp.Data, flags.jq, apiSummary(resp.Data), responseMeta(resp)...)
			}

			results, err := fetchAll(cmd.Context(), app.Client, args, opts)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(results)
			if err != nil {
				return err
			}
			return respond(cmd.Context(), app, raw, flags.jq, fmt.Sprintf("%d responses", len(results)))
		},
	}

	flags.register(cmd, false)
	cmd.Flags().BoolVar(&all, "all", false, "Follow pagination and return every page")

	return cmd
}

// fetchAll GETs every path concurrently and returns the bodies in argument
// order. The first failure cancels the rest.
func fetchAll(ctx context.Context, client *api.Client, paths []string, opts api.Options) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelGets)
	for i, p := range paths {
		g.Go(func() error {
			resp, err := client.Do(gctx, parsePath(p), opts)
			if err != nil {
				return err
			}
			results[i] = resp.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newAPIBodyCmd(method string) *cobra.Command {
	var flags requestFlags
	verb := strings.ToLower(method)

	cmd := &cobra.Command{
		Use:   verb + " <path>",
		Short: method + " request to API",
		Long:  fmt.Sprintf("Make a %s request with a JSON body to any studio endpoint.", method),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())

			if flags.data == "" {
				return output.ErrUsage("--data is required")
			}
			opts, err := flags.options(method)
			if err != nil {
				return err
			}

			path := parsePath(args[0])
			resp, err := app.Client.Do(cmd.Context(), path, opts)
			if err != nil {
				return err
			}

			summary := fmt.Sprintf("%s %s: %s", method, path, apiSummary(resp.Data))
			return respond(cmd.Context(), app, resp.Data, flags.jq, summary, responseMeta(resp)...)
		},
	}

	flags.register(cmd, true)

	return cmd
}

func newAPIDeleteCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "DELETE request to API",
		Long:  "Make a DELETE request to any studio endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			opts, err := flags.options(http.MethodDelete)
			if err != nil {
				return err
			}

			path := parsePath(args[0])
			resp, err := app.Client.Do(cmd.Context(), path, opts)
			if err != nil {
				return err
			}

			// Handle empty response (204 No Content)
			data := resp.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}

			return respond(cmd.Context(), app, data, flags.jq, fmt.Sprintf("DELETE %s", path), responseMeta(resp)...)
		},
	}

	flags.register(cmd, false)

	return cmd
}

// respond prints data, filtered through expr when one is given.
func respond(ctx context.Context, app *appctx.App, data json.RawMessage, expr, summary string, opts ...output.ResponseOption) error {
	opts = append(opts, output.WithSummary(summary))
	if expr == "" {
		return app.OK(data, opts...)
	}
	filtered, err := filterJQ(ctx, expr, data)
	if err != nil {
		return err
	}
	return app.OK(filtered, opts...)
}

// filterJQ runs a jq expression over data. A single result is returned as
// is; several results are returned as a slice.
func filterJQ(ctx context.Context, expr string, data json.RawMessage) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, output.ErrUsageHint("Invalid --jq expression", err.Error())
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, output.ErrUsageHint("Invalid --jq expression", err.Error())
	}

	var input any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, output.ErrParse("Response is not JSON", err)
		}
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, output.ErrUsageHint("jq filter failed", err.Error())
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// responseMeta reports how a response was produced.
func responseMeta(resp *api.Response) []output.ResponseOption {
	var opts []output.ResponseOption
	if resp.FromCache {
		opts = append(opts, output.WithMeta("from_cache", true))
	}
	if resp.Replayed {
		opts = append(opts, output.WithMeta("replayed", true))
	}
	return opts
}

// parsePath normalizes a path argument. Absolute URLs pass through so the
// client can decide whether the session token applies.
func parsePath(input string) string {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return input
	}

	// Ensure leading slash
	if !strings.HasPrefix(input, "/") {
		input = "/" + input
	}
	return input
}

// apiSummary generates a summary from the API response.
func apiSummary(data []byte) string {
	// Check if array response
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		return fmt.Sprintf("%d items", len(arr))
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "API response"
	}

	title := ""
	for _, key := range []string{"name", "title", "status"} {
		if v, ok := obj[key].(string); ok && v != "" {
			title = v
			break
		}
	}

	// Truncate title if too long
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	if id, ok := obj["id"]; ok && title != "" {
		return fmt.Sprintf("#%v: %s", id, title)
	}
	if title != "" {
		return title
	}
	return "API response"
}
