package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"swcache/internal/filter"
	"swcache/internal/logger"
)

type matchResult struct {
	URL   string `json:"url"`
	Match bool   `json:"match"`
}

func newMatchCommand(opts *rootOptions) *cobra.Command {
	var (
		method string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "match <url>...",
		Short: "Report which URLs the configured filters would cache",
		Long: "Report which URLs the configured filters would cache.\n\n" +
			"Path arguments resolve against server.origin. A rule without parsed is tested\n" +
			"against the full URL and, for origin URLs, the origin-relative path as well.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			origin, err := url.Parse(cfg.Server.Origin)
			if err != nil {
				return fmt.Errorf("server.origin: %w", err)
			}
			f := filter.New(logger.Discard(), filter.WithOrigin(origin))
			f.RegisterAll(cfg.Filters)

			results, err := matchURLs(f, strings.ToUpper(method), cfg.Server.Origin, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, r := range results {
				fmt.Fprintf(out, "%t\t%s\n", r.Match, r.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "request method")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// matchURLs resolves path-only arguments against origin before matching.
func matchURLs(f *filter.Filter, method, origin string, urls []string) ([]matchResult, error) {
	out := make([]matchResult, 0, len(urls))
	for _, u := range urls {
		if strings.HasPrefix(u, "/") {
			u = origin + u
		}
		r, err := http.NewRequest(method, u, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", u, err)
		}
		out = append(out, matchResult{URL: u, Match: f.Match(r)})
	}
	return out, nil
}
