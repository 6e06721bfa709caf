package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"swcache/internal/cache"
)

func newClearCommand(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry of a cache bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if name == "" {
				name = cfg.Worker.CacheName
			}
			log := cfg.NewLogger()

			storage, closeStorage, err := cfg.OpenStorage(log)
			if err != nil {
				return err
			}
			defer closeStorage()

			e, err := cache.New(name, storage, cache.NewHTTPFetcher(cfg.FetchTimeout()), cache.WithLogger(log))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			keys, err := e.Keys(ctx)
			if err != nil {
				return err
			}
			if err := e.ClearCache(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries from %s\n", len(keys), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "cache", "", "bucket name (defaults to worker.cacheName)")
	return cmd
}
