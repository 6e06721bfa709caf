package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPrecacheCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "precache",
		Short: "Install the worker once, filling the cache from the configured manifest and assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := cfg.NewLogger()

			rt, w, closeStorage, err := bootstrap(cfg, log)
			if err != nil {
				return err
			}
			defer closeStorage()
			defer rt.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := rt.Start(ctx, w); err != nil {
				return err
			}
			keys, err := w.Cache().Keys(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries in %s\n", len(keys), w.Cache().Name())
			return nil
		},
	}
}
