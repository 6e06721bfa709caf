package main

import (
	"github.com/spf13/cobra"

	"swcache/internal/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "swcache",
		Short:         "Cache-first proxy with request filters and precaching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPrecacheCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	return cmd
}
