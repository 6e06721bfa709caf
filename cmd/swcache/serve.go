package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swcache/internal/cache"
	"swcache/internal/config"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/worker"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// bootstrap wires storage, fetcher, host runtime and worker from cfg.
func bootstrap(cfg config.Config, log *logger.Logger) (*host.Runtime, *worker.Worker, func() error, error) {
	storage, closeStorage, err := cfg.OpenStorage(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	fetcher := cache.NewHTTPFetcher(cfg.FetchTimeout())
	rt := host.New(cfg.HostConfig(), fetcher, log)
	w, err := worker.New(cfg.WorkerOptions(), rt, storage, fetcher, log)
	if err != nil {
		_ = closeStorage()
		return nil, nil, nil, fmt.Errorf("init worker: %w", err)
	}
	return rt, w, closeStorage, nil
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := cfg.NewLogger()

	rt, w, closeStorage, err := bootstrap(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			log.Warn("close storage", "err", err)
		}
	}()
	defer rt.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Requests pass straight through to the origin until the worker activates.
	go func() {
		if err := rt.Start(ctx, w); err != nil {
			log.Error("worker did not start, serving pass-through", "err", err)
		}
	}()

	go func() {
		log.Info("swcache listening", "addr", addr, "origin", cfg.Server.Origin, "storage", cfg.Storage.Backend)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
