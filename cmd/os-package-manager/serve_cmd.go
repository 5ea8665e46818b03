package main

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/os-package-manager/internal/api"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// Serve command flags
var listenAddr string

// createServeCommand creates the serve subcommand
func createServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve the package manager over HTTP",
		Long: `Serve exposes status, search, info, install, remove and index refresh
under /api/packages and Prometheus metrics under /metrics. The package index
is refreshed at startup and then on the configured sync interval.`,
		Args: cobra.NoArgs,
		RunE: executeServe,
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from configuration)")
	return serveCmd
}

func executeServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if changed(cmd.Flags(), "listen") {
		cfg.API.Listen = listenAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newManagerFromConfig(cfg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	defer wg.Wait()

	srv := api.New(m, api.Options{
		RateLimit:   cfg.API.RateLimit,
		Burst:       cfg.API.Burst,
		MaxInFlight: cfg.Workers,
		Metrics:     m.Metrics(),
	})
	err = srv.ListenAndServe(ctx, cfg.API.Listen)
	stop()
	if err != nil {
		return err
	}
	log.Infof("server stopped")
	return nil
}
