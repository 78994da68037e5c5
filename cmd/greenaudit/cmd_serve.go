package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"greenaudit/internal/api"
	"greenaudit/internal/config"
	"greenaudit/internal/engine"
)

func newServeCommand(global *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit HTTP API",
		Long: `Serve the audit HTTP API.

Endpoints:
  GET  /health               liveness
  POST /api/audits           run an audit, return the report
  GET  /api/audits/stream    run an audit, stream results as server-sent events
  GET  /api/reports          list stored reports
  GET  /api/reports/{id}     load one stored report
  GET  /metrics              Prometheus metrics
  GET  /docs                 OpenAPI viewer

When --config points at a file, audit defaults are reloaded whenever it
changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, global, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (defaults to the config value)")
	return cmd
}

func runServe(cmd *cobra.Command, global *globalFlags, addr string) error {
	cfg, err := loadConfig(global.configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging, global.debug, os.Stdout)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()

	opts := api.Options{
		Auditor:  a.engine,
		Defaults: engine.SettingsFromConfig(cfg.Audit),
		Server:   cfg.Server,
		Logger:   logger,
	}
	if a.store != nil {
		opts.Reports = a.store
	}
	server := api.NewServer(opts)

	if global.configPath != "" {
		go func() {
			err := config.Watch(ctx, global.configPath, logger, func(next *config.Config) {
				server.SetDefaults(engine.SettingsFromConfig(next.Audit))
				logger.Info("audit defaults reloaded")
			})
			if err != nil {
				logger.Error("config watch stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", addr, "max_concurrent_audits", cfg.Server.MaxConcurrentAudits)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("api server stopped")
	return nil
}
