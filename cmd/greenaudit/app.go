package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"greenaudit/internal/audit"
	"greenaudit/internal/browser"
	"greenaudit/internal/collect"
	"greenaudit/internal/config"
	"greenaudit/internal/engine"
	"greenaudit/internal/fetcher"
	"greenaudit/internal/greencheck"
	"greenaudit/internal/robots"
	"greenaudit/internal/scheduler"
	"greenaudit/internal/storage"
)

// app holds the long-lived collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	launcher *browser.ChromeLauncher
	store    *storage.ReportStore
	engine   *engine.Engine
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig, debug bool, out io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}

// newApp starts Chrome, opens storage when configured and assembles the
// engine. persist=false skips storage even when a driver is configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	deps, err := collectorDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(collect.Defaults(deps), audit.Defaults(audit.OptionsFromConfig(cfg.Scoring)), logger)
	if err != nil {
		return nil, fmt.Errorf("build audit registry: %w", err)
	}

	a.launcher, err = browser.NewChromeLauncher(ctx, browser.LaunchOptions{
		ExecPath:           cfg.Browser.ExecPath,
		DisableHeadless:    cfg.Browser.DisableHeadless,
		ConcurrentSessions: cfg.Browser.ConcurrentSessions,
		Flags:              cfg.Browser.Flags,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	var saver engine.ReportSaver
	if persist && cfg.Storage.Driver != "" {
		a.store, err = storage.Open(ctx, cfg.Storage)
		if err != nil {
			_ = a.launcher.Close()
			return nil, fmt.Errorf("open report storage: %w", err)
		}
		saver = a.store
	}

	a.engine, err = engine.New(engine.Options{
		Launcher:  a.launcher,
		Scheduler: sched,
		Page:      engine.PageOptionsFromConfig(cfg.Browser),
		Store:     saver,
		Logger:    logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func collectorDeps(cfg *config.Config, logger *slog.Logger) (collect.Deps, error) {
	deps := collect.Deps{Logger: logger}

	robotsFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Robots.UserAgent,
		Timeout:      cfg.Robots.Timeout.Duration,
		MaxBodyBytes: cfg.Robots.MaxBodyBytes,
	})
	if err != nil {
		return deps, fmt.Errorf("robots fetcher: %w", err)
	}
	deps.Robots = robots.NewAgent(cfg.Robots, robotsFetcher)

	if cfg.GreenCheck.Enabled {
		greenFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
			UserAgent: cfg.Robots.UserAgent,
			Timeout:   cfg.GreenCheck.Timeout.Duration,
			Headers:   map[string]string{"Accept": "application/json"},
		})
		if err != nil {
			return deps, fmt.Errorf("greencheck fetcher: %w", err)
		}
		deps.Energy = greencheck.NewClient(cfg.GreenCheck, greenFetcher, logger)
	}
	return deps, nil
}

// Close releases the browser and the database.
func (a *app) Close() error {
	var errs []error
	if a.launcher != nil {
		errs = append(errs, a.launcher.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
