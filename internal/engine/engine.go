// Package engine is the audit entry point: it acquires pages, runs the cold
// redirect check and the scheduler, and assembles the report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"greenaudit/internal/audit"
	"greenaudit/internal/browser"
	"greenaudit/internal/collect"
	"greenaudit/internal/config"
	"greenaudit/internal/report"
	"greenaudit/internal/scheduler"
)

// Settings are the per-run options.
type Settings struct {
	// ID tags stream chunks and the stored report. A random id is used for
	// the report when empty.
	ID                string
	Streams           bool
	ColdRun           bool
	MaxNavigationTime time.Duration
	// CollectGrace extends each collector's budget past MaxNavigationTime.
	CollectGrace       time.Duration
	PipeTerminateOnEnd bool
	// Sink receives audit and done chunks when Streams is set.
	Sink report.Sink
}

// SettingsFromConfig returns the configured run defaults.
func SettingsFromConfig(cfg config.AuditConfig) Settings {
	return Settings{
		Streams:            cfg.Streams,
		ColdRun:            cfg.ColdRun,
		MaxNavigationTime:  cfg.MaxNavigationTime.Duration,
		CollectGrace:       cfg.CollectGrace.Duration,
		PipeTerminateOnEnd: cfg.PipeTerminateOnEnd,
	}
}

// ReportSaver persists finished reports.
type ReportSaver interface {
	SaveReport(ctx context.Context, rep *report.Report) error
}

// Options wires an Engine.
type Options struct {
	Launcher  browser.Launcher
	Scheduler *scheduler.Scheduler
	// Page is the emulation applied to every page. NavigationTimeout is
	// overridden per run by Settings.MaxNavigationTime.
	Page   browser.PageOptions
	Store  ReportSaver
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine runs audits. It is safe for concurrent use; runs share no state.
type Engine struct {
	launcher  browser.Launcher
	scheduler *scheduler.Scheduler
	page      browser.PageOptions
	store     ReportSaver
	logger    *slog.Logger
	now       func() time.Time
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Launcher == nil {
		return nil, errors.New("engine: launcher is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("engine: scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		launcher:  opts.Launcher,
		scheduler: opts.Scheduler,
		page:      opts.Page,
		store:     opts.Store,
		logger:    logger.With("component", "engine"),
		now:       now,
	}, nil
}

// Audit runs every registered audit against rawURL. Only setup failures are
// returned as errors; collector and audit failures end up in the report.
func (e *Engine) Audit(ctx context.Context, rawURL string, settings Settings) (*report.Report, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		metricRuns.WithLabelValues("invalid").Inc()
		return nil, err
	}
	runID := settings.ID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := e.logger.With("run_id", runID, "url", target)
	started := e.now()

	var comments []string
	if settings.ColdRun {
		if redirect := e.coldRun(ctx, target, settings, logger); redirect != "" && redirect != target {
			comments = append(comments, fmt.Sprintf(
				"Warning: The tested URL (%s) was redirected to (%s). Please, next time test the second URL directly.",
				target, redirect))
			logger.Info("cold run found redirect", "redirect", redirect)
			target = redirect
		}
	}

	page, err := e.launcher.NewPage(ctx, target, e.pageOptions(settings, false))
	if err != nil {
		metricRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logger.Warn("close page", "error", cerr)
		}
	}()

	mode := scheduler.Batch
	var onResult func(audit.Result)
	sink := settings.Sink
	if settings.Streams {
		mode = scheduler.Streaming
		if sink != nil {
			total := len(e.scheduler.Audits())
			onResult = func(res audit.Result) {
				sink.Push(report.AuditChunk(settings.ID, res, total))
			}
		}
	}

	results := e.scheduler.Run(ctx, page, collect.Settings{
		MaxNavigationTime: settings.MaxNavigationTime,
		CollectGrace:      settings.CollectGrace,
		Streams:           settings.Streams,
	}, mode, onResult)

	rep := report.Build(results, report.Meta{
		ID:         runID,
		URL:        target,
		StartedAt:  started.UTC(),
		DurationMs: e.now().Sub(started).Milliseconds(),
	})
	if len(comments) > 0 {
		rep.Comments = comments
	}

	if settings.Streams && sink != nil {
		sink.Push(report.DoneChunk(settings.ID, rep))
		if settings.PipeTerminateOnEnd {
			sink.End()
		}
	}

	if e.store != nil {
		if err := e.store.SaveReport(ctx, rep); err != nil {
			logger.Error("persist report", "error", err)
		}
	}

	pass, fail, skip := rep.Totals()
	metricRuns.WithLabelValues("ok").Inc()
	metricGlobalScore.Observe(rep.GlobalScore)
	logger.Info("audit finished",
		"global_score", rep.GlobalScore,
		"pass", pass, "fail", fail, "skip", skip,
		"duration_ms", rep.Meta.DurationMs,
	)
	return rep, nil
}

// coldRun navigates a script-disabled page and reports the first redirect
// target. Failures are logged and yield "".
func (e *Engine) coldRun(ctx context.Context, target string, settings Settings, logger *slog.Logger) string {
	runCtx := ctx
	budget := collect.Settings{MaxNavigationTime: settings.MaxNavigationTime, CollectGrace: settings.CollectGrace}.RunBudget()
	if budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	page, err := e.launcher.NewPage(runCtx, target, e.pageOptions(settings, true))
	if err != nil {
		logger.Warn("cold run page", "error", err)
		return ""
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logger.Warn("close cold run page", "error", cerr)
		}
	}()

	redirect, err := browser.FirstRedirect(runCtx, page)
	if err != nil {
		logger.Warn("cold run navigation", "error", err)
	}
	return redirect
}

func (e *Engine) pageOptions(settings Settings, cold bool) browser.PageOptions {
	opts := e.page
	if settings.MaxNavigationTime > 0 {
		opts.NavigationTimeout = settings.MaxNavigationTime
	}
	if cold {
		opts.DisableScripts = true
	}
	return opts
}

func parseTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q: missing host", raw)
	}
	return u.String(), nil
}

// PageOptionsFromConfig maps the browser section onto page emulation.
func PageOptionsFromConfig(cfg config.BrowserConfig) browser.PageOptions {
	opts := browser.PageOptions{
		UserAgent:    cfg.UserAgent,
		Viewport:     browser.Viewport{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height},
		DisableCache: true,
	}
	if !cfg.Geolocation.Disabled {
		opts.Location = &browser.Location{
			Latitude:  cfg.Geolocation.Latitude,
			Longitude: cfg.Geolocation.Longitude,
			Accuracy:  cfg.Geolocation.Accuracy,
		}
	}
	return opts
}
