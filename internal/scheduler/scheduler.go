// Package scheduler runs collectors and audits for one page. Every collector
// runs at most once per run and every audit is evaluated exactly once, after
// all of its collectors have settled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"greenaudit/internal/audit"
	"greenaudit/internal/browser"
	"greenaudit/internal/collect"
	"greenaudit/internal/trace"
)

var (
	// ErrUnknownCollector is returned when an audit requires an unregistered collector.
	ErrUnknownCollector = errors.New("unknown collector")
	// ErrDuplicateID is returned when two collectors or two audits share an id.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrUnknownCategory is returned when an audit's category is not a
	// report category.
	ErrUnknownCategory = errors.New("unknown audit category")
	// ErrNoCollectors is returned when an audit declares no collectors.
	ErrNoCollectors = errors.New("audit requires no collectors")
)

// Mode selects how a run is scheduled.
type Mode int

const (
	// Batch runs every collector, merges the slices, then evaluates audits.
	Batch Mode = iota
	// Streaming releases each audit as soon as its own collectors settle.
	Streaming
)

func (m Mode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "batch"
}

// Scheduler holds a validated registry. It keeps no per-run state and may
// serve concurrent runs.
type Scheduler struct {
	collectors []collect.Collector
	audits     []audit.Audit
	plan       [][]collect.Collector
	logger     *slog.Logger
}

// New validates the registry and resolves, for every audit, the collectors
// it waits on.
func New(collectors []collect.Collector, audits []audit.Audit, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]collect.Collector, len(collectors))
	for _, c := range collectors {
		if c.ID == "" || c.Run == nil {
			return nil, fmt.Errorf("collector %q is incomplete", c.ID)
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("collector %q: %w", c.ID, ErrDuplicateID)
		}
		byID[c.ID] = c
	}

	seen := make(map[string]struct{}, len(audits))
	plan := make([][]collect.Collector, len(audits))
	for i, a := range audits {
		if a.ID == "" || a.Evaluate == nil {
			return nil, fmt.Errorf("audit %q is incomplete", a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("audit %q: %w", a.ID, ErrDuplicateID)
		}
		seen[a.ID] = struct{}{}
		if !a.Category.Valid() {
			return nil, fmt.Errorf("audit %q category %q: %w", a.ID, a.Category, ErrUnknownCategory)
		}
		if len(a.Collectors) == 0 {
			return nil, fmt.Errorf("audit %q: %w", a.ID, ErrNoCollectors)
		}
		required := make([]collect.Collector, 0, len(a.Collectors))
		listed := make(map[string]struct{}, len(a.Collectors))
		for _, id := range a.Collectors {
			c, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("audit %q requires %q: %w", a.ID, id, ErrUnknownCollector)
			}
			if _, dup := listed[id]; dup {
				continue
			}
			listed[id] = struct{}{}
			required = append(required, c)
		}
		plan[i] = required
	}

	return &Scheduler{
		collectors: append([]collect.Collector(nil), collectors...),
		audits:     append([]audit.Audit(nil), audits...),
		plan:       plan,
		logger:     logger.With("component", "scheduler"),
	}, nil
}

// Audits returns the registered audits in registration order.
func (s *Scheduler) Audits() []audit.Audit {
	return append([]audit.Audit(nil), s.audits...)
}

// Run executes one audit pass against page and returns one result per
// registered audit, in registration order. In streaming mode onResult is
// called as each audit completes; it may be called concurrently.
func (s *Scheduler) Run(ctx context.Context, page browser.Page, settings collect.Settings, mode Mode, onResult func(audit.Result)) []audit.Result {
	logger := s.logger.With("url", page.URL(), "mode", mode.String())
	start := time.Now()
	var results []audit.Result
	if mode == Streaming {
		results = s.runStreaming(ctx, page, settings, onResult, logger)
	} else {
		results = s.runBatch(ctx, page, settings, logger)
	}
	for _, res := range results {
		recordAudit(res)
	}
	logger.Info("audit pass finished", "audits", len(results), "elapsed_ms", time.Since(start).Milliseconds())
	return results
}

func (s *Scheduler) runBatch(ctx context.Context, page browser.Page, settings collect.Settings, logger *slog.Logger) []audit.Result {
	bundles := make([]trace.Bundle, len(s.collectors))
	var g errgroup.Group
	for i, c := range s.collectors {
		g.Go(func() error {
			value, err := s.execute(ctx, page, settings, c, logger)
			bundles[i] = trace.Bundle{c.ID: {Value: value, Err: err}}
			return nil
		})
	}
	_ = g.Wait()

	merged := trace.Merge(bundles...)
	results := make([]audit.Result, len(s.audits))
	for i, a := range s.audits {
		results[i] = audit.Run(ctx, a, merged)
	}
	return results
}

// run is the state of one streaming pass: the trace store, which collectors
// have been claimed, and a channel per collector closed once its slice lands.
type run struct {
	store   *trace.Store
	mu      sync.Mutex
	started map[string]bool
	settled map[string]chan struct{}
	workers sync.WaitGroup
}

func newRun(collectors []collect.Collector) *run {
	settled := make(map[string]chan struct{}, len(collectors))
	for _, c := range collectors {
		settled[c.ID] = make(chan struct{})
	}
	return &run{
		store:   trace.NewStore(),
		started: make(map[string]bool, len(collectors)),
		settled: settled,
	}
}

// claim marks the collectors nobody has started yet as started and returns
// them. Marking happens before any of them runs.
func (r *run) claim(required []collect.Collector) []collect.Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []collect.Collector
	for _, c := range required {
		if r.started[c.ID] {
			continue
		}
		r.started[c.ID] = true
		claimed = append(claimed, c)
	}
	return claimed
}

func (s *Scheduler) runStreaming(ctx context.Context, page browser.Page, settings collect.Settings, onResult func(audit.Result), logger *slog.Logger) []audit.Result {
	state := newRun(s.collectors)
	results := make([]audit.Result, len(s.audits))

	var g errgroup.Group
	for i, a := range s.audits {
		g.Go(func() error {
			res := s.streamAudit(ctx, state, page, settings, a, s.plan[i], logger)
			results[i] = res
			if onResult != nil {
				onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()
	state.workers.Wait()
	return results
}

func (s *Scheduler) streamAudit(ctx context.Context, state *run, page browser.Page, settings collect.Settings, a audit.Audit, required []collect.Collector, logger *slog.Logger) audit.Result {
	for _, c := range state.claim(required) {
		state.workers.Add(1)
		go func() {
			defer state.workers.Done()
			value, err := s.execute(ctx, page, settings, c, logger)
			state.store.Write(c.ID, value, err)
			close(state.settled[c.ID])
		}()
	}

	for _, c := range required {
		select {
		case <-state.settled[c.ID]:
		case <-ctx.Done():
			return audit.SkipResult(a, fmt.Sprintf("run cancelled before %s settled: %v", c.ID, ctx.Err()))
		}
	}
	return audit.Run(ctx, a, state.store.Snapshot())
}

type collected struct {
	value any
	err   error
}

// execute runs one collector bounded by the settings' run budget, which
// outlasts the browser's own navigation timeout. Errors, panics and timeouts
// all yield a nil value with the cause.
func (s *Scheduler) execute(ctx context.Context, page browser.Page, settings collect.Settings, c collect.Collector, logger *slog.Logger) (any, error) {
	runCtx := ctx
	if budget := settings.RunBudget(); budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	start := time.Now()
	done := make(chan collected, 1)
	go func() {
		value, err := safeRun(runCtx, page, settings, c)
		done <- collected{value: value, err: err}
	}()

	var out collected
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = collected{err: fmt.Errorf("collector %s: %w", c.ID, runCtx.Err())}
	}
	if out.err != nil || trace.IsNil(out.value) {
		out.value = nil
	}

	elapsed := time.Since(start)
	switch {
	case out.err != nil:
		recordCollector(c.ID, "failed", elapsed)
		logger.Warn("collector failed", "collector", c.ID, "error", out.err, "elapsed_ms", elapsed.Milliseconds())
	case out.value == nil:
		recordCollector(c.ID, "absent", elapsed)
		logger.Debug("collector recorded absent", "collector", c.ID)
	default:
		recordCollector(c.ID, "ok", elapsed)
		logger.Debug("collector finished", "collector", c.ID, "elapsed_ms", elapsed.Milliseconds())
	}
	return out.value, out.err
}

func safeRun(ctx context.Context, page browser.Page, settings collect.Settings, c collect.Collector) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("collector %s panicked: %v", c.ID, r)
		}
	}()
	return c.Run(ctx, page, settings)
}
