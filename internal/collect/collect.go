// Package collect gathers execution traces from a live page. Each collector
// produces one trace slice keyed by its id.
package collect

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"greenaudit/internal/browser"
	"greenaudit/pkg/types"
)

// Collector ids.
const (
	TransferID       = "transfercollect"
	RedirectID       = "redirectcollect"
	ConsoleID        = "consolecollect"
	FailedTransferID = "failedtransfercollect"
	HTMLID           = "htmlcollect"
	PerformanceID    = "performancecollect"
	CookiesID        = "cookiescollect"
	RobotsID         = "robotscollect"
	MetaTagsID       = "metatagscollect"
	AssetsID         = "assetscollect"
	LazyMediaID      = "lazymediacollect"
)

// Settings are the per-run options every collector receives.
type Settings struct {
	// MaxNavigationTime bounds the browser's wait for the page to settle.
	MaxNavigationTime time.Duration
	// CollectGrace is the extra time a collector gets past MaxNavigationTime
	// to read bodies, cookies and metrics once navigation gave up waiting.
	CollectGrace time.Duration
	Streams      bool
}

// RunBudget is the total time a single collector run may take. Zero means
// unbounded.
func (s Settings) RunBudget() time.Duration {
	if s.MaxNavigationTime <= 0 {
		return 0
	}
	return s.MaxNavigationTime + max(s.CollectGrace, 0)
}

// RunFunc produces a trace slice. Returning (nil, nil) records the slice as
// absent; returning an error records it absent and keeps the error.
type RunFunc func(ctx context.Context, page browser.Page, settings Settings) (any, error)

// Collector pairs an id with the function that produces its slice.
type Collector struct {
	ID  string
	Run RunFunc
}

// RobotsSource resolves robots.txt for a site.
type RobotsSource interface {
	Trace(ctx context.Context, target *url.URL) (*types.RobotsTrace, error)
}

// EnergyChecker resolves the energy source of a host.
type EnergyChecker interface {
	Check(ctx context.Context, host string) (*types.EnergySource, error)
}

// Deps are the collaborators some collectors need. Nil fields disable the
// features that depend on them.
type Deps struct {
	Robots RobotsSource
	Energy EnergyChecker
	Logger *slog.Logger
}

// Defaults returns the standard collector registry.
func Defaults(deps Deps) []Collector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return []Collector{
		{ID: TransferID, Run: transferCollector(logger)},
		{ID: RedirectID, Run: redirectCollector(deps.Energy, logger)},
		{ID: ConsoleID, Run: collectConsole},
		{ID: FailedTransferID, Run: collectFailedTransfers},
		{ID: HTMLID, Run: collectHTML},
		{ID: PerformanceID, Run: collectPerformance},
		{ID: CookiesID, Run: collectCookies},
		{ID: RobotsID, Run: robotsCollector(deps.Robots)},
		{ID: MetaTagsID, Run: collectMetaTags},
		{ID: AssetsID, Run: collectAssets},
		{ID: LazyMediaID, Run: collectLazyMedia},
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
