package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenaudit/internal/audit"
	"greenaudit/internal/browser"
	"greenaudit/internal/browser/browsertest"
	"greenaudit/internal/collect"
	"greenaudit/internal/config"
	"greenaudit/internal/report"
	"greenaudit/internal/scheduler"
	"greenaudit/internal/trace"
)

type memoryStore struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (m *memoryStore) SaveReport(_ context.Context, rep *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, rep)
	return nil
}

func documentEvents(url string) []browser.Event {
	return []browser.Event{
		browser.RequestEvent{RequestID: "1", URL: url, Method: "GET", ResourceType: "document", IsNavigation: true},
		browser.ResponseEvent{RequestID: "1", URL: url, Status: 200, Protocol: "h2", Headers: map[string]string{"content-type": "text/html"}},
		browser.LoadingFinishedEvent{RequestID: "1", EncodedDataLength: 2048},
	}
}

func testScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	requests := collect.Collector{ID: "requests", Run: func(ctx context.Context, page browser.Page, _ collect.Settings) (any, error) {
		var mu sync.Mutex
		count := 0
		unsubscribe := page.Subscribe(func(evt browser.Event) {
			if _, ok := evt.(browser.RequestEvent); ok {
				mu.Lock()
				count++
				mu.Unlock()
			}
		})
		defer unsubscribe()
		if err := page.Navigate(ctx); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		return count, nil
	}}
	fewRequests := audit.Audit{
		ID:           "fewrequests",
		Title:        "Makes few requests",
		FailureTitle: "Makes too many requests",
		Category:     audit.Server,
		Collectors:   []string{"requests"},
		Evaluate: func(_ context.Context, b trace.Bundle) (audit.Outcome, error) {
			n, err := trace.Lookup[int](b, "requests")
			if err != nil {
				return audit.Outcome{}, err
			}
			return audit.BinaryOutcome(n <= 5, n), nil
		},
	}
	alwaysSkips := audit.Audit{
		ID:         "alwaysskips",
		Category:   audit.Design,
		Collectors: []string{"requests"},
		Evaluate: func(context.Context, trace.Bundle) (audit.Outcome, error) {
			return audit.Skipped("nothing to check"), nil
		},
	}
	s, err := scheduler.New([]collect.Collector{requests}, []audit.Audit{fewRequests, alwaysSkips}, nil)
	require.NoError(t, err)
	return s
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(250 * time.Millisecond)
		return current
	}
}

func newTestEngine(t *testing.T, launcher *browsertest.Launcher, store ReportSaver) *Engine {
	t.Helper()
	eng, err := New(Options{
		Launcher:  launcher,
		Scheduler: testScheduler(t),
		Page:      PageOptionsFromConfig(config.Default().Browser),
		Store:     store,
		Now:       fixedClock(),
	})
	require.NoError(t, err)
	return eng
}

func TestAuditBatch(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}
	store := &memoryStore{}
	eng := newTestEngine(t, launcher, store)

	rep, err := eng.Audit(context.Background(), "https://example.com/", Settings{ID: "run-1", MaxNavigationTime: time.Second})
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.Meta.ID)
	assert.Equal(t, "https://example.com/", rep.Meta.URL)
	assert.EqualValues(t, 250, rep.Meta.DurationMs)
	assert.Empty(t, rep.Comments)
	require.Len(t, rep.Categories, 2)
	require.Len(t, rep.Categories[0].Audits.Pass, 1)
	assert.Equal(t, "Makes few requests", rep.Categories[0].Audits.Pass[0].Meta.Title)
	assert.Nil(t, rep.Categories[1].Score)
	assert.Equal(t, 1.0, rep.GlobalScore)

	opened := launcher.Opened()
	require.Len(t, opened, 1)
	assert.True(t, opened[0].Page.Closed())
	assert.Equal(t, 1, opened[0].Page.Navigations())
	assert.Equal(t, time.Second, opened[0].Options.NavigationTimeout)
	assert.False(t, opened[0].Options.DisableScripts)
	require.NotNil(t, opened[0].Options.Location)

	require.Len(t, store.reports, 1)
	assert.Same(t, rep, store.reports[0])
}

func TestAuditSlowPageKeepsTraces(t *testing.T) {
	const navigation = 100 * time.Millisecond
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		page := browsertest.NewPage(url, documentEvents(url)...)
		page.NavigateDelay = navigation
		return page, nil
	}}
	eng := newTestEngine(t, launcher, nil)

	settings := SettingsFromConfig(config.Default().Audit)
	assert.Equal(t, 15*time.Second, settings.CollectGrace)
	settings.MaxNavigationTime = navigation
	settings.ColdRun = false
	settings.CollectGrace = time.Second

	rep, err := eng.Audit(context.Background(), "https://example.com/", settings)
	require.NoError(t, err)
	require.Len(t, rep.Categories[0].Audits.Pass, 1)
	assert.Equal(t, "Makes few requests", rep.Categories[0].Audits.Pass[0].Meta.Title)
}

func TestAuditGeneratesRunID(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}
	rep, err := newTestEngine(t, launcher, nil).Audit(context.Background(), "https://example.com/", Settings{})
	require.NoError(t, err)
	assert.Len(t, rep.Meta.ID, 36)
}

func TestAuditStreaming(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}
	eng := newTestEngine(t, launcher, nil)
	pipe := report.NewPipe()

	rep, err := eng.Audit(context.Background(), "https://example.com/", Settings{
		ID:                 "stream-1",
		Streams:            true,
		PipeTerminateOnEnd: true,
		Sink:               pipe,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = report.WriteTo(context.Background(), &buf, pipe)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var chunks []report.ChunkMeta
	for _, line := range lines {
		var c struct {
			Meta report.ChunkMeta `json:"meta"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &c))
		chunks = append(chunks, c.Meta)
	}
	assert.Equal(t, report.ChunkMeta{ID: "stream-1", Status: report.StatusAudit, Total: 2}, chunks[0])
	assert.Equal(t, report.StatusAudit, chunks[1].Status)
	assert.Equal(t, report.ChunkMeta{ID: "stream-1", Status: report.StatusDone}, chunks[2])

	var done struct {
		Audit report.Report `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &done))
	assert.Equal(t, rep.GlobalScore, done.Audit.GlobalScore)
}

func TestAuditStreamingKeepsPipeOpen(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}
	var mu sync.Mutex
	var statuses []report.Status
	sink := report.SinkFunc(func(c report.Chunk) {
		mu.Lock()
		statuses = append(statuses, c.Meta.Status)
		mu.Unlock()
	})

	_, err := newTestEngine(t, launcher, nil).Audit(context.Background(), "https://example.com/", Settings{Streams: true, Sink: sink})
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, report.StatusDone, statuses[2])
}

func TestAuditColdRunFollowsRedirect(t *testing.T) {
	const start = "http://example.com/"
	const canonical = "https://www.example.com/"
	launcher := &browsertest.Launcher{New: func(url string, opts browser.PageOptions) (*browsertest.Page, error) {
		if opts.DisableScripts {
			return browsertest.NewPage(url,
				browser.RequestEvent{RequestID: "1", URL: start, ResourceType: "document", IsNavigation: true},
				browser.ResponseEvent{RequestID: "1", URL: start, Status: 301},
				browser.RequestEvent{RequestID: "1", URL: canonical, ResourceType: "document", IsNavigation: true, RedirectFrom: start, RedirectCode: 301},
			), nil
		}
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}

	rep, err := newTestEngine(t, launcher, nil).Audit(context.Background(), start, Settings{ColdRun: true})
	require.NoError(t, err)

	require.Len(t, rep.Comments, 1)
	assert.Equal(t, "Warning: The tested URL (http://example.com/) was redirected to (https://www.example.com/). Please, next time test the second URL directly.", rep.Comments[0])
	assert.Equal(t, canonical, rep.Meta.URL)

	opened := launcher.Opened()
	require.Len(t, opened, 2)
	assert.True(t, opened[0].Options.DisableScripts)
	assert.Equal(t, start, opened[0].URL)
	assert.True(t, opened[0].Page.Closed())
	assert.Equal(t, canonical, opened[1].URL)
	assert.False(t, opened[1].Options.DisableScripts)
}

func TestAuditColdRunFailureIsIgnored(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, opts browser.PageOptions) (*browsertest.Page, error) {
		if opts.DisableScripts {
			return nil, errors.New("no spare tab")
		}
		return browsertest.NewPage(url, documentEvents(url)...), nil
	}}
	rep, err := newTestEngine(t, launcher, nil).Audit(context.Background(), "https://example.com/", Settings{ColdRun: true})
	require.NoError(t, err)
	assert.Empty(t, rep.Comments)
	assert.Equal(t, "https://example.com/", rep.Meta.URL)
}

func TestAuditSetupFailure(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(string, browser.PageOptions) (*browsertest.Page, error) {
		return nil, errors.New("browser is gone")
	}}
	_, err := newTestEngine(t, launcher, nil).Audit(context.Background(), "https://example.com/", Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire page")
	assert.Contains(t, err.Error(), "browser is gone")
}

func TestAuditRejectsBadURL(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		return browsertest.NewPage(url), nil
	}}
	eng := newTestEngine(t, launcher, nil)
	for _, raw := range []string{"ftp://example.com", "example.com", "https://", "://bad"} {
		_, err := eng.Audit(context.Background(), raw, Settings{})
		assert.Error(t, err, raw)
	}
	assert.Empty(t, launcher.Opened())
}

func TestAuditNavigationFailureSkipsAudits(t *testing.T) {
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		page := browsertest.NewPage(url)
		page.NavigateErr = browser.ErrNavigationTimeout
		return page, nil
	}}
	rep, err := newTestEngine(t, launcher, nil).Audit(context.Background(), "https://example.com/", Settings{})
	require.NoError(t, err)
	_, _, skip := rep.Totals()
	assert.Equal(t, 2, skip)
	assert.Equal(t, 0.0, rep.GlobalScore)
	assert.Contains(t, rep.Categories[0].Audits.Skip[0].ErrorMessage, "navigation timed out")
}

func TestAuditWithStandardRegistry(t *testing.T) {
	sched, err := scheduler.New(collect.Defaults(collect.Deps{}), audit.Defaults(audit.DefaultOptions()), nil)
	require.NoError(t, err)
	launcher := &browsertest.Launcher{New: func(url string, _ browser.PageOptions) (*browsertest.Page, error) {
		page := browsertest.NewPage(url, documentEvents(url)...)
		page.HTML = `<html><head><meta name="robots" content="noindex"></head><body><img src="/a.png"></body></html>`
		page.Bodies = map[string][]byte{"1": []byte(page.HTML)}
		return page, nil
	}}
	eng, err := New(Options{Launcher: launcher, Scheduler: sched})
	require.NoError(t, err)

	for _, streams := range []bool{false, true} {
		rep, err := eng.Audit(context.Background(), "https://example.com/", Settings{Streams: streams})
		require.NoError(t, err)
		pass, fail, skip := rep.Totals()
		assert.Equal(t, len(audit.Defaults(audit.DefaultOptions())), pass+fail+skip)
	}
}
