// Package browsertest provides scripted browser pages for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"greenaudit/internal/browser"
)

// Page is a browser.Page that replays a fixed list of events when navigated
// and serves canned answers for every query.
type Page struct {
	browser.Hub

	Address     string
	Events      []browser.Event
	NavigateErr error
	// NavigateDelay stalls the first navigation, like a page that never
	// goes network idle and runs out the navigation timeout.
	NavigateDelay time.Duration
	HTML          string
	CookieList    []browser.Cookie
	Bodies        map[string][]byte
	ImageSizes    map[string][2]int64
	MetricsMap    map[string]float64
	// Eval answers Evaluate calls; the result is JSON round-tripped into out.
	Eval func(expression string) (any, error)

	navigations atomic.Int32
	navOnce     sync.Once
	closed      atomic.Bool
}

// NewPage returns a fake page for url that emits events on navigation.
func NewPage(url string, events ...browser.Event) *Page {
	return &Page{Address: url, Events: events}
}

func (p *Page) URL() string { return p.Address }

// Navigate publishes the scripted events on the first call only.
func (p *Page) Navigate(ctx context.Context) error {
	p.navOnce.Do(func() {
		p.navigations.Add(1)
		if p.NavigateDelay > 0 {
			time.Sleep(p.NavigateDelay)
		}
		for _, evt := range p.Events {
			p.Publish(evt)
		}
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.NavigateErr
}

// Navigations reports how many times the page actually navigated.
func (p *Page) Navigations() int { return int(p.navigations.Load()) }

// Closed reports whether Close was called.
func (p *Page) Closed() bool { return p.closed.Load() }

func (p *Page) Evaluate(_ context.Context, expression string, out any) error {
	if p.Eval == nil {
		return errors.New("browsertest: no evaluator configured")
	}
	value, err := p.Eval(expression)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *Page) Content(context.Context) (string, error) { return p.HTML, nil }

func (p *Page) Cookies(context.Context) ([]browser.Cookie, error) { return p.CookieList, nil }

func (p *Page) ResponseBody(_ context.Context, requestID string) ([]byte, error) {
	body, ok := p.Bodies[requestID]
	if !ok {
		return nil, fmt.Errorf("browsertest: no body for request %s", requestID)
	}
	return body, nil
}

func (p *Page) EncodedImageSize(_ context.Context, requestID string) (int64, int64, error) {
	sizes, ok := p.ImageSizes[requestID]
	if !ok {
		return 0, 0, fmt.Errorf("browsertest: no image for request %s", requestID)
	}
	return sizes[0], sizes[1], nil
}

func (p *Page) Metrics(context.Context) (map[string]float64, error) { return p.MetricsMap, nil }

func (p *Page) Close() error {
	p.closed.Store(true)
	return nil
}

// Launcher hands out pages built by New and remembers the options they were
// opened with.
type Launcher struct {
	New func(url string, opts browser.PageOptions) (*Page, error)

	mu     sync.Mutex
	opened []Opened
}

// Opened records one NewPage call.
type Opened struct {
	URL     string
	Options browser.PageOptions
	Page    *Page
}

func (l *Launcher) NewPage(_ context.Context, url string, opts browser.PageOptions) (browser.Page, error) {
	page, err := l.New(url, opts)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.opened = append(l.opened, Opened{URL: url, Options: opts, Page: page})
	l.mu.Unlock()
	return page, nil
}

// Opened returns the pages handed out so far.
func (l *Launcher) Opened() []Opened {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Opened(nil), l.opened...)
}

func (l *Launcher) Close() error { return nil }
