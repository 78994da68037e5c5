package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/audits"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// LaunchOptions configures the headless Chrome instance.
type LaunchOptions struct {
	ExecPath           string
	DisableHeadless    bool
	ConcurrentSessions int
	Flags              []string
	Logger             *slog.Logger
}

// ChromeLauncher owns one Chrome process and hands out tabs bound to a URL.
type ChromeLauncher struct {
	opts          LaunchOptions
	logger        *slog.Logger
	semaphore     chan struct{}
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewChromeLauncher starts Chrome. Failing to start is a setup error that
// aborts the audit run.
func NewChromeLauncher(ctx context.Context, opts LaunchOptions) (*ChromeLauncher, error) {
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", !opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("autoplay-policy", "user-gesture-required"),
		chromedp.Flag("disk-cache-size", "0"),
	)
	for _, raw := range opts.Flags {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(strings.TrimSpace(raw), "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			execOpts = append(execOpts, chromedp.Flag(name, value))
		} else {
			execOpts = append(execOpts, chromedp.Flag(name, true))
		}
	}
	if strings.TrimSpace(opts.ExecPath) != "" {
		execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Debug("chrome started", "headless", !opts.DisableHeadless, "sessions", opts.ConcurrentSessions)

	return &ChromeLauncher{
		opts:          opts,
		logger:        logger,
		semaphore:     make(chan struct{}, opts.ConcurrentSessions),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewPage opens a tab configured by opts. It blocks while the launcher is at
// its concurrent session limit.
func (l *ChromeLauncher) NewPage(ctx context.Context, url string, opts PageOptions) (Page, error) {
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tabCtx, tabCancel := chromedp.NewContext(l.browserCtx)
	p := &chromePage{
		url:     url,
		opts:    opts,
		ctx:     tabCtx,
		cancel:  tabCancel,
		idle:    make(chan struct{}, 1),
		nav:     newNavigation(),
		release: func() { <-l.semaphore },
		logger:  l.logger.With("url", url),
	}
	chromedp.ListenTarget(tabCtx, p.handleEvent)

	if err := chromedp.Run(tabCtx, p.setupActions()...); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("configure page: %w", err)
	}
	return p, nil
}

// Close shuts Chrome down.
func (l *ChromeLauncher) Close() error {
	l.closeOnce.Do(func() {
		l.browserCancel()
		l.allocCancel()
	})
	return nil
}

type chromePage struct {
	Hub

	url     string
	opts    PageOptions
	ctx     context.Context
	cancel  context.CancelFunc
	idle    chan struct{}
	nav     *navigation
	release func()
	logger  *slog.Logger

	closeOnce sync.Once
}

func (p *chromePage) URL() string { return p.url }

func (p *chromePage) setupActions() []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		cdppage.SetLifecycleEventsEnabled(true),
		performance.Enable(),
		cdppage.SetBypassCSP(true),
	}
	if p.opts.DisableCache {
		actions = append(actions, network.SetCacheDisabled(true))
	}
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
	}
	if p.opts.Viewport.Width > 0 && p.opts.Viewport.Height > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(p.opts.Viewport.Width, p.opts.Viewport.Height, 1, false))
	}
	if loc := p.opts.Location; loc != nil {
		actions = append(actions, emulation.SetGeolocationOverride().
			WithLatitude(loc.Latitude).
			WithLongitude(loc.Longitude).
			WithAccuracy(loc.Accuracy))
	}
	if p.opts.DisableScripts {
		actions = append(actions, emulation.SetScriptExecutionDisabled(true))
	}
	return actions
}

func (p *chromePage) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		evt := RequestEvent{
			RequestID:    string(e.RequestID),
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			ResourceType: strings.ToLower(string(e.Type)),
			Headers:      flattenHeaders(e.Request.Headers),
			IsNavigation: string(e.RequestID) == string(e.LoaderID) && e.Type == network.ResourceTypeDocument,
		}
		if e.RedirectResponse != nil {
			evt.RedirectFrom = e.RedirectResponse.URL
			evt.RedirectCode = int(e.RedirectResponse.Status)
			// the redirect response never gets its own responseReceived event
			p.Publish(responseFrom(e.RequestID, e.Type, e.RedirectResponse))
		}
		p.Publish(evt)
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		p.Publish(responseFrom(e.RequestID, e.Type, e.Response))
	case *network.EventLoadingFinished:
		p.Publish(LoadingFinishedEvent{
			RequestID:         string(e.RequestID),
			EncodedDataLength: e.EncodedDataLength,
		})
	case *network.EventLoadingFailed:
		p.Publish(LoadingFailedEvent{
			RequestID:    string(e.RequestID),
			ResourceType: strings.ToLower(string(e.Type)),
			ErrorText:    e.ErrorText,
			Canceled:     e.Canceled,
		})
	case *runtime.EventConsoleAPICalled:
		p.Publish(ConsoleEvent{Type: string(e.Type), Text: consoleText(e.Args)})
	case *cdppage.EventLifecycleEvent:
		if e.Name == "networkIdle" {
			select {
			case p.idle <- struct{}{}:
			default:
			}
		}
	}
}

// Navigate loads the page once and waits for network idle. Running out of
// time while waiting for idle is logged, not returned: the traces gathered
// up to that point remain usable.
func (p *chromePage) Navigate(ctx context.Context) error {
	return p.nav.run(ctx, func(context.Context) error {
		timeout := p.opts.NavigationTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		navCtx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := chromedp.Run(navCtx, chromedp.Navigate(p.url)); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("navigate %s: %w", p.url, ErrNavigationTimeout)
			}
			return fmt.Errorf("navigate %s: %w", p.url, err)
		}
		select {
		case <-p.idle:
			p.logger.Debug("network idle", "elapsed_ms", time.Since(start).Milliseconds())
		case <-navCtx.Done():
			p.logger.Warn("network did not go idle before timeout", "timeout", timeout.String())
		}
		return nil
	})
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	if err := chromedp.Run(bctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(bctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	var raw []*network.Cookie
	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Size:     int(c.Size),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *chromePage) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	var body []byte
	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("response body %s: %w", requestID, err)
	}
	return body, nil
}

func (p *chromePage) EncodedImageSize(ctx context.Context, requestID string) (int64, int64, error) {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	var original, encoded int64
	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, original, encoded, err = audits.GetEncodedResponse(network.RequestID(requestID), audits.GetEncodedResponseEncodingWebp).
			WithQuality(0.7).
			WithSizeOnly(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return 0, 0, fmt.Errorf("encode webp %s: %w", requestID, err)
	}
	return original, encoded, nil
}

func (p *chromePage) Metrics(ctx context.Context) (map[string]float64, error) {
	bctx, cancel := p.bind(ctx)
	defer cancel()

	var raw []*performance.Metric
	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("performance metrics: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for _, m := range raw {
		out[m.Name] = m.Value
	}
	return out, nil
}

func (p *chromePage) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.release()
	})
	return nil
}

// bind derives a context that carries the tab executor and honours the
// caller's deadline and cancellation.
func (p *chromePage) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(ctx, cancel)
	if deadline, ok := ctx.Deadline(); ok {
		withDeadline, cancelDeadline := context.WithDeadline(bound, deadline)
		return withDeadline, func() {
			stop()
			cancelDeadline()
			cancel()
		}
	}
	return bound, func() {
		stop()
		cancel()
	}
}

func responseFrom(id network.RequestID, typ network.ResourceType, r *network.Response) ResponseEvent {
	remote := ""
	if r.RemoteIPAddress != "" {
		remote = net.JoinHostPort(r.RemoteIPAddress, strconv.FormatInt(r.RemotePort, 10))
	}
	return ResponseEvent{
		RequestID:         string(id),
		URL:               r.URL,
		Status:            int(r.Status),
		StatusText:        r.StatusText,
		ResourceType:      strings.ToLower(string(typ)),
		MimeType:          r.MimeType,
		Protocol:          r.Protocol,
		RemoteAddress:     remote,
		FromServiceWorker: r.FromServiceWorker,
		Headers:           flattenHeaders(r.Headers),
	}
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		if len(arg.Value) > 0 {
			raw := string(arg.Value)
			if unquoted, err := strconv.Unquote(raw); err == nil {
				raw = unquoted
			}
			parts = append(parts, raw)
			continue
		}
		parts = append(parts, arg.Description)
	}
	return strings.Join(parts, " ")
}
