package collect

import (
	"context"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"greenaudit/internal/browser"
	"greenaudit/pkg/types"
)

var (
	dataURL  = regexp.MustCompile(`^data:`)
	webpPath = regexp.MustCompile(`\.(?:webp)`)
)

// exchange is one request id followed through its redirects to completion.
type exchange struct {
	request  browser.RequestEvent
	response *browser.ResponseEvent
	encoded  float64
}

// recorder follows network events and keeps the exchanges that finished, in
// completion order.
type recorder struct {
	mu       sync.Mutex
	requests map[string]browser.RequestEvent
	latest   map[string]browser.ResponseEvent
	finished []exchange
}

func newRecorder() *recorder {
	return &recorder{
		requests: make(map[string]browser.RequestEvent),
		latest:   make(map[string]browser.ResponseEvent),
	}
}

func (r *recorder) observe(evt browser.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := evt.(type) {
	case browser.RequestEvent:
		r.requests[e.RequestID] = e
	case browser.ResponseEvent:
		r.latest[e.RequestID] = e
	case browser.LoadingFinishedEvent:
		req, ok := r.requests[e.RequestID]
		if !ok {
			return
		}
		x := exchange{request: req, encoded: e.EncodedDataLength}
		if resp, ok := r.latest[e.RequestID]; ok {
			x.response = &resp
		}
		r.finished = append(r.finished, x)
	}
}

func (r *recorder) exchanges() []exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exchange(nil), r.finished...)
}

func transferCollector(logger *slog.Logger) RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, page browser.Page, _ Settings) (any, error) {
		rec := newRecorder()
		unsubscribe := page.Subscribe(rec.observe)
		defer unsubscribe()

		if err := page.Navigate(ctx); err != nil {
			return nil, err
		}
		unsubscribe()

		records := make([]types.TransferRecord, 0)
		for _, x := range rec.exchanges() {
			if x.response == nil {
				continue
			}
			records = append(records, transferRecord(ctx, page, x, logger))
		}
		return &types.TransferTrace{Records: records}, nil
	}
}

func transferRecord(ctx context.Context, page browser.Page, x exchange, logger *slog.Logger) types.TransferRecord {
	resp := x.response
	out := types.TransferRecord{
		Request: types.TransferRequest{
			RequestID:    x.request.RequestID,
			URL:          x.request.URL,
			Host:         hostOf(x.request.URL),
			ResourceType: x.request.ResourceType,
			Method:       x.request.Method,
			Headers:      x.request.Headers,
			Protocol:     resp.Protocol,
		},
		Response: types.TransferResponse{
			URL:               resp.URL,
			Status:            resp.Status,
			RemoteAddress:     resp.RemoteAddress,
			FromServiceWorker: resp.FromServiceWorker,
			Headers:           resp.Headers,
			MimeType:          resp.MimeType,
		},
		CompressedSize: types.Bytes(x.encoded),
	}

	body, err := page.ResponseBody(ctx, x.request.RequestID)
	if err != nil {
		logger.Debug("response body unavailable", "url", x.request.URL, "error", err)
		length, _ := strconv.ParseFloat(resp.Headers["content-length"], 64)
		out.Response.UncompressedSize = types.Bytes(length)
		out.Response.GzipSize = types.Bytes(0)
		out.Response.BrotliSize = types.Bytes(0)
	} else {
		out.Response.UncompressedSize = types.Bytes(float64(len(body)))
		if compressible(resp.Headers["content-type"], resp.MimeType) {
			out.Response.GzipSize = types.Bytes(float64(gzipSize(body)))
			out.Response.BrotliSize = types.Bytes(float64(brotliSize(body)))
		} else {
			out.Response.GzipSize = types.Bytes(0)
			out.Response.BrotliSize = types.Bytes(0)
		}
	}

	if x.request.ResourceType == "image" && !dataURL.MatchString(x.request.URL) && !webpPath.MatchString(x.request.URL) {
		original, encoded, err := page.EncodedImageSize(ctx, x.request.RequestID)
		if err != nil {
			logger.Debug("webp estimate failed", "url", x.request.URL, "error", err)
		} else if original > 0 {
			out.Response.WebPSavingsPercent = math.Round((1-float64(encoded)/float64(original))*100) / 100
		}
	}
	return out
}

func redirectCollector(energy EnergyChecker, logger *slog.Logger) RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, page browser.Page, _ Settings) (any, error) {
		var mu sync.Mutex
		redirects := make([]types.Redirect, 0)
		unsubscribe := page.Subscribe(func(evt browser.Event) {
			resp, ok := evt.(browser.ResponseEvent)
			if !ok || resp.Status < 300 || resp.Status > 399 || resp.Status == 304 {
				return
			}
			target := resolveLocation(resp.URL, resp.Headers["location"])
			mu.Lock()
			redirects = append(redirects, types.Redirect{RequestID: resp.RequestID, URL: resp.URL, RedirectsTo: target})
			mu.Unlock()
		})
		defer unsubscribe()

		if err := page.Navigate(ctx); err != nil {
			return nil, err
		}
		unsubscribe()

		mu.Lock()
		defer mu.Unlock()
		initial := hostOf(page.URL())
		trace := &types.RedirectTrace{
			Redirects: redirects,
			Server:    types.ServerInfo{Hosts: pageHosts(initial, redirects)},
		}
		if energy != nil && initial != "" {
			source, err := energy.Check(ctx, initial)
			if err != nil {
				logger.Warn("energy source lookup failed", "host", initial, "error", err)
			} else {
				trace.Server.EnergySource = source
			}
		}
		return trace, nil
	}
}

// pageHosts is the initial host plus the host the initial host first
// redirects to.
func pageHosts(initial string, redirects []types.Redirect) []string {
	hosts := []string{initial}
	for _, r := range redirects {
		if hostOf(r.URL) != initial {
			continue
		}
		if target := hostOf(r.RedirectsTo); target != "" && target != initial {
			hosts = append(hosts, target)
		}
		break
	}
	return hosts
}

func resolveLocation(base, location string) string {
	b, err := url.Parse(base)
	if err != nil {
		return location
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return location
	}
	return b.ResolveReference(ref).String()
}

func collectFailedTransfers(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	var mu sync.Mutex
	urls := make(map[string]string)
	failed := make([]types.FailedRequest, 0)
	unsubscribe := page.Subscribe(func(evt browser.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := evt.(type) {
		case browser.RequestEvent:
			urls[e.RequestID] = e.URL
		case browser.ResponseEvent:
			if e.Status >= 400 {
				failed = append(failed, types.FailedRequest{RequestID: e.RequestID, URL: e.URL, Code: e.Status, FailureText: e.StatusText})
			}
		case browser.LoadingFailedEvent:
			if e.Canceled {
				return
			}
			failed = append(failed, types.FailedRequest{RequestID: e.RequestID, URL: urls[e.RequestID], FailureText: e.ErrorText})
		}
	})
	defer unsubscribe()

	if err := page.Navigate(ctx); err != nil {
		return nil, err
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	return &types.FailedTransferTrace{Failed: failed}, nil
}
