// Package fetcher performs the plain HTTP lookups an audit needs besides the
// browser: robots.txt files and the green hosting API.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"greenaudit/pkg/types"
)

// ErrBodyTooLarge is returned when a response exceeds Options.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Fetcher retrieves a resource outside the browser.
type Fetcher interface {
	Fetch(ctx context.Context, req types.FetchRequest) (*types.FetchResponse, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	// Transport replaces the default transport, mostly for tests.
	Transport http.RoundTripper
}

type decoder func(io.Reader) (io.ReadCloser, error)

var decoders = map[string]decoder{
	"gzip": func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
	"br":   func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(brotli.NewReader(r)), nil },
	"deflate": func(r io.Reader) (io.ReadCloser, error) {
		return flate.NewReader(r), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	},
}

const acceptEncoding = "gzip, deflate, br, zstd"

// HTTPFetcher implements Fetcher with a shared http.Client.
type HTTPFetcher struct {
	client       *http.Client
	header       http.Header
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 512 * 1024
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     60 * time.Second,
		}
	}

	header := http.Header{}
	header.Set("Accept", "*/*")
	header.Set("Accept-Encoding", acceptEncoding)
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}
	for k, v := range opts.Headers {
		header.Set(k, v)
	}

	return &HTTPFetcher{
		client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		header:       header,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Fetch issues a GET for req.URL. Non-2xx responses are returned, not
// treated as errors; callers decide what a status means.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.FetchRequest) (*types.FetchResponse, error) {
	if req.URL == nil {
		return nil, errors.New("fetch: request URL is nil")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = f.header.Clone()
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := f.decode(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	return &types.FetchResponse{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// decode reads the body through the decoder named by Content-Encoding,
// refusing anything larger than maxBodyBytes once decoded.
func (f *HTTPFetcher) decode(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if newDecoder, ok := decoders[encoding]; ok {
		rc, err := newDecoder(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s decode: %w", encoding, err)
		}
		defer rc.Close()
		reader = rc
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}
