// Package greencheck asks the Green Web Foundation whether a host runs on
// renewable energy.
package greencheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"greenaudit/internal/config"
	"greenaudit/internal/fetcher"
	"greenaudit/pkg/types"
)

// Checker reports the energy source of a host.
type Checker interface {
	Check(ctx context.Context, host string) (*types.EnergySource, error)
}

const defaultMaxEntries = 4096

// Client queries the greencheck API, caching answers per host and throttling
// outgoing requests.
type Client struct {
	fetcher  fetcher.Fetcher
	endpoint string
	ttl      time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
	// maxEntries caps the cache; expired then oldest entries go first.
	maxEntries int

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	source  types.EnergySource
}

type response struct {
	URL      string `json:"url"`
	Green    bool   `json:"green"`
	HostedBy string `json:"hosted_by"`
	Error    string `json:"error"`
}

// NewClient builds a client from configuration.
func NewClient(cfg config.GreenCheckConfig, f fetcher.Fetcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		fetcher:    f,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		ttl:        ttl,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("component", "greencheck"),
		now:        time.Now,
		maxEntries: defaultMaxEntries,
		cache:      make(map[string]cacheEntry),
	}
}

// Check returns the energy source for host.
func (c *Client) Check(ctx context.Context, host string) (*types.EnergySource, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, fmt.Errorf("greencheck: empty host")
	}

	c.mu.RLock()
	entry, ok := c.cache[host]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetched) < c.ttl {
		source := entry.source
		return &source, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("greencheck: wait for rate limiter: %w", err)
	}

	target, err := url.Parse(c.endpoint + "/" + url.PathEscape(host))
	if err != nil {
		return nil, fmt.Errorf("greencheck: build url: %w", err)
	}
	resp, err := c.fetcher.Fetch(ctx, types.FetchRequest{
		URL:     target,
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("greencheck %s: %w", host, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("greencheck %s: unexpected status %d", host, resp.StatusCode)
	}

	var body response
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("greencheck %s: decode response: %w", host, err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("greencheck %s: %s", host, body.Error)
	}

	source := types.EnergySource{IsGreen: body.Green, HostedBy: body.HostedBy}
	now := c.now()
	c.mu.Lock()
	if _, cached := c.cache[host]; !cached && len(c.cache) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.cache[host] = cacheEntry{fetched: now, source: source}
	c.mu.Unlock()
	c.logger.Debug("greencheck resolved", "host", host, "green", source.IsGreen)
	return &source, nil
}

func (c *Client) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.cache {
		if now.Sub(entry.fetched) >= c.ttl {
			delete(c.cache, key)
			continue
		}
		if oldestKey == "" || entry.fetched.Before(oldest) {
			oldestKey = key
			oldest = entry.fetched
		}
	}
	if len(c.cache) >= c.maxEntries && oldestKey != "" {
		delete(c.cache, oldestKey)
	}
}
