package robots

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"greenaudit/internal/config"
	"greenaudit/internal/fetcher"
	"greenaudit/pkg/types"
)

// AllAgents is the key under which the "*" group is stored.
const AllAgents = "all"

const defaultMaxEntries = 1024

// Agent fetches and parses robots.txt files for audited sites, caching the
// result per host.
type Agent struct {
	fetcher   fetcher.Fetcher
	userAgent string
	ttl       time.Duration
	now       func() time.Time
	// maxEntries caps the cache; expired then oldest entries go first.
	maxEntries int

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	trace   *types.RobotsTrace
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, f fetcher.Fetcher) *Agent {
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Agent{
		fetcher:    f,
		userAgent:  cfg.UserAgent,
		ttl:        ttl,
		now:        time.Now,
		maxEntries: defaultMaxEntries,
		cache:      make(map[string]cacheEntry),
	}
}

// Trace returns the parsed robots.txt for the site serving target. A missing,
// unreadable or empty file yields (nil, nil).
func (a *Agent) Trace(ctx context.Context, target *url.URL) (*types.RobotsTrace, error) {
	if target == nil || !target.IsAbs() {
		return nil, fmt.Errorf("robots: target must be an absolute url")
	}
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && a.now().Sub(entry.fetched) < a.ttl {
		return entry.trace, nil
	}

	robotsURL := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	req := types.FetchRequest{URL: robotsURL}
	if a.userAgent != "" {
		req.Headers = map[string]string{"User-Agent": a.userAgent}
	}
	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}

	trace, err := Parse(resp.StatusCode, resp.Body)
	if err != nil {
		return nil, err
	}

	now := a.now()
	a.mu.Lock()
	if _, cached := a.cache[host]; !cached && len(a.cache) >= a.maxEntries {
		a.evictLocked(now)
	}
	a.cache[host] = cacheEntry{fetched: now, trace: trace}
	a.mu.Unlock()
	return trace, nil
}

func (a *Agent) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, entry := range a.cache {
		if now.Sub(entry.fetched) >= a.ttl {
			delete(a.cache, key)
			continue
		}
		if oldestKey == "" || entry.fetched.Before(oldest) {
			oldestKey = key
			oldest = entry.fetched
		}
	}
	if len(a.cache) >= a.maxEntries && oldestKey != "" {
		delete(a.cache, oldestKey)
	}
}

// Parse turns a robots.txt response into a trace. Non-2xx responses and files
// without any agent group, sitemap or host directive yield (nil, nil).
func Parse(status int, body []byte) (*types.RobotsTrace, error) {
	if status < 200 || status >= 300 {
		return nil, nil
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	trace := &types.RobotsTrace{
		Agents:   groups(body),
		Sitemaps: append([]string(nil), data.Sitemaps...),
		Host:     data.Host,
	}
	if len(trace.Agents) == 0 && len(trace.Sitemaps) == 0 && trace.Host == "" {
		return nil, nil
	}
	if trace.Sitemaps == nil {
		trace.Sitemaps = []string{}
	}
	return trace, nil
}

// groups collects allow/disallow paths per user agent. robotstxt only answers
// per-path queries, so the grouping is read straight from the file.
func groups(body []byte) map[string]types.RobotsRules {
	out := make(map[string]types.RobotsRules)
	var current []string
	inRules := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if inRules {
				current = nil
				inRules = false
			}
			agent := strings.ToLower(value)
			if agent == "*" {
				agent = AllAgents
			}
			if agent == "" {
				continue
			}
			current = append(current, agent)
			if _, ok := out[agent]; !ok {
				out[agent] = types.RobotsRules{Allow: []string{}, Disallow: []string{}}
			}
		case "allow", "disallow":
			inRules = true
			if value == "" {
				continue
			}
			for _, agent := range current {
				rules := out[agent]
				if key == "allow" {
					rules.Allow = append(rules.Allow, value)
				} else {
					rules.Disallow = append(rules.Disallow, value)
				}
				out[agent] = rules
			}
		}
	}
	return out
}
