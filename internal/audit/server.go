package audit

import (
	"context"
	"math"
	"net/url"
	"path"
	"sort"
	"strings"

	"greenaudit/internal/collect"
	"greenaudit/internal/trace"
	"greenaudit/pkg/types"
)

// ignore assets that are very likely to be served from cache already
const cacheHitIgnoreThreshold = 0.925

// below this size compressing a response does not pay for its headers
const minCompressibleBytes = 1400

var cacheableStatus = map[int]bool{200: true, 203: true, 206: true}

var cacheableTypes = map[string]bool{
	"font":       true,
	"image":      true,
	"media":      true,
	"script":     true,
	"stylesheet": true,
}

func carbonFootprint(opts Options) Audit {
	policy := LogNormal(opts.CarbonCurve.Median, opts.CarbonCurve.P10)
	a := Audit{
		ID:           "carbonfootprint",
		Title:        "Carbon footprint is moderate",
		FailureTitle: "Carbon footprint is high",
		Description:  "The carbon footprint is the total amount of greenhouse gases released into the atmosphere for directly or indirectly supporting a particular activity. Keeping it as low as possible it's key to prevent the climate change.",
		Category:     Server,
		Collectors:   []string{collect.TransferID, collect.RedirectID, collect.PerformanceID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		transfer, err := trace.Lookup[*types.TransferTrace](b, collect.TransferID)
		if err != nil {
			return Outcome{}, err
		}
		redirect, err := trace.Lookup[*types.RedirectTrace](b, collect.RedirectID)
		if err != nil {
			return Outcome{}, err
		}
		perf, err := trace.Lookup[*types.PerformanceTrace](b, collect.PerformanceID)
		if err != nil {
			return Outcome{}, err
		}

		computable := perf.TotalTransferSize()
		green := redirect.Server.EnergySource != nil && redirect.Server.EnergySource.IsGreen
		kWh := opts.Carbon.Energy(computable, green)
		metric := opts.Carbon.Footprint(kWh)

		info := map[string]any{
			"extra": map[string]any{
				"totalTransfersize":    []any{computable, "bytes"},
				"totalComputedWattage": []any{round(kWh, 10), "kWh"},
				"carbonfootprint":      []any{round(metric, 5), "gCO2eq / 100 views"},
			},
			"share": shareByResourceType(transfer.Records, redirect.Server),
		}
		return Scored(policy(metric), Numeric, info), nil
	}
	return a
}

type shareEntry struct {
	Name         string  `json:"name"`
	IsThirdParty bool    `json:"isThirdParty"`
	Hostname     string  `json:"hostname,omitempty"`
	Size         float64 `json:"size"`
	Absolute     float64 `json:"absolute"`
	Relative     float64 `json:"relative"`
}

type shareGroup struct {
	Size  float64      `json:"size"`
	Share float64      `json:"share"`
	Info  []shareEntry `json:"info"`
}

// shareByResourceType breaks the transferred bytes down by resource type,
// largest records first.
func shareByResourceType(records []types.TransferRecord, server types.ServerInfo) map[string]*shareGroup {
	var total float64
	for _, r := range records {
		total += r.CompressedSize.Value
	}
	sorted := append([]types.TransferRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CompressedSize.Value > sorted[j].CompressedSize.Value
	})

	groups := make(map[string]*shareGroup)
	for _, r := range sorted {
		size := r.CompressedSize.Value
		if size <= 0 || total <= 0 {
			continue
		}
		percent := size / total * 100
		entry := shareEntry{
			Name:         lastSegment(r.Request.URL),
			IsThirdParty: !server.HasHost(r.Request.Host),
			Size:         size,
			Absolute:     round(percent, 2),
		}
		if entry.IsThirdParty {
			entry.Hostname = r.Request.Host
		}
		g, ok := groups[r.Request.ResourceType]
		if !ok {
			g = &shareGroup{}
			groups[r.Request.ResourceType] = g
		}
		g.Size += size
		g.Share += percent
		g.Info = append(g.Info, entry)
	}
	for _, g := range groups {
		for i := range g.Info {
			g.Info[i].Relative = round(g.Info[i].Size/g.Size*100, 2)
		}
		g.Share = round(g.Share, 2)
	}
	return groups
}

type cacheRecord struct {
	Name                string       `json:"name"`
	ResourceType        string       `json:"resourceType"`
	Cache               CacheControl `json:"cache"`
	CacheHitProbability float64      `json:"cacheHitProbability"`
	TotalBytes          float64      `json:"totalBytes"`
	WastedBytes         float64      `json:"wastedBytes"`
}

func leverageBrowserCaching(opts Options) Audit {
	policy := LogNormal(opts.CachingCurve.Median, opts.CachingCurve.P10)
	a := Audit{
		ID:           "leveragebrowsercaching",
		Title:        "Uses efficient cache policy on static assets",
		FailureTitle: "Serve static asssets with an efficient cache policy",
		Description:  "Serving static assets with long cache lifetime can save up important resources",
		Category:     Server,
		Collectors:   []string{collect.TransferID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		transfer, redirect, err := transferAndServer(b)
		if err != nil {
			return Outcome{}, err
		}
		now := opts.now()
		var wasted float64
		records := make([]cacheRecord, 0)
		for _, r := range transfer.Records {
			if !redirect.Server.HasHost(r.Request.Host) {
				continue
			}
			if !cacheableStatus[r.Response.Status] || !cacheableTypes[r.Request.ResourceType] {
				continue
			}
			cc := ParseCacheControl(r.Response.Headers["cache-control"])
			if SkipsCaching(r.Response.Headers, cc) {
				continue
			}
			lifetime, declared := CacheLifetime(r.Response.Headers, cc, now)
			if declared && (math.IsInf(lifetime, 0) || lifetime <= 0) {
				continue
			}
			hit := CacheHitProbability(lifetime)
			if hit > cacheHitIgnoreThreshold {
				continue
			}
			total := r.CompressedSize.Value
			waste := (1 - hit) * total
			wasted += waste
			records = append(records, cacheRecord{
				Name:                strings.SplitN(lastSegment(r.Request.URL), "?", 2)[0],
				ResourceType:        r.Request.ResourceType,
				Cache:               cc,
				CacheHitProbability: hit,
				TotalBytes:          total,
				WastedBytes:         waste,
			})
		}
		var info any
		if len(records) > 0 {
			info = map[string]any{
				"totalWastedBytes": types.Bytes(wasted),
				"records":          records,
			}
		}
		return Scored(policy(wasted), Numeric, info), nil
	}
	return a
}

func usesHTTP2() Audit {
	a := Audit{
		ID:           "useshttp2",
		Title:        "Uses HTTP2",
		FailureTitle: "Serve assets over HTTP2",
		Description:  "HTTP2 provides advantages such as: multiplexing, server push, binary headers and increased security.",
		Category:     Server,
		Collectors:   []string{collect.TransferID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		transfer, redirect, err := transferAndServer(b)
		if err != nil {
			return Outcome{}, err
		}
		legacy := make([]map[string]string, 0)
		for _, r := range transfer.Records {
			protocol := r.Request.Protocol
			if protocol == "" || protocol == "h2" || protocol == "h3" || protocol == "data" {
				continue
			}
			if r.Response.FromServiceWorker || !redirect.Server.HasHost(r.Request.Host) {
				continue
			}
			legacy = append(legacy, map[string]string{"url": r.Request.URL, "protocol": protocol})
		}
		var info any
		if len(legacy) > 0 {
			info = legacy
		}
		return BinaryOutcome(len(legacy) == 0, info), nil
	}
	return a
}

func usesCompression() Audit {
	a := Audit{
		ID:           "usescompression",
		Title:        "Uses text compression",
		FailureTitle: "Enable text compression",
		Description:  "Text-based resources should be served with compression (gzip, deflate or brotli) to minimize the bytes sent over the network.",
		Category:     Server,
		Collectors:   []string{collect.TransferID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		transfer, redirect, err := transferAndServer(b)
		if err != nil {
			return Outcome{}, err
		}
		type candidate struct {
			Name         string         `json:"name"`
			Uncompressed types.ByteSize `json:"uncompressedSize"`
			Gzip         types.ByteSize `json:"gzipSize"`
			Brotli       types.ByteSize `json:"brotliSize"`
		}
		uncompressed := make([]candidate, 0)
		for _, r := range transfer.Records {
			if !redirect.Server.HasHost(r.Request.Host) {
				continue
			}
			raw, gz := r.Response.UncompressedSize.Value, r.Response.GzipSize.Value
			if gz <= 0 || raw < minCompressibleBytes {
				continue
			}
			if encoding := strings.TrimSpace(r.Response.Headers["content-encoding"]); encoding != "" && encoding != "identity" {
				continue
			}
			// the wire size already shows compression even without a header
			if r.CompressedSize.Value > 0 && r.CompressedSize.Value < raw*0.9 {
				continue
			}
			if raw-gz < raw*0.1 {
				continue
			}
			uncompressed = append(uncompressed, candidate{
				Name:         lastSegment(r.Request.URL),
				Uncompressed: r.Response.UncompressedSize,
				Gzip:         r.Response.GzipSize,
				Brotli:       r.Response.BrotliSize,
			})
		}
		var info any
		if len(uncompressed) > 0 {
			info = uncompressed
		}
		return BinaryOutcome(len(uncompressed) == 0, info), nil
	}
	return a
}

func avoidURLRedirects() Audit {
	a := Audit{
		ID:           "avoidurlredirects",
		Title:        "Does not have URL redirects",
		FailureTitle: "Avoid URL redirects",
		Description:  "URL redirects create unnecessary HTTP traffic",
		Category:     Server,
		Collectors:   []string{collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		redirect, err := trace.Lookup[*types.RedirectTrace](b, collect.RedirectID)
		if err != nil {
			return Outcome{}, err
		}
		type hop struct {
			URL         string `json:"url"`
			RedirectsTo string `json:"redirectsTo"`
		}
		hops := make([]hop, 0)
		for _, r := range redirect.Redirects {
			if redirect.Server.HasHost(hostname(r.URL)) {
				hops = append(hops, hop{URL: r.URL, RedirectsTo: r.RedirectsTo})
			}
		}
		var info any
		if len(hops) > 0 {
			info = hops
		}
		return BinaryOutcome(len(hops) == 0, info), nil
	}
	return a
}

func usesGreenServer() Audit {
	a := Audit{
		ID:           "usesgreenserver",
		Title:        "Uses a server powered by renewable energy",
		FailureTitle: "Host the website on a green server",
		Description:  "Hosting providers powered by renewable energy cut the emissions of every request the site serves. Green hosting is verified against the Green Web Foundation dataset.",
		Category:     Server,
		Collectors:   []string{collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		redirect, err := trace.Lookup[*types.RedirectTrace](b, collect.RedirectID)
		if err != nil {
			return Outcome{}, err
		}
		source := redirect.Server.EnergySource
		if source == nil {
			return Skipped("Could not verify the energy source of the server"), nil
		}
		var info any
		if source.HostedBy != "" {
			info = map[string]string{"hostedby": source.HostedBy}
		}
		return BinaryOutcome(source.IsGreen, info), nil
	}
	return a
}

func transferAndServer(b trace.Bundle) (*types.TransferTrace, *types.RedirectTrace, error) {
	transfer, err := trace.Lookup[*types.TransferTrace](b, collect.TransferID)
	if err != nil {
		return nil, nil, err
	}
	redirect, err := trace.Lookup[*types.RedirectTrace](b, collect.RedirectID)
	if err != nil {
		return nil, nil, err
	}
	return transfer, redirect, nil
}

func lastSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		name = u.Host
	}
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	return name
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
