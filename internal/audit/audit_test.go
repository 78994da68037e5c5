package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenaudit/internal/collect"
	"greenaudit/internal/trace"
	"greenaudit/pkg/types"
)

func server(hosts ...string) *types.RedirectTrace {
	return &types.RedirectTrace{Redirects: []types.Redirect{}, Server: types.ServerInfo{Hosts: hosts}}
}

func record(host, path, resourceType string, size float64) types.TransferRecord {
	url := "https://" + host + path
	return types.TransferRecord{
		Request:        types.TransferRequest{URL: url, Host: host, ResourceType: resourceType, Protocol: "h2"},
		Response:       types.TransferResponse{URL: url, Status: 200, Headers: map[string]string{}},
		CompressedSize: types.Bytes(size),
	}
}

func byID(t *testing.T, id string) Audit {
	t.Helper()
	opts := DefaultOptions()
	opts.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	for _, a := range Defaults(opts) {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("audit %s not registered", id)
	return Audit{}
}

func run(t *testing.T, id string, b trace.Bundle) Result {
	t.Helper()
	return Run(context.Background(), byID(t, id), b)
}

func TestRunConvertsErrorsAndPanicsToSkips(t *testing.T) {
	failing := Audit{ID: "x", Category: Server, Description: "d", Evaluate: func(context.Context, trace.Bundle) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	}}
	res := Run(context.Background(), failing, nil)
	assert.True(t, res.IsSkipped())
	assert.Equal(t, Skip, res.ScoreDisplayMode)
	assert.Equal(t, "boom", res.ErrorMessage)
	assert.Empty(t, res.Meta.Title)

	panicking := Audit{ID: "y", Category: Design, Evaluate: func(context.Context, trace.Bundle) (Outcome, error) {
		panic("unexpected")
	}}
	res = Run(context.Background(), panicking, nil)
	assert.True(t, res.IsSkipped())
	assert.Contains(t, res.ErrorMessage, "unexpected")
}

func TestRunPicksTitleAndClampsScore(t *testing.T) {
	a := Audit{ID: "z", Title: "good", FailureTitle: "bad", Category: Server}
	a.Evaluate = func(context.Context, trace.Bundle) (Outcome, error) { return Scored(1.7, Numeric, nil), nil }
	res := Run(context.Background(), a, nil)
	require.NotNil(t, res.Score)
	assert.Equal(t, 1.0, *res.Score)
	assert.True(t, res.Passed())
	assert.Equal(t, "good", res.Meta.Title)
	assert.Nil(t, res.ExtendedInfo)

	a.Evaluate = func(context.Context, trace.Bundle) (Outcome, error) { return BinaryOutcome(false, []string{"x"}), nil }
	res = Run(context.Background(), a, nil)
	assert.Equal(t, "bad", res.Meta.Title)
	assert.False(t, res.Passed())
	require.NotNil(t, res.ExtendedInfo)
}

func TestAbsentSliceSkipsAudit(t *testing.T) {
	res := run(t, "noconsolelogs", trace.Bundle{collect.ConsoleID: {}})
	assert.True(t, res.IsSkipped())
	assert.NotEmpty(t, res.ErrorMessage)

	res = run(t, "noconsolelogs", trace.Bundle{collect.ConsoleID: {Err: errors.New("collector exploded")}})
	assert.True(t, res.IsSkipped())
	assert.Contains(t, res.ErrorMessage, "collector exploded")
}

func TestCarbonFootprint(t *testing.T) {
	transfer := &types.TransferTrace{Records: []types.TransferRecord{
		record("example.com", "/", "document", 30_000),
		record("cdn.other.net", "/lib.js", "script", 70_000),
	}}
	perf := &types.PerformanceTrace{Entries: []types.ResourceTiming{{TransferSize: 1024 * 1024}}}

	dirty := run(t, "carbonfootprint", trace.Bundle{
		collect.TransferID:    {Value: transfer},
		collect.RedirectID:    {Value: server("example.com")},
		collect.PerformanceID: {Value: perf},
	})
	require.NotNil(t, dirty.Score)
	assert.Equal(t, Numeric, dirty.ScoreDisplayMode)
	assert.Less(t, *dirty.Score, 0.5)
	assert.Equal(t, "Carbon footprint is high", dirty.Meta.Title)

	greenServer := server("example.com")
	greenServer.Server.EnergySource = &types.EnergySource{IsGreen: true}
	green := run(t, "carbonfootprint", trace.Bundle{
		collect.TransferID:    {Value: transfer},
		collect.RedirectID:    {Value: greenServer},
		collect.PerformanceID: {Value: perf},
	})
	assert.Greater(t, *green.Score, *dirty.Score)

	empty := run(t, "carbonfootprint", trace.Bundle{
		collect.TransferID:    {Value: &types.TransferTrace{}},
		collect.RedirectID:    {Value: server("example.com")},
		collect.PerformanceID: {Value: &types.PerformanceTrace{}},
	})
	assert.Equal(t, 1.0, *empty.Score)

	info := dirty.ExtendedInfo.Value.(map[string]any)
	share := info["share"].(map[string]*shareGroup)
	assert.Equal(t, 70.0, share["script"].Share)
	assert.True(t, share["script"].Info[0].IsThirdParty)
	assert.Equal(t, "cdn.other.net", share["script"].Info[0].Hostname)
}

func TestLeverageBrowserCaching(t *testing.T) {
	uncached := record("example.com", "/app.js", "script", 200*1024)
	longLived := record("example.com", "/logo.png", "image", 50_000)
	longLived.Response.Headers["cache-control"] = "max-age=31536000"
	noStore := record("example.com", "/api.js", "script", 50_000)
	noStore.Response.Headers["cache-control"] = "no-store"
	thirdParty := record("cdn.other.net", "/lib.js", "script", 500_000)

	b := trace.Bundle{
		collect.TransferID: {Value: &types.TransferTrace{Records: []types.TransferRecord{uncached, longLived, noStore, thirdParty}}},
		collect.RedirectID: {Value: server("example.com")},
	}
	res := run(t, "leveragebrowsercaching", b)
	require.NotNil(t, res.Score)
	assert.Less(t, *res.Score, 0.5)
	info := res.ExtendedInfo.Value.(map[string]any)
	records := info["records"].([]cacheRecord)
	require.Len(t, records, 1)
	assert.Equal(t, "app.js", records[0].Name)
	assert.Equal(t, float64(200*1024), records[0].WastedBytes)

	clean := trace.Bundle{
		collect.TransferID: {Value: &types.TransferTrace{Records: []types.TransferRecord{longLived, thirdParty}}},
		collect.RedirectID: {Value: server("example.com")},
	}
	res = run(t, "leveragebrowsercaching", clean)
	assert.Equal(t, 1.0, *res.Score)
	assert.Nil(t, res.ExtendedInfo)
}

func TestUsesHTTP2(t *testing.T) {
	legacy := record("example.com", "/old.css", "stylesheet", 10)
	legacy.Request.Protocol = "http/1.1"
	external := record("ads.other.net", "/ad.js", "script", 10)
	external.Request.Protocol = "http/1.1"
	worker := record("example.com", "/sw.js", "script", 10)
	worker.Request.Protocol = "http/1.1"
	worker.Response.FromServiceWorker = true

	bundle := func(records ...types.TransferRecord) trace.Bundle {
		return trace.Bundle{
			collect.TransferID: {Value: &types.TransferTrace{Records: records}},
			collect.RedirectID: {Value: server("example.com")},
		}
	}
	assert.Equal(t, 0.0, *run(t, "useshttp2", bundle(legacy, external)).Score)
	assert.Equal(t, 1.0, *run(t, "useshttp2", bundle(external, worker, record("example.com", "/", "document", 1))).Score)
}

func TestUsesCompression(t *testing.T) {
	plain := record("example.com", "/site.css", "stylesheet", 20_000)
	plain.Response.UncompressedSize = types.Bytes(20_000)
	plain.Response.GzipSize = types.Bytes(4_000)
	compressed := plain
	compressed.Response.Headers = map[string]string{"content-encoding": "br"}
	tiny := record("example.com", "/tiny.css", "stylesheet", 500)
	tiny.Response.UncompressedSize = types.Bytes(500)
	tiny.Response.GzipSize = types.Bytes(200)

	bundle := func(records ...types.TransferRecord) trace.Bundle {
		return trace.Bundle{
			collect.TransferID: {Value: &types.TransferTrace{Records: records}},
			collect.RedirectID: {Value: server("example.com")},
		}
	}
	assert.Equal(t, 0.0, *run(t, "usescompression", bundle(plain, tiny)).Score)
	assert.Equal(t, 1.0, *run(t, "usescompression", bundle(compressed, tiny)).Score)
}

func TestAvoidURLRedirects(t *testing.T) {
	redirect := server("example.com", "www.example.com")
	redirect.Redirects = []types.Redirect{
		{URL: "http://example.com/", RedirectsTo: "https://www.example.com/"},
		{URL: "https://track.other.net/p", RedirectsTo: "https://track.other.net/q"},
	}
	res := run(t, "avoidurlredirects", trace.Bundle{collect.RedirectID: {Value: redirect}})
	assert.Equal(t, 0.0, *res.Score)
	assert.Equal(t, "Avoid URL redirects", res.Meta.Title)
	assert.Len(t, res.ExtendedInfo.Value, 1)

	res = run(t, "avoidurlredirects", trace.Bundle{collect.RedirectID: {Value: server("example.com")}})
	assert.Equal(t, 1.0, *res.Score)
}

func TestUsesGreenServer(t *testing.T) {
	res := run(t, "usesgreenserver", trace.Bundle{collect.RedirectID: {Value: server("example.com")}})
	assert.True(t, res.IsSkipped())
	assert.NotEmpty(t, res.ErrorMessage)

	green := server("example.com")
	green.Server.EnergySource = &types.EnergySource{IsGreen: true, HostedBy: "Green Host"}
	res = run(t, "usesgreenserver", trace.Bundle{collect.RedirectID: {Value: green}})
	assert.True(t, res.Passed())
}

func TestNoConsoleLogs(t *testing.T) {
	console := &types.ConsoleTrace{Messages: []types.ConsoleMessage{
		{Type: "log", Text: "a"}, {Type: "warning", Text: "a"}, {Type: "error", Text: "b"},
	}}
	res := run(t, "noconsolelogs", trace.Bundle{collect.ConsoleID: {Value: console}})
	assert.Equal(t, 0.0, *res.Score)
	assert.Len(t, res.ExtendedInfo.Value, 2)

	res = run(t, "noconsolelogs", trace.Bundle{collect.ConsoleID: {Value: &types.ConsoleTrace{}}})
	assert.True(t, res.Passed())
}

func TestAvoidInlineAssets(t *testing.T) {
	assets := &types.AssetTrace{
		InlineStyles:  []types.Asset{{Size: 100}},
		InlineScripts: []types.Asset{{Size: 3000}},
	}
	res := run(t, "avoidinlineassets", trace.Bundle{collect.AssetsID: {Value: assets}})
	assert.Equal(t, 0.0, *res.Score)

	assets.InlineScripts[0].Size = 2048
	res = run(t, "avoidinlineassets", trace.Bundle{collect.AssetsID: {Value: assets}})
	assert.Equal(t, 1.0, *res.Score)
}

func TestWebPImages(t *testing.T) {
	png := record("example.com", "/hero.png", "image", 10)
	png.Response.WebPSavingsPercent = 0.3
	small := record("example.com", "/icon.gif", "image", 10)
	small.Response.WebPSavingsPercent = 0.01
	webp := record("example.com", "/photo.webp", "image", 10)

	bundle := func(records ...types.TransferRecord) trace.Bundle {
		return trace.Bundle{
			collect.TransferID:  {Value: &types.TransferTrace{Records: records}},
			collect.RedirectID:  {Value: server("example.com")},
			collect.LazyMediaID: {},
		}
	}
	res := run(t, "webpimages", bundle(png, small, webp))
	assert.Equal(t, 0.0, *res.Score)
	assert.Len(t, res.ExtendedInfo.Value, 1)

	res = run(t, "webpimages", bundle(small, webp))
	assert.Equal(t, 1.0, *res.Score)

	res = run(t, "webpimages", bundle(record("example.com", "/", "document", 10)))
	assert.True(t, res.IsSkipped())
}

func TestAvoidableBotTraffic(t *testing.T) {
	transfer := &types.TransferTrace{Records: []types.TransferRecord{record("example.com", "/", "document", 10)}}
	bundle := func(robots *types.RobotsTrace, tags ...types.MetaTag) trace.Bundle {
		b := trace.Bundle{
			collect.MetaTagsID: {Value: &types.MetaTagTrace{Tags: tags}},
			collect.TransferID: {Value: transfer},
			collect.RedirectID: {Value: server("example.com")},
			collect.RobotsID:   {},
		}
		if robots != nil {
			b[collect.RobotsID] = trace.Entry{Value: robots}
		}
		return b
	}

	res := run(t, "avoidablebottraffic", bundle(nil))
	assert.True(t, res.IsSkipped())
	assert.Equal(t, "Could not find a valid robots.txt file", res.ErrorMessage)

	open := &types.RobotsTrace{Agents: map[string]types.RobotsRules{"all": {Disallow: []string{}}}}
	res = run(t, "avoidablebottraffic", bundle(open))
	assert.Equal(t, 0.0, *res.Score)

	res = run(t, "avoidablebottraffic", bundle(open, types.MetaTag{Attr: map[string]string{"name": "robots", "content": "noindex"}}))
	assert.Equal(t, 1.0, *res.Score)
	assert.Equal(t, "Consider handling all bot traffic in the robots.txt file", res.ErrorMessage)

	specific := &types.RobotsTrace{Agents: map[string]types.RobotsRules{"badbot": {Disallow: []string{"/"}}}}
	res = run(t, "avoidablebottraffic", bundle(specific))
	assert.Equal(t, 1.0, *res.Score)
	assert.Empty(t, res.ErrorMessage)
}

func TestUsesLazyLoading(t *testing.T) {
	res := run(t, "useslazyloading", trace.Bundle{collect.LazyMediaID: {Value: &types.LazyMediaTrace{}}})
	assert.True(t, res.IsSkipped())

	eager := &types.LazyMediaTrace{Images: []string{"a.png", "b.png", "c.png"}}
	res = run(t, "useslazyloading", trace.Bundle{collect.LazyMediaID: {Value: eager}})
	assert.Equal(t, 0.0, *res.Score)

	lazy := &types.LazyMediaTrace{Images: []string{"a.png", "b.png", "c.png"}, LazyImages: []string{"c.png"}}
	res = run(t, "useslazyloading", trace.Bundle{collect.LazyMediaID: {Value: lazy}})
	assert.Equal(t, 1.0, *res.Score)
}

func TestCookieOptimisation(t *testing.T) {
	cookies := &types.CookieTrace{Cookies: []types.Cookie{
		{Name: "sid", Domain: ".example.com", Size: 40},
		{Name: "sid", Domain: "www.example.com", Size: 40},
		{Name: "ad", Domain: "ads.other.net", Size: 4000},
	}}
	b := trace.Bundle{
		collect.CookiesID:  {Value: cookies},
		collect.RedirectID: {Value: server("www.example.com")},
	}
	res := run(t, "cookieoptimisation", b)
	assert.Equal(t, 0.0, *res.Score)
	info := res.ExtendedInfo.Value.(map[string]any)
	assert.Equal(t, []string{"sid"}, info["duplicated"])

	cookies.Cookies = cookies.Cookies[1:]
	res = run(t, "cookieoptimisation", b)
	assert.Equal(t, 1.0, *res.Score)
}

func TestDefaultsAreWellFormed(t *testing.T) {
	known := map[string]bool{}
	for _, c := range collect.Defaults(collect.Deps{}) {
		known[c.ID] = true
	}
	seen := map[string]bool{}
	for _, a := range Defaults(DefaultOptions()) {
		assert.False(t, seen[a.ID], a.ID)
		seen[a.ID] = true
		assert.NotEmpty(t, a.Collectors, a.ID)
		for _, id := range a.Collectors {
			assert.True(t, known[id], "%s requires unknown collector %s", a.ID, id)
		}
		assert.Contains(t, Categories, a.Category)
	}
	assert.Len(t, seen, 12)
}
