package audit

import (
	"time"

	"greenaudit/internal/config"
)

// Curve anchors a log-normal policy.
type Curve struct {
	Median float64
	P10    float64
}

// Options tunes the standard audits.
type Options struct {
	CarbonCurve          Curve
	CachingCurve         Curve
	Carbon               CarbonModel
	InlineAssetMaxBytes  int
	WebPSavingsThreshold float64
	// Now is used for Expires-based cache lifetimes. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the reference scoring constants.
func DefaultOptions() Options {
	return Options{
		CarbonCurve:          Curve{Median: 4, P10: 1.2},
		CachingCurve:         Curve{Median: 128 * 1024, P10: 28 * 1024},
		Carbon:               DefaultCarbonModel(),
		InlineAssetMaxBytes:  2048,
		WebPSavingsThreshold: 0.05,
	}
}

// OptionsFromConfig maps the scoring section of the config file.
func OptionsFromConfig(cfg config.ScoringConfig) Options {
	return Options{
		CarbonCurve:  Curve{Median: cfg.CarbonFootprint.Median, P10: cfg.CarbonFootprint.P10},
		CachingCurve: Curve{Median: cfg.BrowserCaching.Median, P10: cfg.BrowserCaching.P10},
		Carbon: CarbonModel{
			DataCenterKWhPerGB:  cfg.DataCenterKWhPerGB,
			CoreNetworkKWhPerGB: cfg.CoreNetworkKWhPerGB,
			CarbonIntensity:     cfg.CarbonIntensity,
			DailyVisitors:       cfg.DailyVisitors,
		},
		InlineAssetMaxBytes:  cfg.InlineAssetMaxBytes,
		WebPSavingsThreshold: cfg.WebPSavingsThreshold,
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Defaults returns the standard audits in report order.
func Defaults(opts Options) []Audit {
	return []Audit{
		carbonFootprint(opts),
		leverageBrowserCaching(opts),
		usesHTTP2(),
		usesCompression(),
		avoidURLRedirects(),
		usesGreenServer(),
		noConsoleLogs(),
		avoidInlineAssets(opts),
		webpImages(opts),
		avoidableBotTraffic(),
		usesLazyLoading(),
		cookieOptimisation(),
	}
}
