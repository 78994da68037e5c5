package audit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy maps a raw metric to a score in [0, 1].
type Policy func(value float64) float64

// LogNormal returns the log-normal scoring policy anchored at the given
// median (score 0.5) and 10th percentile (score 0.9). Lower values score
// higher.
func LogNormal(median, p10 float64) Policy {
	return func(value float64) float64 {
		return LogNormalScore(median, p10, value)
	}
}

// LogNormalScore scores value on the curve described by LogNormal.
func LogNormalScore(median, p10, value float64) float64 {
	if value <= 0 {
		return 1
	}
	// erfc^-1(0.2) maps p10 onto a score of 0.9
	const inverseErfcOneFifth = 0.9061938024368232
	maxOrder := math.Log(median / p10)
	if maxOrder <= 0 {
		return 0
	}
	standardized := math.Log(value/median) * inverseErfcOneFifth / maxOrder
	score := math.Erfc(standardized) / 2

	switch {
	case value <= p10:
		score = clampRange(score, 0.9, 1)
	case value <= median:
		score = clampRange(score, 0.5, 0.8999)
	default:
		score = clampRange(score, 0, 0.49999)
	}
	return score
}

func clampRange(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// cache lifetime deciles in hours, with the hit probability of the decile
// boundaries spaced every 10%.
var cacheHitDecilesHours = []float64{0, 0.2, 1, 3, 8, 12, 24, 48, 72, 168, 8760, math.Inf(1)}

// CacheHitProbability estimates how likely a returning visitor still holds an
// asset cached for the given number of seconds.
func CacheHitProbability(seconds float64) float64 {
	hours := seconds / 3600
	upper := len(cacheHitDecilesHours) - 1
	for i, limit := range cacheHitDecilesHours {
		if limit >= hours {
			upper = i
			break
		}
	}
	if upper == len(cacheHitDecilesHours)-1 {
		return 1
	}
	if upper <= 0 {
		return 0
	}
	lowerHours := cacheHitDecilesHours[upper-1]
	upperHours := cacheHitDecilesHours[upper]
	lowerProb := float64(upper-1) / 10
	upperProb := float64(upper) / 10
	return lowerProb + (upperProb-lowerProb)*(hours-lowerHours)/(upperHours-lowerHours)
}

// CacheControl holds the parsed directives of a Cache-Control header.
type CacheControl map[string]string

// ParseCacheControl splits a Cache-Control header into lower-cased
// directives. Directives without a value map to "".
func ParseCacheControl(header string) CacheControl {
	out := CacheControl{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return out
}

// Has reports whether the directive is present.
func (c CacheControl) Has(directive string) bool {
	_, ok := c[directive]
	return ok
}

// MaxAge returns the max-age directive in seconds.
func (c CacheControl) MaxAge() (float64, bool) {
	raw, ok := c["max-age"]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SkipsCaching reports whether the response forbids reuse from the cache.
func SkipsCaching(headers map[string]string, cc CacheControl) bool {
	if len(cc) == 0 {
		return strings.Contains(strings.ToLower(headers["pragma"]), "no-cache")
	}
	return cc.Has("no-cache") || cc.Has("no-store")
}

// CacheLifetime returns the cache lifetime in seconds declared by max-age or,
// failing that, by Expires relative to now.
func CacheLifetime(headers map[string]string, cc CacheControl, now time.Time) (float64, bool) {
	if maxAge, ok := cc.MaxAge(); ok {
		return maxAge, true
	}
	expires := strings.TrimSpace(headers["expires"])
	if expires == "" {
		return 0, false
	}
	at, err := http.ParseTime(expires)
	if err != nil {
		// unparseable Expires means already expired
		return -1, true
	}
	return math.Ceil(at.Sub(now).Seconds()), true
}

// CarbonModel converts transferred bytes into grams of CO2 equivalent.
type CarbonModel struct {
	DataCenterKWhPerGB  float64
	CoreNetworkKWhPerGB float64
	CarbonIntensity     float64
	DailyVisitors       float64
}

// DefaultCarbonModel uses the reference energy and intensity figures.
func DefaultCarbonModel() CarbonModel {
	return CarbonModel{
		DataCenterKWhPerGB:  0.072,
		CoreNetworkKWhPerGB: 0.152,
		CarbonIntensity:     475,
		DailyVisitors:       100,
	}
}

// Energy returns the kWh spent transferring bytes. Green hosting removes the
// data center share.
func (m CarbonModel) Energy(bytes float64, green bool) float64 {
	gb := bytes / (1024 * 1024 * 1024)
	if green {
		return gb * m.CoreNetworkKWhPerGB
	}
	return gb * (m.DataCenterKWhPerGB + m.CoreNetworkKWhPerGB)
}

// Footprint returns grams of CO2 equivalent for the daily visitor count.
func (m CarbonModel) Footprint(kWh float64) float64 {
	return kWh * m.CarbonIntensity * m.DailyVisitors
}
