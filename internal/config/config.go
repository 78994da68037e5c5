package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to run audits from the CLI or the API.
type Config struct {
	Browser    BrowserConfig    `yaml:"browser"`
	Audit      AuditConfig      `yaml:"audit"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	GreenCheck GreenCheckConfig `yaml:"greencheck"`
	Robots     RobotsConfig     `yaml:"robots"`
	Storage    SQLConfig        `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BrowserConfig controls the headless Chrome instance and page emulation.
type BrowserConfig struct {
	ExecPath           string         `yaml:"exec_path"`
	DisableHeadless    bool           `yaml:"disable_headless"`
	ConcurrentSessions int            `yaml:"concurrent_sessions"`
	Flags              []string       `yaml:"flags"`
	UserAgent          string         `yaml:"user_agent"`
	Viewport           ViewportConfig `yaml:"viewport"`
	Geolocation        GeoConfig      `yaml:"geolocation"`
}

// ViewportConfig is the emulated screen size in CSS pixels.
type ViewportConfig struct {
	Width  int64 `yaml:"width"`
	Height int64 `yaml:"height"`
}

// GeoConfig is the emulated geolocation. Disabled leaves the browser default.
type GeoConfig struct {
	Disabled  bool    `yaml:"disabled"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accuracy  float64 `yaml:"accuracy"`
}

// AuditConfig holds per-run defaults. Request parameters override them.
type AuditConfig struct {
	MaxNavigationTime  Duration `yaml:"max_navigation_time"`
	CollectGrace       Duration `yaml:"collect_grace"`
	ColdRun            bool     `yaml:"cold_run"`
	Streams            bool     `yaml:"streams"`
	PipeTerminateOnEnd bool     `yaml:"pipe_terminate_on_end"`
}

// LogNormalConfig parameterises a log-normal scoring curve.
type LogNormalConfig struct {
	Median float64 `yaml:"median"`
	P10    float64 `yaml:"p10"`
}

// ScoringConfig exposes the constants used by scoring policies.
type ScoringConfig struct {
	CarbonFootprint      LogNormalConfig `yaml:"carbon_footprint"`
	BrowserCaching       LogNormalConfig `yaml:"browser_caching"`
	DataCenterKWhPerGB   float64         `yaml:"data_center_kwh_per_gb"`
	CoreNetworkKWhPerGB  float64         `yaml:"core_network_kwh_per_gb"`
	CarbonIntensity      float64         `yaml:"carbon_intensity"`
	DailyVisitors        float64         `yaml:"daily_visitors"`
	InlineAssetMaxBytes  int             `yaml:"inline_asset_max_bytes"`
	WebPSavingsThreshold float64         `yaml:"webp_savings_threshold"`
}

// GreenCheckConfig configures the green hosting lookup.
type GreenCheckConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Endpoint          string   `yaml:"endpoint"`
	Timeout           Duration `yaml:"timeout"`
	CacheTTL          Duration `yaml:"cache_ttl"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// RobotsConfig configures robots.txt retrieval for audited sites.
type RobotsConfig struct {
	UserAgent    string   `yaml:"user_agent"`
	CacheTTL     Duration `yaml:"cache_ttl"`
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// SQLConfig describes the database used to persist reports. An empty driver
// disables persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	// CreateIfMissing creates the postgres database named in the DSN.
	CreateIfMissing bool `yaml:"create_if_missing"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr                string     `yaml:"addr"`
	ReadHeaderTimeout   Duration   `yaml:"read_header_timeout"`
	HeartbeatInterval   Duration   `yaml:"heartbeat_interval"`
	MaxConcurrentAudits int        `yaml:"max_concurrent_audits"`
	HostRate            RateConfig `yaml:"host_rate"`
}

// RateConfig limits how often the same host may be audited. Zero values
// disable the limit.
type RateConfig struct {
	Delay    Duration `yaml:"delay"`
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Browser: BrowserConfig{
			ConcurrentSessions: 2,
			Flags:              []string{},
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/68.0.3440.75 Safari/537.36",
			Viewport:           ViewportConfig{Width: 1920, Height: 1080},
			Geolocation:        GeoConfig{Latitude: 47.6062, Longitude: -122.3331, Accuracy: 100},
		},
		Audit: AuditConfig{
			MaxNavigationTime: DurationFrom(30 * time.Second),
			CollectGrace:      DurationFrom(15 * time.Second),
			ColdRun:           true,
		},
		Scoring: ScoringConfig{
			CarbonFootprint:      LogNormalConfig{Median: 4, P10: 1.2},
			BrowserCaching:       LogNormalConfig{Median: 128 * 1024, P10: 28 * 1024},
			DataCenterKWhPerGB:   0.072,
			CoreNetworkKWhPerGB:  0.152,
			CarbonIntensity:      475,
			DailyVisitors:        100,
			InlineAssetMaxBytes:  2048,
			WebPSavingsThreshold: 0.05,
		},
		GreenCheck: GreenCheckConfig{
			Enabled:           true,
			Endpoint:          "https://api.thegreenwebfoundation.org/greencheck",
			Timeout:           DurationFrom(5 * time.Second),
			CacheTTL:          DurationFrom(24 * time.Hour),
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Robots: RobotsConfig{
			UserAgent:    "greenaudit/1.0",
			CacheTTL:     DurationFrom(30 * time.Minute),
			Timeout:      DurationFrom(10 * time.Second),
			MaxBodyBytes: 512 * 1024,
		},
		Storage: SQLConfig{
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			AutoMigrate:  true,
		},
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeout:   DurationFrom(10 * time.Second),
			HeartbeatInterval:   DurationFrom(15 * time.Second),
			MaxConcurrentAudits: 2,
			HostRate:            RateConfig{Requests: 6, Window: DurationFrom(time.Minute)},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// an empty file keeps the defaults
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces the invariants the engine relies on.
func (c Config) Validate() error {
	if c.Browser.ConcurrentSessions <= 0 {
		return fmt.Errorf("browser.concurrent_sessions must be > 0 (got %d)", c.Browser.ConcurrentSessions)
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must be positive (got %dx%d)", c.Browser.Viewport.Width, c.Browser.Viewport.Height)
	}
	if c.Audit.MaxNavigationTime.Duration <= 0 {
		return fmt.Errorf("audit.max_navigation_time must be > 0 (got %s)", c.Audit.MaxNavigationTime)
	}
	if c.Audit.CollectGrace.Duration < 0 {
		return fmt.Errorf("audit.collect_grace must be >= 0 (got %s)", c.Audit.CollectGrace)
	}
	for name, curve := range map[string]LogNormalConfig{
		"scoring.carbon_footprint": c.Scoring.CarbonFootprint,
		"scoring.browser_caching":  c.Scoring.BrowserCaching,
	} {
		if curve.P10 <= 0 || curve.Median <= curve.P10 {
			return fmt.Errorf("%s requires 0 < p10 < median (got p10=%v median=%v)", name, curve.P10, curve.Median)
		}
	}
	if c.Scoring.CarbonIntensity < 0 || c.Scoring.DailyVisitors < 0 {
		return errors.New("scoring.carbon_intensity and scoring.daily_visitors must be >= 0")
	}
	if c.Scoring.InlineAssetMaxBytes <= 0 {
		return fmt.Errorf("scoring.inline_asset_max_bytes must be > 0 (got %d)", c.Scoring.InlineAssetMaxBytes)
	}
	if c.GreenCheck.Enabled {
		if c.GreenCheck.Endpoint == "" {
			return errors.New("greencheck.endpoint must be set when greencheck.enabled is true")
		}
		if c.GreenCheck.RequestsPerSecond <= 0 {
			return fmt.Errorf("greencheck.requests_per_second must be > 0 (got %v)", c.GreenCheck.RequestsPerSecond)
		}
	}
	if c.Robots.UserAgent == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Robots.MaxBodyBytes <= 0 {
		return fmt.Errorf("robots.max_body_bytes must be > 0 (got %d)", c.Robots.MaxBodyBytes)
	}
	switch c.Storage.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use postgres or sqlite)", c.Storage.Driver)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.HostRate.Requests < 0 || c.Server.HostRate.Delay.Duration < 0 {
		return errors.New("server.host_rate values must be >= 0")
	}
	if c.Server.MaxConcurrentAudits <= 0 {
		return fmt.Errorf("server.max_concurrent_audits must be > 0 (got %d)", c.Server.MaxConcurrentAudits)
	}
	return nil
}

func (c *Config) normalise() {
	c.Browser.ExecPath = strings.TrimSpace(c.Browser.ExecPath)
	c.Browser.UserAgent = strings.TrimSpace(c.Browser.UserAgent)
	c.Browser.Flags = dedupe(c.Browser.Flags)
	c.GreenCheck.Endpoint = strings.TrimRight(strings.TrimSpace(c.GreenCheck.Endpoint), "/")
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "postgresql" {
		c.Storage.Driver = "postgres"
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// dedupe trims values and drops blanks and repeats, keeping first-seen order
// since browser flags may depend on it.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}
