package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Strategy kinds understood by the CLI wiring.
const (
	KindHTTP    = "http"
	KindBrowser = "browser"
)

// Viewport is a browser window size.
type Viewport struct {
	Width  int `mapstructure:"width" yaml:"width" json:"width"`
	Height int `mapstructure:"height" yaml:"height" json:"height"`
}

// IdentityProfile is one platform family of the identity attribute catalog.
// Every attribute listed under a profile must be plausible for that platform.
type IdentityProfile struct {
	Platform   string     `mapstructure:"platform" yaml:"platform"`
	UserAgents []string   `mapstructure:"user_agents" yaml:"user_agents"`
	Viewports  []Viewport `mapstructure:"viewports" yaml:"viewports"`
	Locales    []string   `mapstructure:"locales" yaml:"locales"`
	Timezones  []string   `mapstructure:"timezones" yaml:"timezones"`
}

// StrategySpec declares one ranked acquisition method.
type StrategySpec struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Rank         int    `mapstructure:"rank" yaml:"rank"`
	Kind         string `mapstructure:"kind" yaml:"kind"`                   // http or browser
	HarvestToken bool   `mapstructure:"harvest_token" yaml:"harvest_token"` // pre-visit the landing page
	Encoding     string `mapstructure:"encoding" yaml:"encoding"`           // form or json
	Interactive  bool   `mapstructure:"interactive" yaml:"interactive"`
	Humanize     bool   `mapstructure:"humanize" yaml:"humanize"`
}

// BrowserConfig configures the headless browser driver.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	ControlURL    string        `mapstructure:"control_url"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	HumanDelayMin time.Duration `mapstructure:"human_delay_min"`
	HumanDelayMax time.Duration `mapstructure:"human_delay_max"`
	// Stealth patches navigator fingerprints that give automation away.
	Stealth bool `mapstructure:"stealth"`
}

// Config holds acquisition configuration.
type Config struct {
	Workers     int           `mapstructure:"workers"`
	Timeout     time.Duration `mapstructure:"timeout"`      // per request
	MaxDuration time.Duration `mapstructure:"max_duration"` // per acquisition
	MaxAttempts int           `mapstructure:"max_attempts"`

	MaxRetries       int `mapstructure:"max_retries"`       // transient retries per rank
	MalformedRetries int `mapstructure:"malformed_retries"` // malformed retries per rank
	MaxRotations     int `mapstructure:"max_rotations"`     // identity rotations per rank

	RetryDelayMin   time.Duration `mapstructure:"retry_delay_min"`
	RetryDelayMax   time.Duration `mapstructure:"retry_delay_max"`
	BlockedDelayMin time.Duration `mapstructure:"blocked_delay_min"`
	BlockedDelayMax time.Duration `mapstructure:"blocked_delay_max"`
	DelayCeiling    time.Duration `mapstructure:"delay_ceiling"`

	BlockKeywords   []string `mapstructure:"block_keywords"`
	CaptchaKeywords []string `mapstructure:"captcha_keywords"`
	BlockStatuses   []int    `mapstructure:"block_statuses"`
	AcceptFormats   []string `mapstructure:"accept_formats"` // json, html
	MinHTMLLength   int      `mapstructure:"min_html_length"`
	SuccessMarkers  []string `mapstructure:"success_markers"`
	JSONRequirePath string   `mapstructure:"json_require_path"`
	JSONDataPath    string   `mapstructure:"json_data_path"`
	BodySampleSize  int      `mapstructure:"body_sample_size"`

	TokenFields      []string          `mapstructure:"token_fields"`
	IdentityCooldown time.Duration     `mapstructure:"identity_cooldown"`
	Identities       []IdentityProfile `mapstructure:"identities"`
	Proxies          []string          `mapstructure:"proxies"`
	Strategies       []StrategySpec    `mapstructure:"strategies"`
	Browser          BrowserConfig     `mapstructure:"browser"`

	DedupeMaxSize int    `mapstructure:"dedupe_max_size"`
	BatchSize     int    `mapstructure:"batch_size"`
	OutputFile    string `mapstructure:"output_file"`
	OutputFormat  string `mapstructure:"output_format"` // csv, json, or dual
	MetricsAddr   string `mapstructure:"metrics_addr"`
	LogFile       string `mapstructure:"log_file"`
	Verbose       bool   `mapstructure:"verbose"`
}

// DefaultConfig returns conservative defaults: four strategies of rising
// cost and a small desktop identity catalog.
func DefaultConfig() *Config {
	return &Config{
		Workers:     2,
		Timeout:     30 * time.Second,
		MaxDuration: 5 * time.Minute,
		MaxAttempts: 20,

		MaxRetries:       2,
		MalformedRetries: 1,
		MaxRotations:     3,

		RetryDelayMin:   1 * time.Second,
		RetryDelayMax:   3 * time.Second,
		BlockedDelayMin: 10 * time.Second,
		BlockedDelayMax: 20 * time.Second,
		DelayCeiling:    30 * time.Second,

		BlockKeywords:   []string{"blocked", "denied", "forbidden"},
		CaptchaKeywords: []string{"captcha"},
		BlockStatuses:   []int{403, 429},
		AcceptFormats:   []string{"json", "html"},
		MinHTMLLength:   100,
		JSONDataPath:    "data",
		BodySampleSize:  512,

		TokenFields:      []string{"__RequestVerificationToken", "_token", "csrf_token", "csrf-token", "authenticity_token"},
		IdentityCooldown: 30 * time.Second,
		Identities:       DefaultIdentities(),
		Strategies:       DefaultStrategies(),
		Browser: BrowserConfig{
			Headless:      true,
			WaitTimeout:   15 * time.Second,
			HumanDelayMin: 500 * time.Millisecond,
			HumanDelayMax: 2 * time.Second,
			Stealth:       true,
		},

		DedupeMaxSize: 10000,
		BatchSize:     16,
		OutputFile:    "output/results.csv",
		OutputFormat:  "csv",
	}
}

// DefaultStrategies is the stock escalation ladder.
func DefaultStrategies() []StrategySpec {
	return []StrategySpec{
		{Name: "plain_http", Rank: 0, Kind: KindHTTP, Encoding: "form"},
		{Name: "token_http", Rank: 1, Kind: KindHTTP, HarvestToken: true, Encoding: "form"},
		{Name: "browser", Rank: 2, Kind: KindBrowser, Interactive: true},
		{Name: "browser_human", Rank: 3, Kind: KindBrowser, Interactive: true, Humanize: true},
	}
}

// DefaultIdentities is the stock desktop catalog.
func DefaultIdentities() []IdentityProfile {
	desktop := []Viewport{
		{Width: 1920, Height: 1080},
		{Width: 1366, Height: 768},
		{Width: 1536, Height: 864},
		{Width: 1280, Height: 720},
	}
	return []IdentityProfile{
		{
			Platform: "windows",
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
			},
			Viewports: desktop,
			Locales:   []string{"en-US", "en-CA"},
			Timezones: []string{"America/New_York", "America/Toronto", "America/Chicago"},
		},
		{
			Platform: "macos",
			UserAgents: []string{
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
			},
			Viewports: []Viewport{
				{Width: 1440, Height: 900},
				{Width: 1512, Height: 982},
				{Width: 1680, Height: 1050},
			},
			Locales:   []string{"en-US", "en-CA"},
			Timezones: []string{"America/Toronto", "America/Vancouver", "America/Los_Angeles"},
		},
		{
			Platform: "linux",
			UserAgents: []string{
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36",
			},
			Viewports: desktop,
			Locales:   []string{"en-US"},
			Timezones: []string{"America/New_York", "America/Denver"},
		},
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return Errorf("workers must be positive")
	}
	if c.Timeout <= 0 {
		return Errorf("timeout must be positive")
	}
	if c.MaxDuration <= 0 {
		return Errorf("max duration must be positive")
	}
	if c.MaxAttempts <= 0 {
		return Errorf("max attempts must be positive")
	}
	if c.MaxRetries < 0 {
		return Errorf("max retries cannot be negative")
	}
	if c.MalformedRetries < 0 {
		return Errorf("malformed retries cannot be negative")
	}
	if c.MaxRotations < 0 {
		return Errorf("max rotations cannot be negative")
	}
	if err := c.validateDelays(); err != nil {
		return err
	}
	if len(c.AcceptFormats) == 0 {
		return Errorf("accept formats cannot be empty")
	}
	for _, format := range c.AcceptFormats {
		if format != "json" && format != "html" {
			return Errorf("accept format %q must be json or html", format)
		}
	}
	if c.MinHTMLLength < 0 {
		return Errorf("min html length cannot be negative")
	}
	if c.BodySampleSize < 0 {
		return Errorf("body sample size cannot be negative")
	}
	if c.IdentityCooldown < 0 {
		return Errorf("identity cooldown cannot be negative")
	}
	if len(c.Identities) == 0 {
		return Errorf("identity catalog cannot be empty")
	}
	for _, proxy := range c.Proxies {
		parsed, err := url.Parse(proxy)
		if err != nil || parsed.Host == "" {
			return Errorf("invalid proxy %q", proxy)
		}
	}
	if err := c.validateStrategies(); err != nil {
		return err
	}
	if c.Browser.HumanDelayMin < 0 || c.Browser.HumanDelayMax < c.Browser.HumanDelayMin {
		return Errorf("browser human delay band is invalid")
	}
	if c.DedupeMaxSize <= 0 {
		return Errorf("dedupe max size must be positive")
	}
	if c.BatchSize <= 0 {
		return Errorf("batch size must be positive")
	}
	if c.OutputFile == "" {
		return Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return Errorf("output format must be csv, json, or dual")
	}
	return nil
}

func (c *Config) validateDelays() error {
	if c.RetryDelayMin <= 0 {
		return Errorf("retry delay min must be positive")
	}
	if c.RetryDelayMax < c.RetryDelayMin {
		return Errorf("retry delay max (%s) cannot be below min (%s)", c.RetryDelayMax, c.RetryDelayMin)
	}
	if c.BlockedDelayMin < c.RetryDelayMax {
		return Errorf("blocked delay min (%s) must be at least retry delay max (%s)", c.BlockedDelayMin, c.RetryDelayMax)
	}
	if c.BlockedDelayMax < c.BlockedDelayMin {
		return Errorf("blocked delay max (%s) cannot be below min (%s)", c.BlockedDelayMax, c.BlockedDelayMin)
	}
	if c.DelayCeiling <= c.BlockedDelayMax {
		return Errorf("delay ceiling (%s) must exceed blocked delay max (%s)", c.DelayCeiling, c.BlockedDelayMax)
	}
	return nil
}

func (c *Config) validateStrategies() error {
	if len(c.Strategies) == 0 {
		return Errorf("strategy catalog cannot be empty")
	}
	ranks := make(map[int]string, len(c.Strategies))
	for _, s := range c.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			return Errorf("strategy name cannot be empty")
		}
		if s.Rank < 0 {
			return Errorf("strategy %s: rank cannot be negative", s.Name)
		}
		if other, ok := ranks[s.Rank]; ok {
			return Errorf("strategies %s and %s share rank %d", other, s.Name, s.Rank)
		}
		ranks[s.Rank] = s.Name
		switch s.Kind {
		case KindHTTP:
			if s.Encoding != "" && s.Encoding != "form" && s.Encoding != "json" {
				return Errorf("strategy %s: encoding must be form or json", s.Name)
			}
		case KindBrowser:
		default:
			return Errorf("strategy %s: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// ConfigurationError reports a precondition violation: a catalog or setting
// that makes acquisition impossible.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Errorf("configuration: %w", e.Err).Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Errorf builds a ConfigurationError.
func Errorf(format string, args ...any) error {
	return &ConfigurationError{Err: fmt.Errorf(format, args...)}
}
