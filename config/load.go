package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aluiziolira/go-acquire/models"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. ACQUIRE_MAX_ATTEMPTS.
const EnvPrefix = "ACQUIRE"

// Load reads an optional YAML config file and environment overrides on top
// of DefaultConfig. An empty path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Scalars need a registered key for AutomaticEnv to reach Unmarshal.
	for key, value := range scalarDefaults(cfg) {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Lists from the file replace the defaults instead of merging into them.
	for key, reset := range listFields(cfg) {
		if v.IsSet(key) {
			reset()
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func scalarDefaults(cfg *Config) map[string]any {
	return map[string]any{
		"workers":                 cfg.Workers,
		"timeout":                 cfg.Timeout,
		"max_duration":            cfg.MaxDuration,
		"max_attempts":            cfg.MaxAttempts,
		"max_retries":             cfg.MaxRetries,
		"malformed_retries":       cfg.MalformedRetries,
		"max_rotations":           cfg.MaxRotations,
		"retry_delay_min":         cfg.RetryDelayMin,
		"retry_delay_max":         cfg.RetryDelayMax,
		"blocked_delay_min":       cfg.BlockedDelayMin,
		"blocked_delay_max":       cfg.BlockedDelayMax,
		"delay_ceiling":           cfg.DelayCeiling,
		"min_html_length":         cfg.MinHTMLLength,
		"json_require_path":       cfg.JSONRequirePath,
		"json_data_path":          cfg.JSONDataPath,
		"body_sample_size":        cfg.BodySampleSize,
		"identity_cooldown":       cfg.IdentityCooldown,
		"browser.headless":        cfg.Browser.Headless,
		"browser.control_url":     cfg.Browser.ControlURL,
		"browser.wait_timeout":    cfg.Browser.WaitTimeout,
		"browser.human_delay_min": cfg.Browser.HumanDelayMin,
		"browser.human_delay_max": cfg.Browser.HumanDelayMax,
		"browser.stealth":         cfg.Browser.Stealth,
		"dedupe_max_size":         cfg.DedupeMaxSize,
		"batch_size":              cfg.BatchSize,
		"output_file":             cfg.OutputFile,
		"output_format":           cfg.OutputFormat,
		"metrics_addr":            cfg.MetricsAddr,
		"log_file":                cfg.LogFile,
		"verbose":                 cfg.Verbose,
	}
}

func listFields(cfg *Config) map[string]func() {
	return map[string]func(){
		"block_keywords":   func() { cfg.BlockKeywords = nil },
		"captcha_keywords": func() { cfg.CaptchaKeywords = nil },
		"block_statuses":   func() { cfg.BlockStatuses = nil },
		"accept_formats":   func() { cfg.AcceptFormats = nil },
		"success_markers":  func() { cfg.SuccessMarkers = nil },
		"token_fields":     func() { cfg.TokenFields = nil },
		"identities":       func() { cfg.Identities = nil },
		"proxies":          func() { cfg.Proxies = nil },
		"strategies":       func() { cfg.Strategies = nil },
	}
}

type targetFile struct {
	Targets []models.Target `yaml:"targets"`
}

// LoadTargets reads a YAML document with a top-level "targets" list.
func LoadTargets(path string) ([]models.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}

	var file targetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if len(file.Targets) == 0 {
		return nil, errors.New("targets file lists no targets")
	}
	for i, target := range file.Targets {
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}
	return file.Targets, nil
}
