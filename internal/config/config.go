// Package config loads TraceTriage configuration from .triage/config.yaml,
// applying defaults for anything unset and TRIAGE_* environment overrides on
// top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all TraceTriage configuration.
type Config struct {
	// Triage orchestrator options
	Triage TriageConfig `yaml:"triage"`

	// SQLite archive
	Store StoreConfig `yaml:"store"`

	// Trace directory watcher
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TriageConfig holds the orchestrator policy options.
type TriageConfig struct {
	AutoApplySafe             bool    `yaml:"auto_apply_safe"`
	MinConfidenceForAutoApply float64 `yaml:"min_confidence_for_auto_apply"`
	MaxActionsPerSession      int     `yaml:"max_actions_per_session"`
	EnableABTesting           bool    `yaml:"enable_ab_testing"`
}

// StoreConfig configures the optional session archive.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to .triage/triage.db
}

// WatchConfig configures the trace directory watcher.
type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// LoggingConfig mirrors the categorized logging controls.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Triage: TriageConfig{
			AutoApplySafe:             false,
			MinConfidenceForAutoApply: 0.85,
			MaxActionsPerSession:      5,
			EnableABTesting:           true,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "", // resolved against the workspace in Load
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads .triage/config.yaml under the workspace. A missing file yields
// defaults; a malformed file is an error. Environment overrides are applied
// last.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".triage", "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(workspace, ".triage", "triage.db")
	}
	if cfg.Triage.MaxActionsPerSession <= 0 {
		cfg.Triage.MaxActionsPerSession = 5
	}
	if cfg.Triage.MinConfidenceForAutoApply <= 0 {
		cfg.Triage.MinConfidenceForAutoApply = 0.85
	}
	if cfg.Watch.DebounceMs <= 0 {
		cfg.Watch.DebounceMs = 500
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets TRIAGE_* variables override the triage options.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRIAGE_AUTO_APPLY_SAFE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Triage.AutoApplySafe = b
		}
	}
	if v := os.Getenv("TRIAGE_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Triage.MinConfidenceForAutoApply = f
		}
	}
	if v := os.Getenv("TRIAGE_MAX_ACTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Triage.MaxActionsPerSession = n
		}
	}
	if v := os.Getenv("TRIAGE_ENABLE_AB_TESTING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Triage.EnableABTesting = b
		}
	}
}

// Save writes the configuration back to .triage/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".triage")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
