// Package config loads and validates forgeflow configuration.
// Configuration lives in .forgeflow/config.json (or config.yaml) under the
// workspace root, with FORGEFLOW_* environment overrides applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forgeflow configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// State store root (defaults to <workspace>/.forgeflow)
	StateRoot string `yaml:"state_root" json:"state_root"`

	// Message bus configuration
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Phase controller configuration
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Safety controller configuration
	Safety SafetyConfig `yaml:"safety" json:"safety"`

	// Self-learning pipeline configuration
	Learning LearningConfig `yaml:"learning" json:"learning"`

	// Monitor configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// BusConfig configures the priority message bus.
type BusConfig struct {
	MaxWorkers        int           `yaml:"max_workers" json:"max_workers"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout" json:"invocation_timeout"`
}

// ControllerConfig configures the phase controller.
type ControllerConfig struct {
	// Approval token lifetime. Expiry resolves as a rejection unless
	// ApproveOnExpiry is set.
	ApprovalExpiry  time.Duration `yaml:"approval_expiry" json:"approval_expiry"`
	ApproveOnExpiry bool          `yaml:"approve_on_expiry" json:"approve_on_expiry"`
}

// SafetyConfig configures the safety controller gates.
type SafetyConfig struct {
	RateLimits            RateLimits    `yaml:"rate_limits" json:"rate_limits"`
	FailureCooldown       time.Duration `yaml:"failure_cooldown" json:"failure_cooldown"`
	FailureWindow         time.Duration `yaml:"failure_window" json:"failure_window"`
	MaxConsecutiveFails   int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	MinConfidence         float64       `yaml:"min_confidence" json:"min_confidence"`
	HighRiskConfidence    float64       `yaml:"high_risk_confidence" json:"high_risk_confidence"`
	MaxConcurrentIsolated int           `yaml:"max_concurrent_isolated" json:"max_concurrent_isolated"`
}

// RateLimits caps automated applies per rolling window.
type RateLimits struct {
	PerMinute int `yaml:"minute" json:"minute"`
	PerHour   int `yaml:"hour" json:"hour"`
	PerDay    int `yaml:"day" json:"day"`
}

// LearningConfig configures the self-learning pipeline.
type LearningConfig struct {
	AutoApply           bool          `yaml:"auto_apply" json:"auto_apply"`
	AutoRollback        bool          `yaml:"auto_rollback" json:"auto_rollback"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" json:"confidence_threshold"`
	RequireAllGates     bool          `yaml:"require_all_gates" json:"require_all_gates"`
	MinFixConfidence    float64       `yaml:"min_fix_confidence" json:"min_fix_confidence"`
	VerifyAfterApply    bool          `yaml:"verify_after_apply" json:"verify_after_apply"`
	BackupRetention     time.Duration `yaml:"backup_retention" json:"backup_retention"`
	DatabasePath        string        `yaml:"database_path" json:"database_path"`

	// Auto-rollback monitor tuning
	MonitorDuration      time.Duration `yaml:"monitor_duration" json:"monitor_duration"`
	CheckInterval        time.Duration `yaml:"check_interval" json:"check_interval"`
	ErrorRateThreshold   float64       `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	PerformanceThreshold float64       `yaml:"performance_threshold" json:"performance_threshold"`
	MemoryThresholdBytes int64         `yaml:"memory_threshold_bytes" json:"memory_threshold_bytes"`
	// ScaleWithBaseline scales the error-rate threshold with the baseline
	// volume instead of treating it as absolute.
	ScaleWithBaseline bool `yaml:"scale_with_baseline" json:"scale_with_baseline"`
}

// MonitorConfig configures metrics retention and alerting.
type MonitorConfig struct {
	RetentionPeriod time.Duration `yaml:"retention_period" json:"retention_period"`
	AlertCooldown   time.Duration `yaml:"alert_cooldown" json:"alert_cooldown"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:    "forgeflow",
		Version: "1.0.0",
		Bus: BusConfig{
			MaxWorkers:        4,
			MaxRetries:        3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			InvocationTimeout: 15 * time.Minute,
		},
		Controller: ControllerConfig{
			ApprovalExpiry: time.Hour,
		},
		Safety: SafetyConfig{
			RateLimits:            RateLimits{PerMinute: 10, PerHour: 100, PerDay: 500},
			FailureCooldown:       30 * time.Second,
			FailureWindow:         10 * time.Minute,
			MaxConsecutiveFails:   3,
			MinConfidence:         0.7,
			HighRiskConfidence:    0.9,
			MaxConcurrentIsolated: 2,
		},
		Learning: LearningConfig{
			AutoApply:            false,
			AutoRollback:         true,
			ConfidenceThreshold:  0.8,
			RequireAllGates:      true,
			MinFixConfidence:     0.3,
			VerifyAfterApply:     true,
			BackupRetention:      7 * 24 * time.Hour,
			MonitorDuration:      5 * time.Minute,
			CheckInterval:        10 * time.Second,
			ErrorRateThreshold:   0.10,
			PerformanceThreshold: 0.20,
			MemoryThresholdBytes: 100 * 1024 * 1024,
		},
		Monitor: MonitorConfig{
			RetentionPeriod: 24 * time.Hour,
			AlertCooldown:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration for the given workspace. Missing files yield
// defaults; a present file is merged over defaults, then environment
// overrides are applied.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	cfg.StateRoot = filepath.Join(workspace, ".forgeflow")

	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(workspace, ".forgeflow", name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		if strings.HasSuffix(name, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
		break
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FORGEFLOW_* environment variables over the
// loaded config. Only the operationally interesting knobs are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGEFLOW_AUTO_APPLY"); v != "" {
		cfg.Learning.AutoApply = isTruthy(v)
	}
	if v := os.Getenv("FORGEFLOW_AUTO_ROLLBACK"); v != "" {
		cfg.Learning.AutoRollback = isTruthy(v)
	}
	if v := os.Getenv("FORGEFLOW_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Learning.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("FORGEFLOW_REQUIRE_ALL_GATES"); v != "" {
		cfg.Learning.RequireAllGates = isTruthy(v)
	}
	if v := os.Getenv("FORGEFLOW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MaxRetries = n
		}
	}
	if v := os.Getenv("FORGEFLOW_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MaxWorkers = n
		}
	}
	if v := os.Getenv("FORGEFLOW_APPROVAL_EXPIRY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.ApprovalExpiry = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("FORGEFLOW_STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	if v := os.Getenv("FORGEFLOW_DEBUG"); v != "" {
		cfg.Logging.DebugMode = isTruthy(v)
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Bus.MaxWorkers < 1 {
		return fmt.Errorf("bus.max_workers must be >= 1, got %d", c.Bus.MaxWorkers)
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must be >= 0, got %d", c.Bus.MaxRetries)
	}
	if c.Bus.BackoffMultiplier < 1.0 {
		return fmt.Errorf("bus.backoff_multiplier must be >= 1.0, got %v", c.Bus.BackoffMultiplier)
	}
	if c.Learning.ConfidenceThreshold < 0 || c.Learning.ConfidenceThreshold > 1 {
		return fmt.Errorf("learning.confidence_threshold must be in [0,1], got %v", c.Learning.ConfidenceThreshold)
	}
	if c.Safety.MinConfidence < 0 || c.Safety.MinConfidence > 1 {
		return fmt.Errorf("safety.min_confidence must be in [0,1], got %v", c.Safety.MinConfidence)
	}
	if c.Safety.RateLimits.PerMinute < 1 {
		return fmt.Errorf("safety.rate_limits.minute must be >= 1, got %d", c.Safety.RateLimits.PerMinute)
	}
	if c.Controller.ApprovalExpiry <= 0 {
		return fmt.Errorf("controller.approval_expiry must be positive, got %v", c.Controller.ApprovalExpiry)
	}
	return nil
}

// Save writes the config as JSON to .forgeflow/config.json.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".forgeflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}
