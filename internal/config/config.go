// Package config loads daemon configuration from $CASEAGENT_HOME/config.yaml
// with defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig selects and tunes the model-service transport.
type TransportConfig struct {
	// Mode names the transport: "cli" (subprocess) or "api" (Anthropic SDK).
	Mode string `yaml:"mode"`

	// CLI transport settings.
	CLIPath string `yaml:"cli_path"`
	// StdinThresholdBytes is the prompt size above which the prompt is
	// written to the subprocess's stdin instead of being passed as an
	// argument (OS argv limits).
	StdinThresholdBytes int `yaml:"stdin_threshold_bytes"`

	// API transport settings.
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`

	// TimeoutSeconds is the default per-call wall clock timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// RunTimeoutSeconds bounds a full specialist run's model call.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`
}

// LoopConfig selects the tool-calling strategy.
type LoopConfig struct {
	// Strategy is "plan" (single-shot plan-then-execute) or "iterative"
	// (multi-turn tool use).
	Strategy string `yaml:"strategy"`
	// MaxTurns is the iteration ceiling for the iterative strategy.
	MaxTurns int `yaml:"max_turns"`
}

// SchedulerConfig tunes the recurring triggers.
type SchedulerConfig struct {
	PortfolioCron       string `yaml:"portfolio_cron"`
	CertificateCron     string `yaml:"certificate_cron"`
	ExpiryWindowDays    int    `yaml:"expiry_window_days"`
	FollowupPollSeconds int    `yaml:"followup_poll_seconds"`
}

// TelemetryConfig tunes OTel export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Transport TransportConfig `yaml:"transport"`
	Loop      LoopConfig      `yaml:"loop"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultHomeDir returns $CASEAGENT_HOME or ~/.caseagent.
func DefaultHomeDir() string {
	if env := os.Getenv("CASEAGENT_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".caseagent")
}

// Load reads config.yaml from homeDir, applying defaults for absent fields.
// A missing file is not an error; defaults are returned.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "caseagent.db")
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "cli"
	}
	if c.Transport.CLIPath == "" {
		c.Transport.CLIPath = "claude"
	}
	if c.Transport.StdinThresholdBytes <= 0 {
		c.Transport.StdinThresholdBytes = 32 * 1024
	}
	if c.Transport.Model == "" {
		c.Transport.Model = "claude-sonnet-4-5"
	}
	if c.Transport.APIKeyEnv == "" {
		c.Transport.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Transport.TimeoutSeconds <= 0 {
		c.Transport.TimeoutSeconds = 45
	}
	if c.Transport.RunTimeoutSeconds <= 0 {
		c.Transport.RunTimeoutSeconds = 600
	}

	if c.Loop.Strategy == "" {
		c.Loop.Strategy = "plan"
	}
	if c.Loop.MaxTurns <= 0 {
		c.Loop.MaxTurns = 20
	}

	if c.Scheduler.PortfolioCron == "" {
		c.Scheduler.PortfolioCron = "0 6 * * *"
	}
	if c.Scheduler.CertificateCron == "" {
		c.Scheduler.CertificateCron = "30 6 * * *"
	}
	if c.Scheduler.ExpiryWindowDays <= 0 {
		c.Scheduler.ExpiryWindowDays = 14
	}
	if c.Scheduler.FollowupPollSeconds <= 0 {
		c.Scheduler.FollowupPollSeconds = 60
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "caseagent"
	}
	if c.Telemetry.SampleRate <= 0 {
		c.Telemetry.SampleRate = 1.0
	}
}

// CallTimeout returns the default per-call transport timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSeconds) * time.Second
}

// RunTimeout returns the long-run transport timeout for specialist runs.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Transport.RunTimeoutSeconds) * time.Second
}
