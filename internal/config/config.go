// Package config holds the service configuration: defaults, JSON file
// merging (global then project), and the enumerated environment overrides.
package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// BreakerConfig configures the persisted circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int     `json:"failure_threshold"`   // Consecutive failures before opening
	CooldownSeconds   float64 `json:"cooldown_seconds"`    // Open -> half-open delay
	HalfOpenSuccesses int     `json:"half_open_successes"` // Probe successes required to close
	RetentionDays     int     `json:"retention_days"`      // Sweep records untouched this long
}

// RetryConfig configures the retry controller.
type RetryConfig struct {
	MaxAttempts      int     `json:"max_attempts"`
	BaseDelaySeconds float64 `json:"base_delay_seconds"`
	MaxDelaySeconds  float64 `json:"max_delay_seconds"`
	Schedule         string  `json:"schedule"` // "exponential", "linear", or "fibonacci"
}

// TimeoutConfig holds the per-tier task timeout budgets, in seconds.
type TimeoutConfig struct {
	FastSeconds     float64 `json:"fast_seconds"`
	BalancedSeconds float64 `json:"balanced_seconds"`
	DeepSeconds     float64 `json:"deep_seconds"`
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	IntervalSeconds float64 `json:"interval_seconds"`
	RingSize        int     `json:"ring_size"`
}

// Config is the top-level service configuration.
type Config struct {
	DataDir      string        `json:"data_dir"`      // Root of persisted state
	DBPath       string        `json:"db_path"`       // Override for tasks.db location
	LogDir       string        `json:"log_dir"`       // Override for per-task log directory
	ListenAddr   string        `json:"listen_addr"`   // HTTP API bind address
	AgentCommand string        `json:"agent_command"` // External agent CLI binary
	Concurrency  int           `json:"concurrency"`   // Max concurrent executors
	Breaker      BreakerConfig `json:"breaker"`
	Retry        RetryConfig   `json:"retry"`
	Timeouts     TimeoutConfig `json:"timeouts"`
	Monitor      MonitorConfig `json:"monitor"`
}

// Default returns the default configuration rooted in the per-user data
// directory.
func Default() *Config {
	return &Config{
		DataDir:      filepath.Join(xdg.DataHome, "taskd"),
		ListenAddr:   "127.0.0.1:8787",
		AgentCommand: "claude",
		Concurrency:  4,
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			CooldownSeconds:   60,
			HalfOpenSuccesses: 2,
			RetentionDays:     7,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  60,
			Schedule:         "exponential",
		},
		Timeouts: TimeoutConfig{
			FastSeconds:     600,  // 10 minutes
			BalancedSeconds: 1800, // 30 minutes
			DeepSeconds:     3600, // 60 minutes
		},
		Monitor: MonitorConfig{
			IntervalSeconds: 60,
			RingSize:        1440,
		},
	}
}

// DatabasePath returns the resolved path of the tasks database.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "tasks.db")
}

// TaskLogDir returns the resolved directory for per-task log files.
func (c *Config) TaskLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return filepath.Join(c.DataDir, "tasks")
}

// BreakerDir returns the directory holding per-key circuit breaker records.
func (c *Config) BreakerDir() string {
	return filepath.Join(c.DataDir, "circuit_breakers")
}

// GlobalLogPath returns the path of the rotating service log.
func (c *Config) GlobalLogPath() string {
	return filepath.Join(c.DataDir, "global.log")
}

// TimeoutFor returns the timeout budget for a model tier.
func (c *Config) TimeoutFor(tier string) time.Duration {
	switch tier {
	case "fast":
		return secs(c.Timeouts.FastSeconds)
	case "deep":
		return secs(c.Timeouts.DeepSeconds)
	default:
		return secs(c.Timeouts.BalancedSeconds)
	}
}

// Cooldown returns the breaker cooldown as a duration.
func (c *BreakerConfig) Cooldown() time.Duration { return secs(c.CooldownSeconds) }

// Retention returns the breaker record retention window.
func (c *BreakerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// BaseDelay returns the retry base delay as a duration.
func (c *RetryConfig) BaseDelay() time.Duration { return secs(c.BaseDelaySeconds) }

// MaxDelay returns the retry delay cap as a duration.
func (c *RetryConfig) MaxDelay() time.Duration { return secs(c.MaxDelaySeconds) }

// Interval returns the monitor sampling interval as a duration.
func (c *MonitorConfig) Interval() time.Duration { return secs(c.IntervalSeconds) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
