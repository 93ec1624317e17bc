package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.config/taskd/config.json; project: .taskd/config.json.
func LoadDefault() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(home, ".config", "taskd", "config.json")
	projectPath := filepath.Join(".taskd", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// applyEnv applies the enumerated environment overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TASKD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TASKD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKD_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"TASKD_CONCURRENCY", &cfg.Concurrency},
		{"TASKD_BREAKER_THRESHOLD", &cfg.Breaker.FailureThreshold},
		{"TASKD_RETRY_ATTEMPTS", &cfg.Retry.MaxAttempts},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s=%q: %w", iv.name, v, err)
			}
			*iv.dst = n
		}
	}

	floatVars := []struct {
		name string
		dst  *float64
	}{
		{"TASKD_BREAKER_COOLDOWN", &cfg.Breaker.CooldownSeconds},
		{"TASKD_RETRY_BASE_DELAY", &cfg.Retry.BaseDelaySeconds},
		{"TASKD_TIMEOUT_FAST", &cfg.Timeouts.FastSeconds},
		{"TASKD_TIMEOUT_BALANCED", &cfg.Timeouts.BalancedSeconds},
		{"TASKD_TIMEOUT_DEEP", &cfg.Timeouts.DeepSeconds},
		{"TASKD_MONITOR_INTERVAL", &cfg.Monitor.IntervalSeconds},
	}
	for _, fv := range floatVars {
		if v := os.Getenv(fv.name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("parsing %s=%q: %w", fv.name, v, err)
			}
			*fv.dst = f
		}
	}

	return nil
}
