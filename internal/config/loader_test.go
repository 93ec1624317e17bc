package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Concurrency != 4 {
		t.Errorf("default concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("default breaker threshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if got := cfg.TimeoutFor("fast"); got != 10*time.Minute {
		t.Errorf("fast timeout = %v, want 10m", got)
	}
	if got := cfg.TimeoutFor("balanced"); got != 30*time.Minute {
		t.Errorf("balanced timeout = %v, want 30m", got)
	}
	if got := cfg.TimeoutFor("deep"); got != 60*time.Minute {
		t.Errorf("deep timeout = %v, want 60m", got)
	}
	// Unknown tiers fall back to the balanced budget.
	if got := cfg.TimeoutFor("unknown"); got != 30*time.Minute {
		t.Errorf("unknown tier timeout = %v, want 30m", got)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{"concurrency": 8, "listen_addr": "127.0.0.1:9999"}`)
	project := writeConfig(t, dir, "project.json", `{"concurrency": 2}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Project config wins over global.
	if cfg.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2 (project override)", cfg.Concurrency)
	}
	// Global values not overridden by project survive.
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("listen_addr = %q, want global value", cfg.ListenAddr)
	}
}

func TestLoadMissingFilesNotAnError(t *testing.T) {
	if _, err := Load("/nonexistent/global.json", "/nonexistent/project.json"); err != nil {
		t.Fatalf("missing config files should not error, got: %v", err)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfig(t, dir, "bad.json", `{"concurrency": `)

	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKD_DATA_DIR", "/tmp/taskd-test")
	t.Setenv("TASKD_CONCURRENCY", "9")
	t.Setenv("TASKD_BREAKER_COOLDOWN", "12.5")
	t.Setenv("TASKD_TIMEOUT_FAST", "30")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DataDir != "/tmp/taskd-test" {
		t.Errorf("data dir = %q, want env override", cfg.DataDir)
	}
	if cfg.Concurrency != 9 {
		t.Errorf("concurrency = %d, want 9", cfg.Concurrency)
	}
	if got := cfg.Breaker.Cooldown(); got != 12500*time.Millisecond {
		t.Errorf("cooldown = %v, want 12.5s", got)
	}
	if got := cfg.TimeoutFor("fast"); got != 30*time.Second {
		t.Errorf("fast timeout = %v, want 30s", got)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("TASKD_CONCURRENCY", "not-a-number")

	if _, err := Load("", ""); err == nil {
		t.Fatal("expected error for invalid TASKD_CONCURRENCY")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data/taskd"

	if got := cfg.DatabasePath(); got != "/data/taskd/tasks.db" {
		t.Errorf("DatabasePath() = %q", got)
	}
	if got := cfg.TaskLogDir(); got != "/data/taskd/tasks" {
		t.Errorf("TaskLogDir() = %q", got)
	}
	if got := cfg.BreakerDir(); got != "/data/taskd/circuit_breakers" {
		t.Errorf("BreakerDir() = %q", got)
	}
	if got := cfg.GlobalLogPath(); got != "/data/taskd/global.log" {
		t.Errorf("GlobalLogPath() = %q", got)
	}

	cfg.DBPath = "/elsewhere/t.db"
	cfg.LogDir = "/elsewhere/logs"
	if got := cfg.DatabasePath(); got != "/elsewhere/t.db" {
		t.Errorf("DatabasePath() override = %q", got)
	}
	if got := cfg.TaskLogDir(); got != "/elsewhere/logs" {
		t.Errorf("TaskLogDir() override = %q", got)
	}
}
