package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8390" {
		t.Errorf("server addr: %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "supervisor.db" {
		t.Errorf("store defaults: %+v", cfg.Store)
	}
	if cfg.Workflow.MaxRetries != 3 || cfg.Workflow.ExecutionTimeoutSec != 300 {
		t.Errorf("workflow defaults: %+v", cfg.Workflow)
	}
	if cfg.Session.StaleThreshold() != 120*time.Second {
		t.Errorf("stale threshold: %v", cfg.Session.StaleThreshold())
	}
	if cfg.Workflow.RetryBaseDelay() != time.Second || cfg.Workflow.RetryMaxDelay() != 30*time.Second {
		t.Errorf("retry delays: %v / %v", cfg.Workflow.RetryBaseDelay(), cfg.Workflow.RetryMaxDelay())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
store:
  backend: memory
workflow:
  max_retries: 5
  fixing_timeout_sec: 120
session:
  checkpoint_threshold_pct: 70
log:
  level: debug
  pretty: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend: %q", cfg.Store.Backend)
	}
	if cfg.Workflow.MaxRetries != 5 || cfg.Workflow.FixingTimeoutSec != 120 {
		t.Errorf("workflow overrides: %+v", cfg.Workflow)
	}
	// Untouched keys keep their defaults.
	if cfg.Workflow.ExecutionTimeoutSec != 300 {
		t.Errorf("execution timeout: %d", cfg.Workflow.ExecutionTimeoutSec)
	}
	if cfg.Session.CheckpointThresholdPct != 70 {
		t.Errorf("checkpoint threshold: %d", cfg.Session.CheckpointThresholdPct)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("log overrides: %+v", cfg.Log)
	}
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SUPERVISOR_STORE__BACKEND", "mysql")
	t.Setenv("SUPERVISOR_STORE__MYSQL_DSN", "user:pass@tcp(localhost:3306)/supervisor")
	t.Setenv("SUPERVISOR_WORKFLOW__MAX_RETRIES", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != "mysql" {
		t.Errorf("backend: %q", cfg.Store.Backend)
	}
	if cfg.Store.MySQLDSN == "" {
		t.Errorf("mysql dsn not applied")
	}
	if cfg.Workflow.MaxRetries != 1 {
		t.Errorf("max retries: %d", cfg.Workflow.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file did not error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"mysql without dsn", func(c *Config) { c.Store.Backend = "mysql"; c.Store.MySQLDSN = "" }},
		{"negative retries", func(c *Config) { c.Workflow.MaxRetries = -1 }},
		{"zero workers", func(c *Config) { c.Workflow.Workers = 0 }},
		{"zero stage timeout", func(c *Config) { c.Workflow.DetectionTimeoutSec = 0 }},
		{"zero stale threshold", func(c *Config) { c.Session.StaleThresholdSec = 0 }},
		{"threshold over 100", func(c *Config) { c.Session.CheckpointThresholdPct = 101 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, fault.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
