// Package config loads the kernel daemon configuration from defaults, an
// optional YAML file, and SUPERVISOR_-prefixed environment variables, in that
// order of precedence (environment wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

// envPrefix is stripped from environment variables; a double underscore in
// the remainder separates key path segments, so single underscores survive
// inside key names: SUPERVISOR_WORKFLOW__MAX_RETRIES -> workflow.max_retries.
const envPrefix = "SUPERVISOR_"

// Config is the full daemon configuration.
type Config struct {
	Server   Server   `koanf:"server"`
	Store    Store    `koanf:"store"`
	Workflow Workflow `koanf:"workflow"`
	Session  Session  `koanf:"session"`
	Redact   Redact   `koanf:"redact"`
	Log      Log      `koanf:"log"`
}

// Server holds the listen addresses.
type Server struct {
	// Addr serves the MCP streamable HTTP endpoint.
	Addr string `koanf:"addr"`
	// MetricsAddr serves Prometheus metrics; empty disables the listener.
	MetricsAddr string `koanf:"metrics_addr"`
}

// Store selects and configures the persistence backend.
type Store struct {
	// Backend is one of memory, sqlite, mysql.
	Backend string `koanf:"backend"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `koanf:"sqlite_path"`
	// MySQLDSN is the connection string for the mysql backend.
	MySQLDSN string `koanf:"mysql_dsn"`
}

// Workflow tunes the stage pipeline.
type Workflow struct {
	MaxRetries int    `koanf:"max_retries"`
	Workers    int    `koanf:"workers"`
	HandoffDir string `koanf:"handoff_dir"`

	ExecutionTimeoutSec    int `koanf:"execution_timeout_sec"`
	DetectionTimeoutSec    int `koanf:"detection_timeout_sec"`
	VerificationTimeoutSec int `koanf:"verification_timeout_sec"`
	FixingTimeoutSec       int `koanf:"fixing_timeout_sec"`
	LearningTimeoutSec     int `koanf:"learning_timeout_sec"`

	RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `koanf:"retry_max_delay_ms"`
}

// Session tunes instance liveness and checkpointing.
type Session struct {
	StaleThresholdSec      int `koanf:"stale_threshold_sec"`
	SweepIntervalSec       int `koanf:"sweep_interval_sec"`
	CheckpointThresholdPct int `koanf:"checkpoint_threshold_pct"`
}

// Redact configures the secret redaction patterns.
type Redact struct {
	// PatternsPath is a YAML pattern file; empty uses the built-in set.
	PatternsPath string `koanf:"patterns_path"`
}

// Log configures zerolog output.
type Log struct {
	// Level is a zerolog level name (trace, debug, info, warn, error).
	Level string `koanf:"level"`
	// Pretty switches to the human console writer.
	Pretty bool `koanf:"pretty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8390",
			MetricsAddr: ":9090",
		},
		Store: Store{
			Backend:    "sqlite",
			SQLitePath: "supervisor.db",
		},
		Workflow: Workflow{
			MaxRetries:             3,
			Workers:                4,
			HandoffDir:             "handoffs",
			ExecutionTimeoutSec:    300,
			DetectionTimeoutSec:    60,
			VerificationTimeoutSec: 120,
			FixingTimeoutSec:       600,
			LearningTimeoutSec:     30,
			RetryBaseDelayMS:       1000,
			RetryMaxDelayMS:        30000,
		},
		Session: Session{
			StaleThresholdSec:      120,
			SweepIntervalSec:       30,
			CheckpointThresholdPct: 80,
		},
		Log: Log{Level: "info"},
	}
}

// Load builds the configuration. path may be empty to skip the file layer; a
// named file that does not exist is an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown store backend %q: %w", c.Store.Backend, fault.ErrValidation)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("sqlite backend needs store.sqlite_path: %w", fault.ErrValidation)
	}
	if c.Store.Backend == "mysql" && c.Store.MySQLDSN == "" {
		return fmt.Errorf("mysql backend needs store.mysql_dsn: %w", fault.ErrValidation)
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must be >= 0: %w", fault.ErrValidation)
	}
	if c.Workflow.Workers < 1 {
		return fmt.Errorf("workflow.workers must be >= 1: %w", fault.ErrValidation)
	}
	for name, sec := range map[string]int{
		"execution_timeout_sec":    c.Workflow.ExecutionTimeoutSec,
		"detection_timeout_sec":    c.Workflow.DetectionTimeoutSec,
		"verification_timeout_sec": c.Workflow.VerificationTimeoutSec,
		"fixing_timeout_sec":       c.Workflow.FixingTimeoutSec,
		"learning_timeout_sec":     c.Workflow.LearningTimeoutSec,
	} {
		if sec <= 0 {
			return fmt.Errorf("workflow.%s must be positive: %w", name, fault.ErrValidation)
		}
	}
	if c.Session.StaleThresholdSec <= 0 {
		return fmt.Errorf("session.stale_threshold_sec must be positive: %w", fault.ErrValidation)
	}
	if c.Session.CheckpointThresholdPct < 1 || c.Session.CheckpointThresholdPct > 100 {
		return fmt.Errorf("session.checkpoint_threshold_pct must be in [1,100]: %w", fault.ErrValidation)
	}
	return nil
}

// StaleThreshold returns the instance staleness cutoff as a duration.
func (s Session) StaleThreshold() time.Duration {
	return time.Duration(s.StaleThresholdSec) * time.Second
}

// SweepInterval returns the staleness sweep period.
func (s Session) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// RetryBaseDelay returns the first retry backoff step.
func (w Workflow) RetryBaseDelay() time.Duration {
	return time.Duration(w.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff ceiling.
func (w Workflow) RetryMaxDelay() time.Duration {
	return time.Duration(w.RetryMaxDelayMS) * time.Millisecond
}
