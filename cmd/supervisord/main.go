// Command supervisord runs the workflow and session kernel: an MCP admin
// endpoint over streamable HTTP, a Prometheus metrics listener, and a CLI
// runner that drives test pipelines against HTTP collaborators.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gpt153/supervisor-kernel/kernel/config"
	"github.com/gpt153/supervisor-kernel/kernel/redact"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func main() {
	root := &cobra.Command{
		Use:           "supervisord",
		Short:         "Workflow and session kernel for supervisor instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the --config flag and builds the layered configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openStore(cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "mysql":
		return store.NewMySQLStore(cfg.MySQLDSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// newRedactor builds the redactor from the configured pattern file and logs
// what the load did.
func newRedactor(cfg config.Redact, logger zerolog.Logger) *redact.Redactor {
	r, result := redact.Load(cfg.PatternsPath)
	if result.Err != nil {
		logger.Warn().Err(result.Err).Msg("redaction pattern file unusable, using built-in set")
	}
	for _, skipped := range result.Skipped {
		logger.Warn().Str("pattern", skipped.Name).Err(skipped.Err).Msg("redaction pattern skipped")
	}
	logger.Info().Int("patterns", result.Loaded).Bool("builtin", result.Fallback).Msg("redactor ready")
	return r
}
