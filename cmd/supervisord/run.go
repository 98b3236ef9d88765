package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gpt153/supervisor-kernel/kernel"
	"github.com/gpt153/supervisor-kernel/kernel/cmdlog"
	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/config"
	"github.com/gpt153/supervisor-kernel/kernel/emit"
	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/session"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// manifest is the YAML file the run command consumes. Tests inherit the
// top-level epic_id unless they set their own.
type manifest struct {
	EpicID string `yaml:"epic_id"`
	Tests  []struct {
		TestID   string         `yaml:"test_id"`
		TestType string         `yaml:"test_type"`
		Name     string         `yaml:"name"`
		Steps    []string       `yaml:"steps"`
		Metadata map[string]any `yaml:"metadata"`
	} `yaml:"tests"`
}

func loadManifest(path string) (string, []collab.TestDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read test manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return "", nil, fmt.Errorf("parse test manifest: %w", err)
	}
	if m.EpicID == "" {
		return "", nil, fmt.Errorf("test manifest needs a top-level epic_id")
	}
	if len(m.Tests) == 0 {
		return "", nil, fmt.Errorf("test manifest has no tests")
	}

	defs := make([]collab.TestDefinition, 0, len(m.Tests))
	for _, t := range m.Tests {
		defs = append(defs, collab.TestDefinition{
			TestID:   t.TestID,
			EpicID:   m.EpicID,
			TestType: t.TestType,
			Name:     t.Name,
			Steps:    t.Steps,
			Metadata: t.Metadata,
		})
	}
	return m.EpicID, defs, nil
}

func stageTimeouts(cfg config.Workflow) kernel.StageTimeouts {
	return kernel.StageTimeouts{
		Execution:    time.Duration(cfg.ExecutionTimeoutSec) * time.Second,
		Detection:    time.Duration(cfg.DetectionTimeoutSec) * time.Second,
		Verification: time.Duration(cfg.VerificationTimeoutSec) * time.Second,
		Fixing:       time.Duration(cfg.FixingTimeoutSec) * time.Second,
		Learning:     time.Duration(cfg.LearningTimeoutSec) * time.Second,
	}
}

func newRunCmd() *cobra.Command {
	var (
		manifestPath    string
		collaboratorURL string
		project         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an epic's tests through the workflow pipeline",
		Long: "Run registers a supervisor instance, drives every test in the manifest " +
			"through the execution, detection, verification, fixing, and learning stages " +
			"against the HTTP collaborator, and prints the epic report as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			epicID, defs, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			st, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			redactor := newRedactor(cfg.Redact, logger)
			ev := events.NewLog(st, nil, logger)
			registry := session.NewRegistry(st, ev, nil, cfg.Session.StaleThreshold(), logger)
			machine := kernel.NewStateMachine(st, emit.NewLogEmitter(logger), redactor, logger)

			client := collab.NewHTTPClient(collaboratorURL, nil)
			executor := kernel.NewExecutor(collab.Set{
				Runner:    client,
				Detector:  client,
				Verifier:  client,
				Fixer:     client,
				Extractor: client,
			}, stageTimeouts(cfg.Workflow), logger)
			handler := kernel.NewErrorHandler(machine, redactor, cfg.Workflow.MaxRetries, cfg.Workflow.HandoffDir, logger)
			orch := kernel.NewOrchestrator(machine, executor, handler, ev,
				cmdlog.NewRecorder(st, redactor, logger), logger,
				kernel.WithEmitter(emit.NewLogEmitter(logger)),
				kernel.WithRetryPolicy(kernel.RetryPolicy{
					BaseDelay: cfg.Workflow.RetryBaseDelay(),
					MaxDelay:  cfg.Workflow.RetryMaxDelay(),
				}))
			sched := kernel.NewScheduler(orch, cfg.Workflow.Workers, nil, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inst, err := registry.Register(ctx, project, store.InstancePS, map[string]any{"source": "cli"})
			if err != nil {
				return err
			}

			outcomes := sched.RunAll(ctx, inst.InstanceID, defs)

			workflows := make([]store.Workflow, 0, len(outcomes))
			histories := make(map[string][]store.WorkflowHistoryEntry, len(outcomes))
			for _, outcome := range outcomes {
				w := outcome.Result.Workflow
				if w.ID == "" {
					continue
				}
				workflows = append(workflows, w)
				history, err := machine.History(ctx, w.ID)
				if err != nil {
					return err
				}
				histories[w.ID] = history
			}
			report := kernel.EpicReport(epicID, workflows, histories)

			if err := registry.Close(ctx, inst.InstanceID, "epic run finished"); err != nil {
				logger.Warn().Err(err).Msg("instance close failed")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d tests failed", report.Failed, report.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "tests", "", "YAML test manifest (required)")
	cmd.Flags().StringVar(&collaboratorURL, "collaborator", "", "collaborator base URL (required)")
	cmd.Flags().StringVar(&project, "project", "local", "project name for the registered instance")
	_ = cmd.MarkFlagRequired("tests")
	_ = cmd.MarkFlagRequired("collaborator")
	return cmd
}
