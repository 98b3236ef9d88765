// Package collab defines the interfaces the kernel uses to invoke its
// external collaborators: test runners, anomaly detectors, verifiers, fix
// agents, and learning extractors.
//
// The kernel never implements these itself; concrete implementations live in
// separate modules (browser runners, LLM analyzers, agent routers) and are
// dependency-injected into the stage executor. Each call accepts a context
// and must honour cancellation; any non-nil error is treated by the kernel
// as a stage failure with the error's message.
package collab

import "context"

// TestDefinition describes one test derived from an epic.
type TestDefinition struct {
	TestID   string         `json:"test_id"`
	EpicID   string         `json:"epic_id"`
	TestType string         `json:"test_type"`
	Name     string         `json:"name,omitempty"`
	Steps    []string       `json:"steps,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Evidence collects the artifacts a test run produced.
type Evidence struct {
	Screenshots []string `json:"screenshots,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	Traces      []string `json:"traces,omitempty"`
}

// TestExecutionResult is returned by a TestRunner.
type TestExecutionResult struct {
	TestID     string   `json:"test_id"`
	Passed     bool     `json:"passed"`
	DurationMS int64    `json:"duration_ms"`
	Evidence   Evidence `json:"evidence"`
}

// RedFlag is a single anomaly detected in test evidence.
type RedFlag struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
	Source      string `json:"source,omitempty"`
}

// DetectionResult is returned by a RedFlagDetector.
type DetectionResult struct {
	TestID        string    `json:"test_id"`
	RedFlags      []RedFlag `json:"red_flags"`
	DetectedAt    string    `json:"detected_at"`
	TotalChecks   int       `json:"total_checks"`
	FlaggedChecks int       `json:"flagged_checks"`
}

// VerificationReport is returned by an IndependentVerifier. Confidence is a
// percentage in [0,100].
type VerificationReport struct {
	Verified               bool     `json:"verified"`
	Confidence             float64  `json:"confidence"`
	Concerns               []string `json:"concerns,omitempty"`
	CrossValidationResults []string `json:"cross_validation_results,omitempty"`
	VerifierID             string   `json:"verifier_id"`
}

// FixResult is returned by a FixAgent.
type FixResult struct {
	Success     bool    `json:"success"`
	FixStrategy string  `json:"fix_strategy"`
	RetriesUsed int     `json:"retries_used"`
	Cost        float64 `json:"cost,omitempty"`
}

// Pattern is one learned observation extracted from a completed pipeline.
type Pattern struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
}

// LearningResult is returned by a LearningExtractor.
type LearningResult struct {
	TestID      string    `json:"test_id"`
	Patterns    []Pattern `json:"patterns"`
	ExtractedAt string    `json:"extracted_at"`
}

// LearningContext bundles the earlier stage outputs handed to the extractor.
type LearningContext struct {
	Test         TestDefinition       `json:"test"`
	Execution    *TestExecutionResult `json:"execution,omitempty"`
	Detection    *DetectionResult     `json:"detection,omitempty"`
	Verification *VerificationReport  `json:"verification,omitempty"`
	Fixing       *FixResult           `json:"fixing,omitempty"`
}

// TestRunner executes one test and returns its evidence.
type TestRunner interface {
	Run(ctx context.Context, def TestDefinition) (*TestExecutionResult, error)
}

// RedFlagDetector analyzes evidence for anomalies.
type RedFlagDetector interface {
	Analyze(ctx context.Context, evidence Evidence, def TestDefinition) (*DetectionResult, error)
}

// IndependentVerifier verifies the execution result independently of the
// runner that produced it.
type IndependentVerifier interface {
	Verify(ctx context.Context, evidence Evidence, detection *DetectionResult) (*VerificationReport, error)
}

// FixAgent attempts an automated fix after a failed verification.
type FixAgent interface {
	Attempt(ctx context.Context, verification *VerificationReport, evidence Evidence) (*FixResult, error)
}

// LearningExtractor extracts patterns from the pipeline outcome.
type LearningExtractor interface {
	Extract(ctx context.Context, lc LearningContext) (*LearningResult, error)
}

// Set bundles the five collaborators injected into the stage executor.
type Set struct {
	Runner    TestRunner
	Detector  RedFlagDetector
	Verifier  IndependentVerifier
	Fixer     FixAgent
	Extractor LearningExtractor
}
