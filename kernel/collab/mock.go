package collab

import (
	"context"
	"sync"
	"time"
)

// Outcome is one scripted collaborator response. Err, when set, takes
// precedence over the payload.
type Outcome[T any] struct {
	Result *T
	Err    error
}

// script returns the outcome for the n-th call, repeating the last outcome
// once the script is exhausted.
func script[T any](outcomes []Outcome[T], n int) Outcome[T] {
	if len(outcomes) == 0 {
		return Outcome[T]{}
	}
	if n >= len(outcomes) {
		n = len(outcomes) - 1
	}
	return outcomes[n]
}

// MockRunner is a scripted TestRunner for tests.
//
// Each call consumes the next outcome in sequence; when the script runs out
// the last outcome repeats. All calls are recorded for later inspection.
type MockRunner struct {
	Outcomes []Outcome[TestExecutionResult]

	mu    sync.Mutex
	Calls []TestDefinition
}

func (m *MockRunner) Run(ctx context.Context, def TestDefinition) (*TestExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := script(m.Outcomes, len(m.Calls))
	m.Calls = append(m.Calls, def)
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

// MockDetector is a scripted RedFlagDetector for tests.
type MockDetector struct {
	Outcomes []Outcome[DetectionResult]

	mu    sync.Mutex
	Calls []Evidence
}

func (m *MockDetector) Analyze(ctx context.Context, evidence Evidence, def TestDefinition) (*DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := script(m.Outcomes, len(m.Calls))
	m.Calls = append(m.Calls, evidence)
	if out.Err != nil {
		return nil, out.Err
	}
	if out.Result == nil {
		return &DetectionResult{TestID: def.TestID, RedFlags: []RedFlag{}, DetectedAt: time.Now().UTC().Format(time.RFC3339)}, nil
	}
	return out.Result, nil
}

// MockVerifier is a scripted IndependentVerifier for tests. Sequenced
// outcomes make the verify-fix-verify loop testable.
type MockVerifier struct {
	Outcomes []Outcome[VerificationReport]

	mu    sync.Mutex
	Calls []*DetectionResult
}

func (m *MockVerifier) Verify(ctx context.Context, evidence Evidence, detection *DetectionResult) (*VerificationReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := script(m.Outcomes, len(m.Calls))
	m.Calls = append(m.Calls, detection)
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

// MockFixer is a scripted FixAgent for tests.
type MockFixer struct {
	Outcomes []Outcome[FixResult]

	mu    sync.Mutex
	Calls []*VerificationReport
}

func (m *MockFixer) Attempt(ctx context.Context, verification *VerificationReport, evidence Evidence) (*FixResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := script(m.Outcomes, len(m.Calls))
	m.Calls = append(m.Calls, verification)
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}
