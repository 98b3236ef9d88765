package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// StageTimeouts holds the per-stage execution limits.
type StageTimeouts struct {
	Execution    time.Duration
	Detection    time.Duration
	Verification time.Duration
	Fixing       time.Duration
	Learning     time.Duration
}

// DefaultStageTimeouts returns the standard limits: execution 5m, detection
// 1m, verification 2m, fixing 10m, learning 30s.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Execution:    300 * time.Second,
		Detection:    60 * time.Second,
		Verification: 120 * time.Second,
		Fixing:       600 * time.Second,
		Learning:     30 * time.Second,
	}
}

// For returns the limit for one stage.
func (t StageTimeouts) For(stage store.Stage) time.Duration {
	switch stage {
	case store.StageExecution:
		return t.Execution
	case store.StageDetection:
		return t.Detection
	case store.StageVerification:
		return t.Verification
	case store.StageFixing:
		return t.Fixing
	case store.StageLearning:
		return t.Learning
	}
	return 0
}

// Overall returns the whole-workflow limit: the sum of stage limits with a
// 1.5x allowance for retries and persistence.
func (t StageTimeouts) Overall() time.Duration {
	sum := t.Execution + t.Detection + t.Verification + t.Fixing + t.Learning
	return sum + sum/2
}

// StageContext carries everything a stage needs: the workflow row, the test
// definition, and the results of earlier stages.
type StageContext struct {
	Workflow store.Workflow
	Test     collab.TestDefinition
}

// StageResult is the uniform outcome of one stage attempt. Exactly one
// typed result slot is set on success; Err carries the failure otherwise.
type StageResult struct {
	Success    bool
	DurationMS int64
	Err        error

	Execution    *collab.TestExecutionResult
	Detection    *collab.DetectionResult
	Verification *collab.VerificationReport
	Fixing       *collab.FixResult
	Learning     *collab.LearningResult
}

// Executor runs one stage at a time against the injected collaborators,
// enforcing the per-stage timeout. Collaborator calls happen outside any
// store transaction; results are persisted by the caller only after success.
type Executor struct {
	collab   collab.Set
	timeouts StageTimeouts
	log      zerolog.Logger
}

// NewExecutor creates an Executor over the collaborator set.
func NewExecutor(set collab.Set, timeouts StageTimeouts, logger zerolog.Logger) *Executor {
	return &Executor{
		collab:   set,
		timeouts: timeouts,
		log:      logger.With().Str("component", "executor").Logger(),
	}
}

// Timeouts returns the executor's stage limits.
func (e *Executor) Timeouts() StageTimeouts { return e.timeouts }

// Execute runs one stage. A timeout cancels the collaborator (best effort)
// and yields a failed result wrapping fault.ErrTimeout; external
// cancellation yields fault.ErrCancelled.
func (e *Executor) Execute(ctx context.Context, stage store.Stage, sc StageContext) StageResult {
	start := time.Now()

	timeout := e.timeouts.For(stage)
	if timeout <= 0 {
		return StageResult{Err: fmt.Errorf("stage %q has no executor: %w", stage, fault.ErrValidation)}
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run the collaborator in its own goroutine so a hung call cannot block
	// the pipeline past its deadline. The goroutine is abandoned on timeout;
	// its eventual result is discarded.
	done := make(chan StageResult, 1)
	go func() {
		done <- e.invoke(stageCtx, stage, sc)
	}()

	var res StageResult
	select {
	case res = <-done:
	case <-stageCtx.Done():
		res = StageResult{}
	}

	res.DurationMS = time.Since(start).Milliseconds()
	res = overlayCtxErr(res, classifyCtx(ctx, stageCtx))
	if res.Err != nil {
		res.Success = false
		e.log.Warn().
			Str("workflow_id", sc.Workflow.ID).
			Str("stage", string(stage)).
			Err(res.Err).
			Msg("stage failed")
	}
	return res
}

// overlayCtxErr folds a context failure into a stage result. A result the
// collaborator delivered in time stands, even when the deadline lapses while
// it is being handed over.
func overlayCtxErr(res StageResult, err error) StageResult {
	if err == nil || (res.Success && res.Err == nil) {
		return res
	}
	res.Success = false
	res.Err = err
	return res
}

// classifyCtx distinguishes a stage timeout from external cancellation.
func classifyCtx(parent, stage context.Context) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("cancelled: %w", fault.ErrCancelled)
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("workflow_timeout: %w", fault.ErrTimeout)
	}
	if errors.Is(stage.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout: %w", fault.ErrTimeout)
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, stage store.Stage, sc StageContext) StageResult {
	w := sc.Workflow
	switch stage {
	case store.StageExecution:
		res, err := e.collab.Runner.Run(ctx, sc.Test)
		if err != nil {
			return StageResult{Err: err}
		}
		return StageResult{Success: true, Execution: res}

	case store.StageDetection:
		evidence := collab.Evidence{}
		if w.Execution != nil {
			evidence = w.Execution.Evidence
		}
		res, err := e.collab.Detector.Analyze(ctx, evidence, sc.Test)
		if err != nil {
			return StageResult{Err: err}
		}
		return StageResult{Success: true, Detection: res}

	case store.StageVerification:
		evidence := collab.Evidence{}
		if w.Execution != nil {
			evidence = w.Execution.Evidence
		}
		res, err := e.collab.Verifier.Verify(ctx, evidence, w.Detection)
		if err != nil {
			return StageResult{Err: err}
		}
		return StageResult{Success: true, Verification: res}

	case store.StageFixing:
		evidence := collab.Evidence{}
		if w.Execution != nil {
			evidence = w.Execution.Evidence
		}
		res, err := e.collab.Fixer.Attempt(ctx, w.Verification, evidence)
		if err != nil {
			return StageResult{Err: err}
		}
		return StageResult{Success: true, Fixing: res}

	case store.StageLearning:
		res, err := e.collab.Extractor.Extract(ctx, collab.LearningContext{
			Test:         sc.Test,
			Execution:    w.Execution,
			Detection:    w.Detection,
			Verification: w.Verification,
			Fixing:       w.Fixing,
		})
		if err != nil {
			return StageResult{Err: err}
		}
		return StageResult{Success: true, Learning: res}
	}
	return StageResult{Err: fmt.Errorf("stage %q has no executor: %w", stage, fault.ErrValidation)}
}
