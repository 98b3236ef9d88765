package kernel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/cmdlog"
	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/emit"
	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// Orchestrator drives one workflow at a time through the stage pipeline:
// execution, detection, verification, the fixing loop, then learning. Stages
// within a workflow are strictly sequential; concurrency across workflows
// belongs to the Scheduler.
type Orchestrator struct {
	machine  *StateMachine
	executor *Executor
	handler  *ErrorHandler
	events   *events.Log
	commands *cmdlog.Recorder
	emitter  emit.Emitter
	metrics  *Metrics
	retry    RetryPolicy
	log      zerolog.Logger

	// Sleep waits between stage retries; injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithEmitter sets the observability sink.
func WithEmitter(e emit.Emitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryPolicy overrides the backoff between stage retries.
func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = p }
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(machine *StateMachine, executor *Executor, handler *ErrorHandler, ev *events.Log, commands *cmdlog.Recorder, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		machine:  machine,
		executor: executor,
		handler:  handler,
		events:   ev,
		commands: commands,
		emitter:  emit.NewNullEmitter(),
		retry:    DefaultRetryPolicy(),
		log:      logger.With().Str("component", "orchestrator").Logger(),
		Sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunResult is the terminal outcome of one orchestrated workflow.
type RunResult struct {
	Workflow    store.Workflow
	Report      TestReport
	HandoffPath string
}

// Run creates a workflow for the test definition and drives it to a
// terminal state. The returned error is non-nil for failed workflows and
// wraps the matching fault sentinel; the RunResult is valid either way once
// the workflow exists.
func (o *Orchestrator) Run(ctx context.Context, instanceID string, def collab.TestDefinition) (RunResult, error) {
	w, err := o.machine.Create(ctx, def.TestID, def.EpicID, store.TestType(def.TestType))
	if err != nil {
		return RunResult{}, err
	}

	// Terminal persistence must survive workflow timeout and cancellation.
	persistCtx := context.WithoutCancel(ctx)

	if _, err := o.events.Append(persistCtx, instanceID, events.TypeEpicStarted,
		map[string]any{"epic_id": def.EpicID, "test_id": def.TestID}, nil); err != nil {
		return RunResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.executor.Timeouts().Overall())
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	fixAttempts := 0
	stage := store.StageExecution

	w, err = o.machine.Transition(persistCtx, w, stage)
	if err != nil {
		return RunResult{}, err
	}

	for {
		o.emitter.Emit(emit.Event{
			InstanceID: instanceID, WorkflowID: w.ID, Stage: string(stage), Msg: "stage_start",
		})
		if stage == store.StageExecution {
			if _, err := o.events.Append(persistCtx, instanceID, events.TypeTestStarted,
				map[string]any{"test_id": def.TestID}, nil); err != nil {
				return RunResult{}, err
			}
		}

		res := o.executor.Execute(runCtx, stage, StageContext{Workflow: w, Test: def})
		o.metrics.stageObserved(string(stage), time.Duration(res.DurationMS)*time.Millisecond, res.Success)
		o.recordStage(persistCtx, instanceID, w, stage, res)
		o.emitter.Emit(emit.Event{
			InstanceID: instanceID, WorkflowID: w.ID, Stage: string(stage), Msg: "stage_end",
			Meta: stageMeta(res),
		})

		if !res.Success {
			// The overall deadline is not a stage failure to retry.
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(res.Err, fault.ErrCancelled) {
				return o.finishFailed(persistCtx, instanceID, w, def, "workflow_timeout", fault.ErrTimeout)
			}

			outcome, herr := o.handler.Handle(persistCtx, w, stage, res.Err)
			if herr != nil {
				return RunResult{}, herr
			}
			w = outcome.Workflow

			switch outcome.Disposition {
			case DispositionRetry:
				o.metrics.stageRetried(string(stage))
				if err := o.Sleep(runCtx, o.retry.Delay(w.RetryCount-1, rng)); err != nil {
					return o.finishFailed(persistCtx, instanceID, w, def, "cancelled", fault.ErrCancelled)
				}
				continue

			case DispositionEscalated:
				o.metrics.escalated()
				return o.finishTerminal(persistCtx, instanceID, w, def, outcome.HandoffPath,
					fmt.Errorf("%s: %w", outcome.Message, fault.ErrEscalated))

			default:
				return o.finishTerminal(persistCtx, instanceID, w, def, "",
					fmt.Errorf("%s: %w", outcome.Message, fault.ErrCancelled))
			}
		}

		w, err = o.storeStageResult(persistCtx, instanceID, w, stage, res, def)
		if err != nil {
			return RunResult{}, err
		}

		next, done := o.route(stage, w, &fixAttempts)
		if done {
			completed, err := o.machine.Complete(persistCtx, w)
			if err != nil {
				return RunResult{}, err
			}
			w = completed
			if _, err := o.events.Append(persistCtx, instanceID, events.TypeEpicCompleted,
				map[string]any{"epic_id": def.EpicID, "test_id": def.TestID}, nil); err != nil {
				return RunResult{}, err
			}
			o.metrics.workflowFinished(string(store.StatusCompleted))
			return o.result(persistCtx, w, ""), nil
		}
		if next == store.StageFailed {
			// Verification exhausted the fixing budget or the fix did not
			// stick; escalate through the handler.
			outcome, herr := o.handler.Handle(persistCtx, w, stage, verdictError(stage, w))
			if herr != nil {
				return RunResult{}, herr
			}
			o.metrics.escalated()
			return o.finishTerminal(persistCtx, instanceID, outcome.Workflow, def, outcome.HandoffPath,
				fmt.Errorf("%s: %w", outcome.Message, fault.ErrEscalated))
		}

		w, err = o.machine.Transition(persistCtx, w, next)
		if err != nil {
			return RunResult{}, err
		}
		stage = next
	}
}

// route applies the stage routing policy. done=true means the learning stage
// finished and the workflow completes.
func (o *Orchestrator) route(stage store.Stage, w store.Workflow, fixAttempts *int) (store.Stage, bool) {
	switch stage {
	case store.StageExecution:
		return store.StageDetection, false
	case store.StageDetection:
		return store.StageVerification, false
	case store.StageVerification:
		if w.Verification != nil && w.Verification.Verified {
			return store.StageLearning, false
		}
		if *fixAttempts < o.handler.MaxRetries() {
			*fixAttempts++
			return store.StageFixing, false
		}
		return store.StageFailed, false
	case store.StageFixing:
		if w.Fixing != nil && w.Fixing.Success {
			return store.StageVerification, false
		}
		return store.StageFailed, false
	case store.StageLearning:
		return "", true
	}
	return store.StageFailed, false
}

// verdictError names a business-level failure that exhausted its options.
func verdictError(stage store.Stage, w store.Workflow) error {
	if stage == store.StageFixing {
		return fmt.Errorf("fix attempt did not succeed: %w", fault.ErrEscalated)
	}
	confidence := 0.0
	if w.Verification != nil {
		confidence = w.Verification.Confidence
	}
	return fmt.Errorf("verification failed with confidence %.0f after fixing budget exhausted: %w",
		confidence, fault.ErrEscalated)
}

// storeStageResult persists the typed result and emits the testing events
// owed at the execution stage.
func (o *Orchestrator) storeStageResult(ctx context.Context, instanceID string, w store.Workflow, stage store.Stage, res StageResult, def collab.TestDefinition) (store.Workflow, error) {
	var err error
	switch stage {
	case store.StageExecution:
		w, err = o.machine.StoreExecutionResult(ctx, w, res.Execution)
		if err == nil {
			eventType := events.TypeTestPassed
			if !res.Execution.Passed {
				eventType = events.TypeTestFailed
			}
			_, err = o.events.Append(ctx, instanceID, eventType,
				map[string]any{"test_id": def.TestID}, nil)
		}
	case store.StageDetection:
		w, err = o.machine.StoreDetectionResult(ctx, w, res.Detection)
	case store.StageVerification:
		w, err = o.machine.StoreVerificationResult(ctx, w, res.Verification)
		if err == nil {
			eventType := events.TypeValidationPassed
			if !res.Verification.Verified {
				eventType = events.TypeValidationFailed
			}
			_, err = o.events.Append(ctx, instanceID, eventType,
				map[string]any{"test_id": def.TestID}, nil)
		}
	case store.StageFixing:
		w, err = o.machine.StoreFixingResult(ctx, w, res.Fixing)
	case store.StageLearning:
		w, err = o.machine.StoreLearningResult(ctx, w, res.Learning)
	}
	return w, err
}

// recordStage writes the command log entry for one stage attempt. Failures
// here are logged, not fatal: losing an audit line must not kill a workflow.
func (o *Orchestrator) recordStage(ctx context.Context, instanceID string, w store.Workflow, stage store.Stage, res StageResult) {
	entry := store.CommandEntry{
		InstanceID:      instanceID,
		CommandType:     store.CommandAuto,
		Action:          "stage_" + string(stage),
		Success:         res.Success,
		ExecutionTimeMS: res.DurationMS,
		ContextData:     map[string]any{"workflow_id": w.ID, "test_id": w.TestID},
		Source:          "orchestrator",
	}
	if res.Err != nil {
		entry.ErrorMessage = res.Err.Error()
	}
	if _, err := o.commands.Record(ctx, entry); err != nil {
		o.log.Error().Err(err).Str("workflow_id", w.ID).Msg("command log write failed")
	}
}

func stageMeta(res StageResult) map[string]any {
	meta := map[string]any{"duration_ms": res.DurationMS, "success": res.Success}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
	}
	return meta
}

// finishFailed fails the workflow with the given terminal message.
func (o *Orchestrator) finishFailed(ctx context.Context, instanceID string, w store.Workflow, def collab.TestDefinition, msg string, sentinel error) (RunResult, error) {
	failed, err := o.machine.Fail(ctx, w, msg)
	if err != nil {
		return RunResult{}, err
	}
	return o.finishTerminal(ctx, instanceID, failed, def, "", fmt.Errorf("%s: %w", msg, sentinel))
}

// finishTerminal emits the epic_failed event and assembles the result for a
// failed workflow.
func (o *Orchestrator) finishTerminal(ctx context.Context, instanceID string, w store.Workflow, def collab.TestDefinition, handoffPath string, runErr error) (RunResult, error) {
	if _, err := o.events.Append(ctx, instanceID, events.TypeEpicFailed,
		map[string]any{"epic_id": def.EpicID, "test_id": def.TestID, "error": w.ErrorMessage}, nil); err != nil {
		o.log.Error().Err(err).Str("workflow_id", w.ID).Msg("epic_failed event write failed")
	}
	o.metrics.workflowFinished(string(store.StatusFailed))
	res := o.result(ctx, w, handoffPath)
	return res, runErr
}

func (o *Orchestrator) result(ctx context.Context, w store.Workflow, handoffPath string) RunResult {
	history, err := o.machine.History(ctx, w.ID)
	if err != nil {
		o.log.Error().Err(err).Str("workflow_id", w.ID).Msg("history read failed")
	}
	return RunResult{Workflow: w, Report: Report(w, history), HandoffPath: handoffPath}
}
