package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/emit"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/redact"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// allowedTransitions is the workflow stage graph. Completed and failed are
// terminal.
var allowedTransitions = map[store.Stage][]store.Stage{
	store.StagePending:      {store.StageExecution},
	store.StageExecution:    {store.StageDetection, store.StageFailed},
	store.StageDetection:    {store.StageVerification, store.StageFailed},
	store.StageVerification: {store.StageFixing, store.StageLearning, store.StageFailed},
	store.StageFixing:       {store.StageVerification, store.StageLearning, store.StageFailed},
	store.StageLearning:     {store.StageCompleted, store.StageFailed},
	store.StageCompleted:    {},
	store.StageFailed:       {},
}

// CanTransition reports whether from -> to is an allowed stage change.
func CanTransition(from, to store.Stage) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine owns workflow rows: creation, stage transitions, per-stage
// result writes, and the terminal operations. Every mutation goes through an
// optimistic version check, so racing writers lose with fault.ErrConflict.
type StateMachine struct {
	store    store.Store
	emitter  emit.Emitter
	redactor *redact.Redactor
	log      zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
	// NewID allocates workflow IDs.
	NewID func() string
}

// NewStateMachine creates a StateMachine. A nil emitter discards transition
// events; a nil redactor falls back to the built-in patterns for error
// messages.
func NewStateMachine(st store.Store, emitter emit.Emitter, r *redact.Redactor, logger zerolog.Logger) *StateMachine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if r == nil {
		r = redact.Default()
	}
	return &StateMachine{
		store:    st,
		emitter:  emitter,
		redactor: r,
		log:      logger.With().Str("component", "statemachine").Logger(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Create inserts a fresh workflow in pending.
func (sm *StateMachine) Create(ctx context.Context, testID, epicID string, testType store.TestType) (store.Workflow, error) {
	if testID == "" || epicID == "" {
		return store.Workflow{}, fmt.Errorf("test_id and epic_id are required: %w", fault.ErrValidation)
	}
	if !store.ValidTestType(testType) {
		return store.Workflow{}, fmt.Errorf("unknown test type %q: %w", testType, fault.ErrValidation)
	}

	w := store.Workflow{
		ID:           sm.NewID(),
		TestID:       testID,
		EpicID:       epicID,
		TestType:     testType,
		CurrentStage: store.StagePending,
		Status:       store.StatusPending,
		StartedAt:    sm.Now().UTC(),
	}
	if err := sm.store.InsertWorkflow(ctx, w); err != nil {
		return store.Workflow{}, err
	}
	return w, nil
}

// Get returns a workflow by id.
func (sm *StateMachine) Get(ctx context.Context, id string) (store.Workflow, error) {
	return sm.store.GetWorkflow(ctx, id)
}

// Transition moves the workflow to another stage, enforcing the transition
// graph. The first move out of pending flips status to in_progress.
func (sm *StateMachine) Transition(ctx context.Context, w store.Workflow, to store.Stage) (store.Workflow, error) {
	if !store.ValidStage(to) {
		return store.Workflow{}, fmt.Errorf("unknown stage %q: %w", to, fault.ErrValidation)
	}
	if !CanTransition(w.CurrentStage, to) {
		return store.Workflow{}, fmt.Errorf("transition %s -> %s: %w", w.CurrentStage, to, fault.ErrInvalidTransition)
	}

	from := w.CurrentStage
	w.CurrentStage = to
	if w.Status == store.StatusPending {
		w.Status = store.StatusInProgress
	}
	updated, err := sm.store.UpdateWorkflow(ctx, w, w.Version)
	if err != nil {
		return store.Workflow{}, err
	}

	sm.emitter.Emit(emit.Event{
		WorkflowID: updated.ID,
		Stage:      string(to),
		Msg:        "transition",
		Meta:       map[string]any{"from": string(from)},
	})
	sm.log.Debug().
		Str("workflow_id", updated.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("workflow transition")
	return updated, nil
}

// storeResult persists one stage result and appends the history entry. The
// workflow must currently be in the producing stage.
func (sm *StateMachine) storeResult(ctx context.Context, w store.Workflow, stage store.Stage, success bool, durationMS int64, payload any, apply func(*store.Workflow)) (store.Workflow, error) {
	if w.CurrentStage != stage {
		return store.Workflow{}, fmt.Errorf("cannot store %s result while in %s: %w", stage, w.CurrentStage, fault.ErrValidation)
	}
	apply(&w)
	updated, err := sm.store.UpdateWorkflow(ctx, w, w.Version)
	if err != nil {
		return store.Workflow{}, err
	}
	if _, err := sm.store.AppendWorkflowHistory(ctx, store.WorkflowHistoryEntry{
		WorkflowID: updated.ID,
		Stage:      stage,
		Success:    success,
		DurationMS: durationMS,
		Payload:    payload,
		RecordedAt: sm.Now().UTC(),
	}); err != nil {
		return store.Workflow{}, fmt.Errorf("append history: %w", err)
	}
	return updated, nil
}

// StoreExecutionResult records the runner's output for a workflow in the
// execution stage.
func (sm *StateMachine) StoreExecutionResult(ctx context.Context, w store.Workflow, res *collab.TestExecutionResult) (store.Workflow, error) {
	return sm.storeResult(ctx, w, store.StageExecution, res.Passed, res.DurationMS, res, func(w *store.Workflow) {
		w.Execution = res
	})
}

// StoreDetectionResult records the detector's output for a workflow in the
// detection stage. A detection with red flags is still a successful stage.
func (sm *StateMachine) StoreDetectionResult(ctx context.Context, w store.Workflow, res *collab.DetectionResult) (store.Workflow, error) {
	return sm.storeResult(ctx, w, store.StageDetection, true, 0, res, func(w *store.Workflow) {
		w.Detection = res
	})
}

// StoreVerificationResult records the verifier's report. Each call appends a
// new history entry, so a fix-and-reverify loop leaves both reports visible.
func (sm *StateMachine) StoreVerificationResult(ctx context.Context, w store.Workflow, res *collab.VerificationReport) (store.Workflow, error) {
	return sm.storeResult(ctx, w, store.StageVerification, res.Verified, 0, res, func(w *store.Workflow) {
		w.Verification = res
	})
}

// StoreFixingResult records the fix agent's output for a workflow in the
// fixing stage.
func (sm *StateMachine) StoreFixingResult(ctx context.Context, w store.Workflow, res *collab.FixResult) (store.Workflow, error) {
	return sm.storeResult(ctx, w, store.StageFixing, res.Success, 0, res, func(w *store.Workflow) {
		w.Fixing = res
	})
}

// StoreLearningResult records the extractor's output for a workflow in the
// learning stage.
func (sm *StateMachine) StoreLearningResult(ctx context.Context, w store.Workflow, res *collab.LearningResult) (store.Workflow, error) {
	return sm.storeResult(ctx, w, store.StageLearning, true, 0, res, func(w *store.Workflow) {
		w.Learning = res
	})
}

// Complete moves a workflow from learning to the completed terminal state.
func (sm *StateMachine) Complete(ctx context.Context, w store.Workflow) (store.Workflow, error) {
	if !CanTransition(w.CurrentStage, store.StageCompleted) {
		return store.Workflow{}, fmt.Errorf("complete from %s: %w", w.CurrentStage, fault.ErrInvalidTransition)
	}
	now := sm.Now().UTC()
	w.CurrentStage = store.StageCompleted
	w.Status = store.StatusCompleted
	w.CompletedAt = &now
	w.DurationMS = now.Sub(w.StartedAt).Milliseconds()
	updated, err := sm.store.UpdateWorkflow(ctx, w, w.Version)
	if err != nil {
		return store.Workflow{}, err
	}
	sm.emitter.Emit(emit.Event{WorkflowID: updated.ID, Msg: "workflow_completed"})
	return updated, nil
}

// Fail moves a workflow to the failed terminal state from any non-terminal
// stage. The error message is redacted before it is persisted.
func (sm *StateMachine) Fail(ctx context.Context, w store.Workflow, errorMessage string) (store.Workflow, error) {
	if w.CurrentStage == store.StageCompleted || w.CurrentStage == store.StageFailed {
		return store.Workflow{}, fmt.Errorf("fail from terminal stage %s: %w", w.CurrentStage, fault.ErrInvalidTransition)
	}
	now := sm.Now().UTC()
	w.CurrentStage = store.StageFailed
	w.Status = store.StatusFailed
	w.CompletedAt = &now
	w.DurationMS = now.Sub(w.StartedAt).Milliseconds()
	w.ErrorMessage = sm.redactor.RedactString(errorMessage)
	updated, err := sm.store.UpdateWorkflow(ctx, w, w.Version)
	if err != nil {
		return store.Workflow{}, err
	}
	sm.emitter.Emit(emit.Event{
		WorkflowID: updated.ID,
		Msg:        "workflow_failed",
		Meta:       map[string]any{"error": updated.ErrorMessage},
	})
	return updated, nil
}

// IncrementRetry bumps retry_count by one.
func (sm *StateMachine) IncrementRetry(ctx context.Context, w store.Workflow) (store.Workflow, error) {
	w.RetryCount++
	return sm.store.UpdateWorkflow(ctx, w, w.Version)
}

// Escalate marks the workflow escalated. It does not transition; callers
// follow up with Fail, since escalated implies failed. Completed workflows
// cannot be escalated: escalated=true on a completed row would break that
// implication.
func (sm *StateMachine) Escalate(ctx context.Context, w store.Workflow) (store.Workflow, error) {
	if w.CurrentStage == store.StageCompleted {
		return store.Workflow{}, fmt.Errorf("escalate completed workflow %s: %w", w.ID, fault.ErrInvalidTransition)
	}
	w.Escalated = true
	updated, err := sm.store.UpdateWorkflow(ctx, w, w.Version)
	if err != nil {
		return store.Workflow{}, err
	}
	sm.emitter.Emit(emit.Event{WorkflowID: updated.ID, Msg: "escalation"})
	return updated, nil
}

// History returns the append-only stage result history for a workflow.
func (sm *StateMachine) History(ctx context.Context, workflowID string) ([]store.WorkflowHistoryEntry, error) {
	return sm.store.WorkflowHistory(ctx, workflowID)
}

// ListByEpic returns all workflows for one epic, oldest first.
func (sm *StateMachine) ListByEpic(ctx context.Context, epicID string) ([]store.Workflow, error) {
	return sm.store.ListWorkflowsByEpic(ctx, epicID)
}
