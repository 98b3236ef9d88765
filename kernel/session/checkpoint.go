package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// DefaultCheckpointThreshold is the context-window percentage at which the
// auto-checkpoint policy fires.
const DefaultCheckpointThreshold = 80.0

// Reconstruction source names, in descending confidence order.
const (
	SourceCheckpoint = "CHECKPOINT"
	SourceEvents     = "EVENTS"
	SourceCommands   = "COMMANDS"
	SourceBasic      = "BASIC"
)

// Confidence floors per reconstruction source.
const (
	confidenceCheckpoint = 0.9
	confidenceEvents     = 0.7
	confidenceCommands   = 0.4
	confidenceBasic      = 0.2
)

// Manager creates, loads, and reconstructs from checkpoints. Checkpoints are
// immutable once written; loading one only records the load event.
type Manager struct {
	store  store.Store
	events *events.Log
	log    zerolog.Logger

	threshold float64

	// Now is injectable for tests.
	Now func() time.Time
	// NewID allocates checkpoint IDs.
	NewID func() string
}

// NewManager creates a checkpoint Manager. threshold <= 0 selects the
// default auto-checkpoint trigger of 80 percent.
func NewManager(st store.Store, ev *events.Log, threshold float64, logger zerolog.Logger) *Manager {
	if threshold <= 0 {
		threshold = DefaultCheckpointThreshold
	}
	return &Manager{
		store:     st,
		events:    ev,
		log:       logger.With().Str("component", "checkpoint").Logger(),
		threshold: threshold,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func validCheckpointType(t store.CheckpointType) bool {
	switch t {
	case store.CheckpointContextWindow, store.CheckpointEpicCompletion, store.CheckpointManual:
		return true
	}
	return false
}

// Create writes a checkpoint pinned to the instance's current maximum event
// sequence and emits checkpoint_created. The reason lands in the checkpoint
// metadata.
func (m *Manager) Create(ctx context.Context, instanceID string, ctype store.CheckpointType, workState map[string]any, contextPercent float64, reason string) (store.Checkpoint, error) {
	if contextPercent < 0 || contextPercent > 100 {
		return store.Checkpoint{}, fmt.Errorf("context_percent %v out of [0,100]: %w", contextPercent, fault.ErrValidation)
	}
	if !validCheckpointType(ctype) {
		return store.Checkpoint{}, fmt.Errorf("unknown checkpoint type %q: %w", ctype, fault.ErrValidation)
	}
	if _, err := m.store.GetInstance(ctx, instanceID); err != nil {
		return store.Checkpoint{}, err
	}

	seq, err := m.store.MaxSequence(ctx, instanceID)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("read sequence: %w", err)
	}

	cp := store.Checkpoint{
		CheckpointID:         m.NewID(),
		InstanceID:           instanceID,
		CheckpointType:       ctype,
		SequenceNum:          seq,
		Timestamp:            m.Now().UTC(),
		ContextWindowPercent: contextPercent,
		WorkState:            workState,
	}
	if reason != "" {
		cp.Metadata = map[string]any{"reason": reason}
	}
	if err := m.store.InsertCheckpoint(ctx, cp); err != nil {
		return store.Checkpoint{}, err
	}

	if _, err := m.events.Append(ctx, instanceID, events.TypeCheckpointCreated,
		map[string]any{"checkpoint_id": cp.CheckpointID, "checkpoint_type": string(ctype)}, nil); err != nil {
		return store.Checkpoint{}, fmt.Errorf("emit checkpoint event: %w", err)
	}

	m.log.Info().
		Str("instance_id", instanceID).
		Str("checkpoint_id", cp.CheckpointID).
		Str("type", string(ctype)).
		Int64("sequence_num", seq).
		Msg("checkpoint created")
	return cp, nil
}

// MaybeCheckpoint applies the automatic context-window policy: if percent
// has reached the threshold and there is new work since the last checkpoint,
// a context_window checkpoint is written. Returns the checkpoint and true
// when one was created.
func (m *Manager) MaybeCheckpoint(ctx context.Context, instanceID string, percent float64, workState map[string]any) (store.Checkpoint, bool, error) {
	if percent < m.threshold {
		return store.Checkpoint{}, false, nil
	}

	latest, err := m.store.LatestCheckpoint(ctx, instanceID)
	if err == nil {
		seq, seqErr := m.store.MaxSequence(ctx, instanceID)
		if seqErr != nil {
			return store.Checkpoint{}, false, seqErr
		}
		// The checkpoint_created event emitted right after the pin advances
		// the sequence by one; only work beyond that re-arms the policy.
		if seq <= latest.SequenceNum+1 {
			return store.Checkpoint{}, false, nil
		}
	} else if !errors.Is(err, fault.ErrNotFound) {
		return store.Checkpoint{}, false, err
	}

	cp, err := m.Create(ctx, instanceID, store.CheckpointContextWindow, workState, percent,
		fmt.Sprintf("context window at %.1f%%", percent))
	if err != nil {
		return store.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Latest returns the instance's newest checkpoint by sequence number.
func (m *Manager) Latest(ctx context.Context, instanceID string) (store.Checkpoint, error) {
	return m.store.LatestCheckpoint(ctx, instanceID)
}

// Load returns a checkpoint by id and emits checkpoint_loaded on its
// instance. The checkpoint itself is untouched.
func (m *Manager) Load(ctx context.Context, checkpointID string) (store.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return store.Checkpoint{}, err
	}
	if _, err := m.events.Append(ctx, cp.InstanceID, events.TypeCheckpointLoaded,
		map[string]any{"checkpoint_id": cp.CheckpointID}, nil); err != nil {
		return store.Checkpoint{}, fmt.Errorf("emit load event: %w", err)
	}
	return cp, nil
}

// Reconstruction is a recovered work state plus how it was obtained.
type Reconstruction struct {
	WorkState  map[string]any
	Source     string
	Confidence float64
}

// Reconstruct recovers the instance's work state from the best available
// source: the latest checkpoint, then event replay, then a command-log
// heuristic, then the bare registry row. Confidence reflects the source.
func (m *Manager) Reconstruct(ctx context.Context, instanceID string) (Reconstruction, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Reconstruction{}, err
	}

	cp, err := m.store.LatestCheckpoint(ctx, instanceID)
	if err == nil {
		return Reconstruction{
			WorkState:  cp.WorkState,
			Source:     SourceCheckpoint,
			Confidence: confidenceCheckpoint,
		}, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return Reconstruction{}, err
	}

	if max, err := m.store.MaxSequence(ctx, instanceID); err == nil && max > 0 {
		state, err := m.events.Replay(ctx, instanceID, 0)
		if err != nil {
			return Reconstruction{}, err
		}
		return Reconstruction{
			WorkState:  state,
			Source:     SourceEvents,
			Confidence: confidenceEvents,
		}, nil
	} else if err != nil {
		return Reconstruction{}, err
	}

	cmds, total, err := m.store.SearchCommands(ctx, store.CommandFilter{InstanceID: instanceID, Limit: 1})
	if err != nil {
		return Reconstruction{}, err
	}
	if total > 0 {
		return Reconstruction{
			WorkState: map[string]any{
				"last_action":     cmds[0].Action,
				"last_command_at": cmds[0].Timestamp.Format(time.RFC3339),
				"command_count":   int64(total),
			},
			Source:     SourceCommands,
			Confidence: confidenceCommands,
		}, nil
	}

	return Reconstruction{
		WorkState: map[string]any{
			"project":                inst.Project,
			"current_epic":           inst.CurrentEpic,
			"context_window_percent": inst.ContextWindowPercent,
		},
		Source:     SourceBasic,
		Confidence: confidenceBasic,
	}, nil
}
