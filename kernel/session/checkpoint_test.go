package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func newManagerFixture() (*fixture, *Manager) {
	f := newFixture()
	m := NewManager(f.store, f.events, DefaultCheckpointThreshold, zerolog.Nop())
	m.Now = f.clock.Now
	return f, m
}

func TestCreateAndLoadCheckpoint(t *testing.T) {
	f, m := newManagerFixture()
	ctx := context.Background()

	inst, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	for i := 0; i < 2; i++ {
		if _, err := f.events.Append(ctx, inst.InstanceID, events.TypeInstanceHeartbeat, nil, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	cp, err := m.Create(ctx, inst.InstanceID, store.CheckpointManual,
		map[string]any{"epic": "E1"}, 40, "requested")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Pinned to the current max sequence: registration event + 2 heartbeats.
	if cp.SequenceNum != 3 {
		t.Errorf("sequence: got %d, want 3", cp.SequenceNum)
	}
	if cp.Metadata["reason"] != "requested" {
		t.Errorf("reason: %v", cp.Metadata)
	}

	// checkpoint_created was emitted after the pin.
	res, _ := f.events.Query(ctx, store.EventFilter{
		InstanceID: inst.InstanceID,
		EventTypes: []string{events.TypeCheckpointCreated},
	})
	if res.Total != 1 || res.Events[0].SequenceNum != 4 {
		t.Fatalf("checkpoint_created event: %+v", res.Events)
	}

	loaded, err := m.Load(ctx, cp.CheckpointID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.WorkState["epic"] != "E1" {
		t.Errorf("work state: %v", loaded.WorkState)
	}

	res, _ = f.events.Query(ctx, store.EventFilter{
		InstanceID: inst.InstanceID,
		EventTypes: []string{events.TypeCheckpointLoaded},
	})
	if res.Total != 1 {
		t.Errorf("checkpoint_loaded events: got %d, want 1", res.Total)
	}

	// Loading does not mutate the checkpoint.
	again, _ := m.Latest(ctx, inst.InstanceID)
	if again.CheckpointID != cp.CheckpointID || again.SequenceNum != cp.SequenceNum {
		t.Errorf("checkpoint mutated: %+v", again)
	}
}

func TestCreateValidation(t *testing.T) {
	f, m := newManagerFixture()
	ctx := context.Background()

	inst, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)

	if _, err := m.Create(ctx, inst.InstanceID, store.CheckpointManual, nil, 101, ""); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("percent 101: got %v, want ErrValidation", err)
	}
	if _, err := m.Create(ctx, inst.InstanceID, "hourly", nil, 50, ""); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("bad type: got %v, want ErrValidation", err)
	}
	if _, err := m.Create(ctx, "ghost", store.CheckpointManual, nil, 50, ""); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing instance: got %v, want ErrNotFound", err)
	}
}

func TestMaybeCheckpointPolicy(t *testing.T) {
	f, m := newManagerFixture()
	ctx := context.Background()

	inst, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	state := map[string]any{"epic": "E1"}

	// Below threshold: nothing.
	if _, created, err := m.MaybeCheckpoint(ctx, inst.InstanceID, 50, state); err != nil || created {
		t.Fatalf("below threshold: created=%v err=%v", created, err)
	}

	// At threshold: checkpoint.
	cp, created, err := m.MaybeCheckpoint(ctx, inst.InstanceID, 85, state)
	if err != nil || !created {
		t.Fatalf("at threshold: created=%v err=%v", created, err)
	}
	if cp.CheckpointType != store.CheckpointContextWindow {
		t.Errorf("type: got %s", cp.CheckpointType)
	}

	// Still above threshold but nothing new happened: no duplicate. The
	// checkpoint_created event emitted by the first call does not count as
	// new work.
	_, created, err = m.MaybeCheckpoint(ctx, inst.InstanceID, 90, state)
	if err != nil {
		t.Fatalf("repeat failed: %v", err)
	}
	if created {
		t.Errorf("policy re-fired without new work")
	}

	// New work after the checkpoint re-arms the policy.
	if _, err := f.events.Append(ctx, inst.InstanceID, events.TypeInstanceHeartbeat, nil, nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	_, created, err = m.MaybeCheckpoint(ctx, inst.InstanceID, 90, state)
	if err != nil || !created {
		t.Fatalf("re-armed policy: created=%v err=%v", created, err)
	}
}

func TestReconstructConfidenceLadder(t *testing.T) {
	f, m := newManagerFixture()
	ctx := context.Background()

	t.Run("Basic", func(t *testing.T) {
		// An instance with no events at all only exists in SQL, so insert
		// directly instead of going through Register.
		inst := store.Instance{
			InstanceID:       "bare-ps-1",
			Project:          "bare",
			InstanceType:     store.InstancePS,
			Status:           store.InstanceActive,
			RegistrationTime: f.clock.Now(),
			LastHeartbeat:    f.clock.Now(),
			CurrentEpic:      "E9",
		}
		if err := f.store.InsertInstance(ctx, inst); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		rec, err := m.Reconstruct(ctx, inst.InstanceID)
		if err != nil {
			t.Fatalf("Reconstruct failed: %v", err)
		}
		if rec.Source != SourceBasic || rec.Confidence < 0.2 {
			t.Errorf("source=%s confidence=%v", rec.Source, rec.Confidence)
		}
		if rec.WorkState["current_epic"] != "E9" {
			t.Errorf("work state: %v", rec.WorkState)
		}
	})

	t.Run("Commands", func(t *testing.T) {
		inst := store.Instance{
			InstanceID:       "cmd-ps-1",
			Project:          "bare",
			InstanceType:     store.InstancePS,
			Status:           store.InstanceActive,
			RegistrationTime: f.clock.Now(),
			LastHeartbeat:    f.clock.Now(),
		}
		if err := f.store.InsertInstance(ctx, inst); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		_, err := f.store.InsertCommand(ctx, store.CommandEntry{
			InstanceID:  inst.InstanceID,
			CommandType: store.CommandExplicit,
			Action:      "deploy",
			Success:     true,
			Timestamp:   f.clock.Now(),
		})
		if err != nil {
			t.Fatalf("insert command failed: %v", err)
		}

		rec, err := m.Reconstruct(ctx, inst.InstanceID)
		if err != nil {
			t.Fatalf("Reconstruct failed: %v", err)
		}
		if rec.Source != SourceCommands || rec.Confidence < 0.4 {
			t.Errorf("source=%s confidence=%v", rec.Source, rec.Confidence)
		}
		if rec.WorkState["last_action"] != "deploy" {
			t.Errorf("work state: %v", rec.WorkState)
		}
	})

	t.Run("Events", func(t *testing.T) {
		inst, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
		if _, err := f.events.Append(ctx, inst.InstanceID, events.TypeEpicStarted,
			map[string]any{"epic_id": "E1"}, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		rec, err := m.Reconstruct(ctx, inst.InstanceID)
		if err != nil {
			t.Fatalf("Reconstruct failed: %v", err)
		}
		if rec.Source != SourceEvents || rec.Confidence < 0.7 {
			t.Errorf("source=%s confidence=%v", rec.Source, rec.Confidence)
		}
		if rec.WorkState["current_epic"] != "E1" {
			t.Errorf("work state: %v", rec.WorkState)
		}
	})

	t.Run("Checkpoint", func(t *testing.T) {
		inst, _ := f.registry.Register(ctx, "odyssey", store.InstanceMS, nil)
		if _, err := m.Create(ctx, inst.InstanceID, store.CheckpointManual,
			map[string]any{"epic": "E1"}, 30, ""); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		rec, err := m.Reconstruct(ctx, inst.InstanceID)
		if err != nil {
			t.Fatalf("Reconstruct failed: %v", err)
		}
		if rec.Source != SourceCheckpoint || rec.Confidence < 0.9 {
			t.Errorf("source=%s confidence=%v", rec.Source, rec.Confidence)
		}
		if rec.WorkState["epic"] != "E1" {
			t.Errorf("work state: %v", rec.WorkState)
		}
	})
}

// Full resume flow: instance goes stale, a hint resolves it, and the latest
// checkpoint reconstructs the work state.
func TestResumeAfterStale(t *testing.T) {
	f, m := newManagerFixture()
	ctx := context.Background()

	inst, err := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.events.Append(ctx, inst.InstanceID, events.TypeInstanceHeartbeat, nil, nil); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if _, err := m.Create(ctx, inst.InstanceID, store.CheckpointEpicCompletion,
		map[string]any{"epic": "E1"}, 60, "epic done"); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	// No heartbeats for 200 seconds.
	f.clock.Advance(200 * time.Second)
	swept, err := f.registry.MarkStaleSweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("swept %d instances, want 1", len(swept))
	}

	res, err := f.registry.Resolve(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Instance.Status != store.InstanceStale {
		t.Errorf("resolved status: %s", res.Instance.Status)
	}

	rec, err := m.Reconstruct(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if rec.Source != SourceCheckpoint || rec.Confidence < 0.9 {
		t.Errorf("source=%s confidence=%v", rec.Source, rec.Confidence)
	}
	if rec.WorkState["epic"] != "E1" {
		t.Errorf("work state: %v", rec.WorkState)
	}

	evres, _ := f.events.Query(ctx, store.EventFilter{
		InstanceID: inst.InstanceID,
		EventTypes: []string{events.TypeInstanceStale},
	})
	if evres.Total != 1 {
		t.Fatalf("instance_stale events: got %d", evres.Total)
	}
	age, _ := evres.Events[0].EventData["age_seconds"].(float64)
	if age < 120 {
		t.Errorf("age_seconds: got %v, want >= 120", evres.Events[0].EventData["age_seconds"])
	}
}
