package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

// testStoreConformance runs the behavioral contract every Store backend must
// satisfy. Each backend test file calls it with its own constructor.
func testStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Instances", func(t *testing.T) { testInstances(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Commands", func(t *testing.T) { testCommands(t, newStore(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
	t.Run("Workflows", func(t *testing.T) { testWorkflows(t, newStore(t)) })
	t.Run("WorkflowHistory", func(t *testing.T) { testWorkflowHistory(t, newStore(t)) })
}

func baseTime() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func testInstance(id string, hb time.Time) Instance {
	return Instance{
		InstanceID:           id,
		Project:              "odyssey",
		InstanceType:         InstancePS,
		Status:               InstanceActive,
		RegistrationTime:     baseTime(),
		LastHeartbeat:        hb,
		ContextWindowPercent: 42.5,
		CurrentEpic:          "epic-7",
		ClaudeSessionUUID:    "3f1c9a0e-0000-0000-0000-000000000001",
		Metadata:             map[string]any{"host": "build-3"},
	}
}

func testInstances(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	inst := testInstance("odyssey-ps-001", baseTime())
	if err := s.InsertInstance(ctx, inst); err != nil {
		t.Fatalf("InsertInstance failed: %v", err)
	}

	// Duplicate ID must conflict, not overwrite.
	if err := s.InsertInstance(ctx, inst); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate insert: got %v, want ErrConflict", err)
	}

	got, err := s.GetInstance(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Project != "odyssey" || got.InstanceType != InstancePS {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.LastHeartbeat.Equal(inst.LastHeartbeat) {
		t.Errorf("heartbeat: got %v, want %v", got.LastHeartbeat, inst.LastHeartbeat)
	}
	if got.Metadata["host"] != "build-3" {
		t.Errorf("metadata: got %v", got.Metadata)
	}

	if _, err := s.GetInstance(ctx, "nope"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("missing instance: got %v, want ErrNotFound", err)
	}

	got.Status = InstanceStale
	got.ContextWindowPercent = 81
	if err := s.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}
	got, _ = s.GetInstance(ctx, inst.InstanceID)
	if got.Status != InstanceStale || got.ContextWindowPercent != 81 {
		t.Errorf("update not applied: %+v", got)
	}

	missing := testInstance("ghost", baseTime())
	if err := s.UpdateInstance(ctx, missing); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}

	// Listing orders by last heartbeat, newest first.
	for i := 1; i <= 3; i++ {
		extra := testInstance(fmt.Sprintf("odyssey-ps-%03d", i+1), baseTime().Add(time.Duration(i)*time.Minute))
		if i == 3 {
			extra.Status = InstanceClosed
		}
		if err := s.InsertInstance(ctx, extra); err != nil {
			t.Fatalf("InsertInstance %d failed: %v", i, err)
		}
	}

	all, total, err := s.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("got %d/%d instances, want 4/4", len(all), total)
	}
	if all[0].InstanceID != "odyssey-ps-004" {
		t.Errorf("order: got %s first, want odyssey-ps-004", all[0].InstanceID)
	}

	active, total, err := s.ListInstances(ctx, InstanceFilter{Status: InstanceActive})
	if err != nil {
		t.Fatalf("ListInstances(active) failed: %v", err)
	}
	if total != 2 || len(active) != 2 {
		t.Fatalf("got %d/%d active, want 2/2", len(active), total)
	}

	page, total, err := s.ListInstances(ctx, InstanceFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListInstances(page) failed: %v", err)
	}
	if total != 4 {
		t.Errorf("paged total: got %d, want 4", total)
	}
	if len(page) != 2 || page[0].InstanceID != "odyssey-ps-003" {
		t.Errorf("page: got %+v", page)
	}
}

func testEvent(instanceID string, seq int64, typ string, ts time.Time) Event {
	return Event{
		EventID:     fmt.Sprintf("%s-ev-%d", instanceID, seq),
		InstanceID:  instanceID,
		EventType:   typ,
		SequenceNum: seq,
		Timestamp:   ts,
		EventData:   map[string]any{"seq": seq, "note": "routine"},
	}
}

func testEvents(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	max, err := s.MaxSequence(ctx, "inst-a")
	if err != nil {
		t.Fatalf("MaxSequence on empty store failed: %v", err)
	}
	if max != 0 {
		t.Fatalf("empty MaxSequence: got %d, want 0", max)
	}

	types := []string{"session_started", "epic_started", "test_passed", "test_failed", "epic_completed"}
	for i, typ := range types {
		ev := testEvent("inst-a", int64(i+1), typ, baseTime().Add(time.Duration(i)*time.Second))
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent %d failed: %v", i+1, err)
		}
	}
	if err := s.InsertEvent(ctx, testEvent("inst-b", 1, "session_started", baseTime())); err != nil {
		t.Fatalf("InsertEvent other instance failed: %v", err)
	}

	// Same (instance, sequence) must conflict.
	dup := testEvent("inst-a", 3, "test_passed", baseTime())
	dup.EventID = "other-id"
	if err := s.InsertEvent(ctx, dup); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate sequence: got %v, want ErrConflict", err)
	}

	max, err = s.MaxSequence(ctx, "inst-a")
	if err != nil {
		t.Fatalf("MaxSequence failed: %v", err)
	}
	if max != 5 {
		t.Errorf("MaxSequence: got %d, want 5", max)
	}

	evs, total, err := s.ListEvents(ctx, EventFilter{InstanceID: "inst-a"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 5 || len(evs) != 5 {
		t.Fatalf("got %d/%d events, want 5/5", len(evs), total)
	}
	// Newest first.
	if evs[0].SequenceNum != 5 || evs[4].SequenceNum != 1 {
		t.Errorf("order: got seq %d..%d, want 5..1", evs[0].SequenceNum, evs[4].SequenceNum)
	}

	// Offset without a limit returns the whole remainder.
	rest, total, err := s.ListEvents(ctx, EventFilter{InstanceID: "inst-a", Offset: 2})
	if err != nil {
		t.Fatalf("ListEvents(offset only) failed: %v", err)
	}
	if total != 5 || len(rest) != 3 {
		t.Fatalf("offset only: got %d/%d, want 3/5", len(rest), total)
	}
	if rest[0].SequenceNum != 3 || rest[2].SequenceNum != 1 {
		t.Errorf("offset contents: got %d..%d, want 3..1", rest[0].SequenceNum, rest[2].SequenceNum)
	}

	evs, total, err = s.ListEvents(ctx, EventFilter{
		InstanceID: "inst-a",
		EventTypes: []string{"test_passed", "test_failed"},
	})
	if err != nil {
		t.Fatalf("ListEvents(types) failed: %v", err)
	}
	if total != 2 || len(evs) != 2 {
		t.Fatalf("type filter: got %d/%d, want 2/2", len(evs), total)
	}

	// Half-open window: Since inclusive, Until exclusive.
	since := baseTime().Add(1 * time.Second)
	until := baseTime().Add(3 * time.Second)
	evs, _, err = s.ListEvents(ctx, EventFilter{InstanceID: "inst-a", Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("ListEvents(window) failed: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("window: got %d events, want 2", len(evs))
	}
	if evs[0].SequenceNum != 3 || evs[1].SequenceNum != 2 {
		t.Errorf("window contents: got %d,%d, want 3,2", evs[0].SequenceNum, evs[1].SequenceNum)
	}

	evs, _, err = s.ListEvents(ctx, EventFilter{Keyword: "routine", Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents(keyword) failed: %v", err)
	}
	if len(evs) != 2 {
		t.Errorf("keyword+limit: got %d events, want 2", len(evs))
	}

	asc, err := s.EventsAscending(ctx, "inst-a", 3)
	if err != nil {
		t.Fatalf("EventsAscending failed: %v", err)
	}
	if len(asc) != 3 {
		t.Fatalf("ascending: got %d events, want 3", len(asc))
	}
	for i, ev := range asc {
		if ev.SequenceNum != int64(i+1) {
			t.Errorf("ascending[%d]: got seq %d, want %d", i, ev.SequenceNum, i+1)
		}
	}

	asc, err = s.EventsAscending(ctx, "inst-a", 0)
	if err != nil {
		t.Fatalf("EventsAscending(all) failed: %v", err)
	}
	if len(asc) != 5 {
		t.Errorf("ascending all: got %d events, want 5", len(asc))
	}
}

func testCommand(instanceID, action string, success bool, ts time.Time) CommandEntry {
	return CommandEntry{
		InstanceID:  instanceID,
		CommandType: CommandMCPTool,
		Action:      action,
		ToolName:    "run_test",
		Parameters:  map[string]any{"target": "checkout"},
		Result:      map[string]any{"passed": success},
		Success:     success,
		Timestamp:   ts,
		Tags:        []string{"ci"},
		Source:      "mcp",
	}
}

func testCommands(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	var ids []int64
	actions := []string{"run_test", "run_test", "get_status", "run_test"}
	for i, action := range actions {
		entry := testCommand("inst-a", action, i != 1, baseTime().Add(time.Duration(i)*time.Second))
		id, err := s.InsertCommand(ctx, entry)
		if err != nil {
			t.Fatalf("InsertCommand %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not increasing: %v", ids)
		}
	}

	got, err := s.GetCommand(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetCommand failed: %v", err)
	}
	if got.Action != "run_test" || got.Parameters["target"] != "checkout" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "ci" {
		t.Errorf("tags: got %v", got.Tags)
	}

	if _, err := s.GetCommand(ctx, 999999); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("missing command: got %v, want ErrNotFound", err)
	}

	res, total, err := s.SearchCommands(ctx, CommandFilter{InstanceID: "inst-a", Action: "run_test"})
	if err != nil {
		t.Fatalf("SearchCommands failed: %v", err)
	}
	if total != 3 || len(res) != 3 {
		t.Fatalf("action filter: got %d/%d, want 3/3", len(res), total)
	}
	// Newest first.
	if !res[0].Timestamp.After(res[1].Timestamp) {
		t.Errorf("order: %v !after %v", res[0].Timestamp, res[1].Timestamp)
	}

	res, total, err = s.SearchCommands(ctx, CommandFilter{SuccessOnly: true})
	if err != nil {
		t.Fatalf("SearchCommands(success) failed: %v", err)
	}
	if total != 3 {
		t.Errorf("success filter: got %d, want 3", total)
	}
	for _, c := range res {
		if !c.Success {
			t.Errorf("success filter returned failed command %d", c.ID)
		}
	}

	stats, err := s.CommandStats(ctx, "inst-a")
	if err != nil {
		t.Fatalf("CommandStats failed: %v", err)
	}
	if stats.Total != 4 || stats.Successful != 3 || stats.Failed != 1 {
		t.Errorf("stats: got %+v, want 4/3/1", stats)
	}

	stats, err = s.CommandStats(ctx, "no-such-instance")
	if err != nil {
		t.Fatalf("CommandStats(empty) failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("empty stats: got %+v", stats)
	}
}

func testCheckpoint(id, instanceID string, seq int64, ts time.Time) Checkpoint {
	return Checkpoint{
		CheckpointID:         id,
		InstanceID:           instanceID,
		CheckpointType:       CheckpointContextWindow,
		SequenceNum:          seq,
		Timestamp:            ts,
		ContextWindowPercent: 85,
		WorkState:            map[string]any{"epic": "epic-7", "step": float64(seq)},
	}
}

func testCheckpoints(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if _, err := s.LatestCheckpoint(ctx, "inst-a"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("latest on empty: got %v, want ErrNotFound", err)
	}

	cp1 := testCheckpoint("cp-1", "inst-a", 10, baseTime())
	cp2 := testCheckpoint("cp-2", "inst-a", 25, baseTime().Add(time.Minute))
	for _, cp := range []Checkpoint{cp1, cp2} {
		if err := s.InsertCheckpoint(ctx, cp); err != nil {
			t.Fatalf("InsertCheckpoint %s failed: %v", cp.CheckpointID, err)
		}
	}

	if err := s.InsertCheckpoint(ctx, cp1); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate id: got %v, want ErrConflict", err)
	}
	dupSeq := testCheckpoint("cp-3", "inst-a", 25, baseTime())
	if err := s.InsertCheckpoint(ctx, dupSeq); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate sequence: got %v, want ErrConflict", err)
	}

	got, err := s.GetCheckpoint(ctx, "cp-1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got.SequenceNum != 10 || got.WorkState["epic"] != "epic-7" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	latest, err := s.LatestCheckpoint(ctx, "inst-a")
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if latest.CheckpointID != "cp-2" {
		t.Errorf("latest: got %s, want cp-2", latest.CheckpointID)
	}
}

func testWorkflow(id, testID string) Workflow {
	return Workflow{
		ID:           id,
		TestID:       testID,
		EpicID:       "epic-7",
		TestType:     TestAPI,
		CurrentStage: StagePending,
		Status:       StatusPending,
		StartedAt:    baseTime(),
	}
}

func testWorkflows(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	w := testWorkflow("wf-1", "checkout-flow")
	if err := s.InsertWorkflow(ctx, w); err != nil {
		t.Fatalf("InsertWorkflow failed: %v", err)
	}

	if err := s.InsertWorkflow(ctx, w); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate id: got %v, want ErrConflict", err)
	}
	dupTest := testWorkflow("wf-2", "checkout-flow")
	if err := s.InsertWorkflow(ctx, dupTest); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate test_id: got %v, want ErrConflict", err)
	}

	if _, err := s.GetWorkflow(ctx, "wf-ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("missing workflow: got %v, want ErrNotFound", err)
	}

	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Version != 0 || got.Execution != nil {
		t.Fatalf("fresh workflow: %+v", got)
	}

	got.CurrentStage = StageExecution
	got.Status = StatusInProgress
	got.Execution = &collab.TestExecutionResult{TestID: "checkout-flow", Passed: true, DurationMS: 1200}
	updated, err := s.UpdateWorkflow(ctx, got, 0)
	if err != nil {
		t.Fatalf("UpdateWorkflow failed: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("version after update: got %d, want 1", updated.Version)
	}

	// Stale version loses.
	got.CurrentStage = StageDetection
	if _, err := s.UpdateWorkflow(ctx, got, 0); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("stale version: got %v, want ErrConflict", err)
	}

	missing := testWorkflow("wf-ghost", "ghost-test")
	if _, err := s.UpdateWorkflow(ctx, missing, 0); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}

	reread, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow after update failed: %v", err)
	}
	if reread.Execution == nil || !reread.Execution.Passed || reread.Execution.DurationMS != 1200 {
		t.Errorf("execution result did not round trip: %+v", reread.Execution)
	}
	if reread.Detection != nil {
		t.Errorf("detection slot should still be nil")
	}

	// Completion with a completed_at timestamp.
	done := baseTime().Add(5 * time.Minute)
	reread.Status = StatusCompleted
	reread.CurrentStage = StageCompleted
	reread.CompletedAt = &done
	reread.DurationMS = 300000
	if _, err := s.UpdateWorkflow(ctx, reread, reread.Version); err != nil {
		t.Fatalf("completion update failed: %v", err)
	}
	final, _ := s.GetWorkflow(ctx, "wf-1")
	if final.CompletedAt == nil || !final.CompletedAt.Equal(done) {
		t.Errorf("completed_at: got %v, want %v", final.CompletedAt, done)
	}

	w3 := testWorkflow("wf-3", "login-flow")
	w3.StartedAt = baseTime().Add(time.Minute)
	if err := s.InsertWorkflow(ctx, w3); err != nil {
		t.Fatalf("InsertWorkflow wf-3 failed: %v", err)
	}
	other := testWorkflow("wf-other", "other-test")
	other.EpicID = "epic-8"
	if err := s.InsertWorkflow(ctx, other); err != nil {
		t.Fatalf("InsertWorkflow wf-other failed: %v", err)
	}

	byEpic, err := s.ListWorkflowsByEpic(ctx, "epic-7")
	if err != nil {
		t.Fatalf("ListWorkflowsByEpic failed: %v", err)
	}
	if len(byEpic) != 2 {
		t.Fatalf("epic listing: got %d, want 2", len(byEpic))
	}
	if byEpic[0].ID != "wf-1" || byEpic[1].ID != "wf-3" {
		t.Errorf("epic order: got %s,%s", byEpic[0].ID, byEpic[1].ID)
	}
}

func testWorkflowHistory(t *testing.T, s Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	entries := []WorkflowHistoryEntry{
		{WorkflowID: "wf-1", Stage: StageExecution, Success: true, DurationMS: 1200, RecordedAt: baseTime()},
		{WorkflowID: "wf-1", Stage: StageVerification, Success: false, DurationMS: 400,
			Payload: map[string]any{"confidence": 0.3}, RecordedAt: baseTime().Add(time.Second)},
		{WorkflowID: "wf-1", Stage: StageFixing, Success: true, DurationMS: 9000, RecordedAt: baseTime().Add(2 * time.Second)},
		{WorkflowID: "wf-1", Stage: StageVerification, Success: true, DurationMS: 380,
			Payload: map[string]any{"confidence": 0.95}, RecordedAt: baseTime().Add(3 * time.Second)},
		{WorkflowID: "wf-2", Stage: StageExecution, Success: true, RecordedAt: baseTime()},
	}
	for i, e := range entries {
		if _, err := s.AppendWorkflowHistory(ctx, e); err != nil {
			t.Fatalf("AppendWorkflowHistory %d failed: %v", i, err)
		}
	}

	hist, err := s.WorkflowHistory(ctx, "wf-1")
	if err != nil {
		t.Fatalf("WorkflowHistory failed: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("got %d entries, want 4", len(hist))
	}

	// Both verification writes survive, in order: failed first, passed second.
	var verifications []WorkflowHistoryEntry
	for _, e := range hist {
		if e.Stage == StageVerification {
			verifications = append(verifications, e)
		}
	}
	if len(verifications) != 2 {
		t.Fatalf("got %d verification entries, want 2", len(verifications))
	}
	if verifications[0].Success || !verifications[1].Success {
		t.Errorf("verification order: got %v,%v, want false,true",
			verifications[0].Success, verifications[1].Success)
	}

	hist, err = s.WorkflowHistory(ctx, "wf-none")
	if err != nil {
		t.Fatalf("WorkflowHistory(empty) failed: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("empty history: got %d entries", len(hist))
	}
}
