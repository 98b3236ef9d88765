package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests and short-lived processes; data is lost when the
// process terminates. MemStore is thread-safe and enforces the same unique
// keys and version checks as the SQL backends, so conflict behavior is
// identical across implementations.
type MemStore struct {
	mu sync.RWMutex

	instances   map[string]Instance
	events      map[string][]Event // instanceID -> ascending by sequence
	commands    []CommandEntry
	nextCmdID   int64
	checkpoints map[string]Checkpoint // checkpointID -> checkpoint
	cpBySeq     map[string]bool       // "instanceID:seq" guard
	workflows   map[string]Workflow
	testIDs     map[string]bool // test_id uniqueness guard
	history     map[string][]WorkflowHistoryEntry
	nextHistID  int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances:   make(map[string]Instance),
		events:      make(map[string][]Event),
		checkpoints: make(map[string]Checkpoint),
		cpBySeq:     make(map[string]bool),
		workflows:   make(map[string]Workflow),
		testIDs:     make(map[string]bool),
		history:     make(map[string][]WorkflowHistoryEntry),
	}
}

// cloneMap deep-copies a JSON-shaped map so callers cannot mutate stored
// state through shared references.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Non-serializable payloads are rejected upstream; fall back to a
		// shallow copy rather than dropping data.
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (m *MemStore) InsertInstance(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.InstanceID]; exists {
		return fmt.Errorf("instance %s: %w", inst.InstanceID, fault.ErrConflict)
	}
	inst.Metadata = cloneMap(inst.Metadata)
	m.instances[inst.InstanceID] = inst
	return nil
}

func (m *MemStore) GetInstance(_ context.Context, instanceID string) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return Instance{}, fmt.Errorf("instance %s: %w", instanceID, fault.ErrNotFound)
	}
	inst.Metadata = cloneMap(inst.Metadata)
	return inst, nil
}

func (m *MemStore) UpdateInstance(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.InstanceID]; !ok {
		return fmt.Errorf("instance %s: %w", inst.InstanceID, fault.ErrNotFound)
	}
	inst.Metadata = cloneMap(inst.Metadata)
	m.instances[inst.InstanceID] = inst
	return nil
}

func (m *MemStore) ListInstances(_ context.Context, filter InstanceFilter) ([]Instance, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Instance
	for _, inst := range m.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.Project != "" && inst.Project != filter.Project {
			continue
		}
		inst.Metadata = cloneMap(inst.Metadata)
		matched = append(matched, inst)
	}

	// Most recently alive first.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastHeartbeat.After(matched[j].LastHeartbeat)
	})

	total := len(matched)
	matched = paginate(matched, filter.Limit, filter.Offset)
	return matched, total, nil
}

func (m *MemStore) InsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.events[ev.InstanceID] {
		if existing.SequenceNum == ev.SequenceNum {
			return fmt.Errorf("event seq %d for %s: %w", ev.SequenceNum, ev.InstanceID, fault.ErrConflict)
		}
	}
	ev.EventData = cloneMap(ev.EventData)
	ev.Metadata = cloneMap(ev.Metadata)
	m.events[ev.InstanceID] = append(m.events[ev.InstanceID], ev)
	return nil
}

func (m *MemStore) MaxSequence(_ context.Context, instanceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for _, ev := range m.events[instanceID] {
		if ev.SequenceNum > max {
			max = ev.SequenceNum
		}
	}
	return max, nil
}

func (m *MemStore) ListEvents(_ context.Context, filter EventFilter) ([]Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Event
	for instanceID, evs := range m.events {
		if filter.InstanceID != "" && instanceID != filter.InstanceID {
			continue
		}
		for _, ev := range evs {
			if !eventMatches(ev, filter) {
				continue
			}
			ev.EventData = cloneMap(ev.EventData)
			ev.Metadata = cloneMap(ev.Metadata)
			matched = append(matched, ev)
		}
	}

	// Newest first: timestamp DESC, sequence DESC.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].SequenceNum > matched[j].SequenceNum
	})

	total := len(matched)
	matched = paginate(matched, filter.Limit, filter.Offset)
	return matched, total, nil
}

func eventMatches(ev Event, filter EventFilter) bool {
	if len(filter.EventTypes) > 0 {
		found := false
		for _, t := range filter.EventTypes {
			if ev.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && !ev.Timestamp.Before(*filter.Until) {
		return false
	}
	if filter.Keyword != "" {
		raw, err := json.Marshal(ev.EventData)
		if err != nil || !strings.Contains(string(raw), filter.Keyword) {
			return false
		}
	}
	return true
}

func (m *MemStore) EventsAscending(_ context.Context, instanceID string, upToSequence int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.events[instanceID] {
		if upToSequence > 0 && ev.SequenceNum > upToSequence {
			continue
		}
		ev.EventData = cloneMap(ev.EventData)
		ev.Metadata = cloneMap(ev.Metadata)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum < out[j].SequenceNum })
	return out, nil
}

func (m *MemStore) InsertCommand(_ context.Context, entry CommandEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCmdID++
	entry.ID = m.nextCmdID
	entry.Parameters = cloneMap(entry.Parameters)
	entry.ContextData = cloneMap(entry.ContextData)
	m.commands = append(m.commands, entry)
	return entry.ID, nil
}

func (m *MemStore) GetCommand(_ context.Context, id int64) (CommandEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.commands {
		if c.ID == id {
			c.Parameters = cloneMap(c.Parameters)
			c.ContextData = cloneMap(c.ContextData)
			return c, nil
		}
	}
	return CommandEntry{}, fmt.Errorf("command %d: %w", id, fault.ErrNotFound)
}

func (m *MemStore) SearchCommands(_ context.Context, filter CommandFilter) ([]CommandEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []CommandEntry
	for _, c := range m.commands {
		if filter.InstanceID != "" && c.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Action != "" && c.Action != filter.Action {
			continue
		}
		if filter.SuccessOnly && !c.Success {
			continue
		}
		if filter.Since != nil && c.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !c.Timestamp.Before(*filter.Until) {
			continue
		}
		c.Parameters = cloneMap(c.Parameters)
		c.ContextData = cloneMap(c.ContextData)
		matched = append(matched, c)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	matched = paginate(matched, filter.Limit, filter.Offset)
	return matched, total, nil
}

func (m *MemStore) CommandStats(_ context.Context, instanceID string) (CommandStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats CommandStats
	for _, c := range m.commands {
		if c.InstanceID != instanceID {
			continue
		}
		stats.Total++
		if c.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *MemStore) InsertCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkpoints[cp.CheckpointID]; exists {
		return fmt.Errorf("checkpoint %s: %w", cp.CheckpointID, fault.ErrConflict)
	}
	seqKey := fmt.Sprintf("%s:%d", cp.InstanceID, cp.SequenceNum)
	if m.cpBySeq[seqKey] {
		return fmt.Errorf("checkpoint at seq %d for %s: %w", cp.SequenceNum, cp.InstanceID, fault.ErrConflict)
	}
	cp.WorkState = cloneMap(cp.WorkState)
	cp.Metadata = cloneMap(cp.Metadata)
	m.checkpoints[cp.CheckpointID] = cp
	m.cpBySeq[seqKey] = true
	return nil
}

func (m *MemStore) GetCheckpoint(_ context.Context, checkpointID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[checkpointID]
	if !ok {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", checkpointID, fault.ErrNotFound)
	}
	cp.WorkState = cloneMap(cp.WorkState)
	cp.Metadata = cloneMap(cp.Metadata)
	return cp, nil
}

func (m *MemStore) LatestCheckpoint(_ context.Context, instanceID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Checkpoint
	for id := range m.checkpoints {
		cp := m.checkpoints[id]
		if cp.InstanceID != instanceID {
			continue
		}
		if latest == nil || cp.SequenceNum > latest.SequenceNum {
			c := cp
			latest = &c
		}
	}
	if latest == nil {
		return Checkpoint{}, fmt.Errorf("no checkpoint for %s: %w", instanceID, fault.ErrNotFound)
	}
	out := *latest
	out.WorkState = cloneMap(out.WorkState)
	out.Metadata = cloneMap(out.Metadata)
	return out, nil
}

func (m *MemStore) InsertWorkflow(_ context.Context, w Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[w.ID]; exists {
		return fmt.Errorf("workflow %s: %w", w.ID, fault.ErrConflict)
	}
	if m.testIDs[w.TestID] {
		return fmt.Errorf("workflow for test %s: %w", w.TestID, fault.ErrConflict)
	}
	m.workflows[w.ID] = w
	m.testIDs[w.TestID] = true
	return nil
}

func (m *MemStore) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s: %w", id, fault.ErrNotFound)
	}
	return w, nil
}

func (m *MemStore) UpdateWorkflow(_ context.Context, w Workflow, expectedVersion int64) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.workflows[w.ID]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s: %w", w.ID, fault.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return Workflow{}, fmt.Errorf("workflow %s version %d != %d: %w",
			w.ID, stored.Version, expectedVersion, fault.ErrConflict)
	}
	w.Version = expectedVersion + 1
	m.workflows[w.ID] = w
	return w, nil
}

func (m *MemStore) ListWorkflowsByEpic(_ context.Context, epicID string) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Workflow
	for _, w := range m.workflows {
		if w.EpicID == epicID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) AppendWorkflowHistory(_ context.Context, entry WorkflowHistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHistID++
	entry.ID = m.nextHistID
	m.history[entry.WorkflowID] = append(m.history[entry.WorkflowID], entry)
	return entry.ID, nil
}

func (m *MemStore) WorkflowHistory(_ context.Context, workflowID string) ([]WorkflowHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]WorkflowHistoryEntry, len(m.history[workflowID]))
	copy(out, m.history[workflowID])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
