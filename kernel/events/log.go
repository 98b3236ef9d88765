// Package events implements the append-only event store: a per-instance,
// monotonically sequenced log over a closed set of event types, with query
// and deterministic replay.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/internal/keyedmutex"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// Log is the event store service. Appends for one instance are serialized on
// a keyed mutex so sequence allocation is gap-free; the store's unique key on
// (instance_id, sequence_num) backstops out-of-process writers.
type Log struct {
	store store.Store
	locks *keyedmutex.KeyedMutex
	log   zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
	// NewID allocates event IDs.
	NewID func() string
}

// NewLog creates the event store service on top of st. The locks argument
// lets callers share one mutex set across services writing per-instance
// state; pass nil to allocate a private one.
func NewLog(st store.Store, locks *keyedmutex.KeyedMutex, logger zerolog.Logger) *Log {
	if locks == nil {
		locks = keyedmutex.New()
	}
	return &Log{
		store: st,
		locks: locks,
		log:   logger.With().Str("component", "events").Logger(),
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Append validates the event against the registry, allocates the next
// sequence number for the instance (starting at 1), and inserts. The write is
// atomic per instance: concurrent appends never produce gaps or duplicates.
func (l *Log) Append(ctx context.Context, instanceID, eventType string, data, metadata map[string]any) (store.Event, error) {
	if instanceID == "" {
		return store.Event{}, fmt.Errorf("instance_id is required: %w", fault.ErrValidation)
	}
	if err := Validate(eventType, data); err != nil {
		return store.Event{}, err
	}

	l.locks.Lock(instanceID)
	defer l.locks.Unlock(instanceID)

	max, err := l.store.MaxSequence(ctx, instanceID)
	if err != nil {
		return store.Event{}, fmt.Errorf("allocate sequence: %w", err)
	}

	ev := store.Event{
		EventID:     l.NewID(),
		InstanceID:  instanceID,
		EventType:   eventType,
		SequenceNum: max + 1,
		Timestamp:   l.Now().UTC(),
		EventData:   data,
		Metadata:    metadata,
	}
	if err := l.store.InsertEvent(ctx, ev); err != nil {
		return store.Event{}, err
	}

	l.log.Debug().
		Str("instance_id", instanceID).
		Str("event_type", eventType).
		Int64("sequence_num", ev.SequenceNum).
		Msg("event appended")
	return ev, nil
}

// QueryResult is one page of events, newest first.
type QueryResult struct {
	Events  []store.Event
	Total   int
	HasMore bool
}

// Query returns events matching the filter, ordered newest first by
// (timestamp DESC, sequence_num DESC).
func (l *Log) Query(ctx context.Context, filter store.EventFilter) (QueryResult, error) {
	evs, total, err := l.store.ListEvents(ctx, filter)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{
		Events:  evs,
		Total:   total,
		HasMore: filter.Offset+len(evs) < total,
	}, nil
}

// ListEventTypes returns the closed registry.
func (l *Log) ListEventTypes() []Definition {
	return Types()
}

// Replay folds the instance's events in ascending sequence order into an
// accumulated work state. Pass upToSequence = 0 to fold everything. The fold
// is pure: the same event prefix always yields the same state. An event whose
// type is no longer registered aborts the replay with fault.ErrValidation.
func (l *Log) Replay(ctx context.Context, instanceID string, upToSequence int64) (map[string]any, error) {
	evs, err := l.store.EventsAscending(ctx, instanceID, upToSequence)
	if err != nil {
		return nil, err
	}

	state := map[string]any{}
	for _, ev := range evs {
		if !Known(ev.EventType) {
			return nil, fmt.Errorf("replay hit unregistered event type %q at sequence %d: %w",
				ev.EventType, ev.SequenceNum, fault.ErrValidation)
		}
		fold(state, ev)
	}
	state["replayed_through"] = maxSeq(evs)
	return state, nil
}

func maxSeq(evs []store.Event) int64 {
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].SequenceNum
}

// fold applies one event to the accumulated state. Contributions are defined
// per type; types with no state contribution (heartbeats, feature requests)
// still bump the per-type counter so the fold accounts for every event.
func fold(state map[string]any, ev store.Event) {
	bumpCounter(state, ev.EventType)

	data := ev.EventData
	switch ev.EventType {
	case TypeInstanceRegistered:
		state["registered"] = true
		if p, ok := data["project"]; ok {
			state["project"] = p
		}
	case TypeInstanceStale:
		state["stale"] = true

	case TypeEpicStarted:
		state["current_epic"] = data["epic_id"]
	case TypeEpicCompleted:
		appendTo(state, "completed_epics", data["epic_id"])
		if state["current_epic"] == data["epic_id"] {
			delete(state, "current_epic")
		}
	case TypeEpicFailed:
		appendTo(state, "failed_epics", data["epic_id"])
		if state["current_epic"] == data["epic_id"] {
			delete(state, "current_epic")
		}

	case TypeTestStarted:
		state["current_test"] = data["test_id"]
	case TypeTestPassed, TypeTestFailed:
		state["last_test"] = data["test_id"]
		state["last_test_passed"] = ev.EventType == TypeTestPassed
		if state["current_test"] == data["test_id"] {
			delete(state, "current_test")
		}

	case TypeCommitCreated:
		appendTo(state, "commits", data["sha"])
	case TypePRCreated:
		appendTo(state, "open_prs", data["pr_number"])
	case TypePRMerged:
		appendTo(state, "merged_prs", data["pr_number"])

	case TypeDeploymentStarted, TypeDeploymentCompleted, TypeDeploymentFailed:
		env, _ := data["environment"].(string)
		deployments, _ := state["deployments"].(map[string]any)
		if deployments == nil {
			deployments = map[string]any{}
			state["deployments"] = deployments
		}
		deployments[env] = ev.EventType

	case TypeContextWindowUpdated:
		state["context_window_percent"] = data["percent"]
	case TypeCheckpointCreated:
		state["last_checkpoint_id"] = data["checkpoint_id"]
		state["last_checkpoint_seq"] = ev.SequenceNum
	case TypeCheckpointLoaded:
		state["loaded_checkpoint_id"] = data["checkpoint_id"]

	case TypeEpicPlanned:
		appendTo(state, "planned_epics", data["epic_id"])
	case TypeTaskSpawned:
		appendTo(state, "spawned_tasks", data["task_id"])
	}
}

func bumpCounter(state map[string]any, eventType string) {
	counters, _ := state["event_counts"].(map[string]any)
	if counters == nil {
		counters = map[string]any{}
		state["event_counts"] = counters
	}
	n, _ := counters[eventType].(int64)
	counters[eventType] = n + 1
}

func appendTo(state map[string]any, key string, v any) {
	list, _ := state[key].([]any)
	state[key] = append(list, v)
}
