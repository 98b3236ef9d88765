package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by workflow, and supports
// filtered retrieval. Intended for tests, debugging, and post-run analysis;
// it grows without bound, so call Clear for long-lived processes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events, emission order
}

// HistoryFilter selects events in History. Empty fields match everything;
// set fields combine with AND.
type HistoryFilter struct {
	InstanceID string
	Stage      string
	Msg        string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns the matching events for a workflow in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) History(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events[workflowID]))
	for _, ev := range b.events[workflowID] {
		if filter.InstanceID != "" && ev.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Stage != "" && ev.Stage != filter.Stage {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops the history for one workflow, or everything when workflowID
// is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
