// Package emit provides pluggable observability sinks for workflow and
// session activity.
package emit

// Event is one observability record emitted while the kernel works.
type Event struct {
	// InstanceID identifies the supervisor instance the activity belongs to.
	InstanceID string

	// WorkflowID identifies the workflow run, if the event is workflow-scoped.
	WorkflowID string

	// Stage is the pipeline stage the event was emitted from. Empty for
	// session-level events.
	Stage string

	// Msg names what happened, e.g. "stage_start", "stage_end",
	// "workflow_completed", "escalation".
	Msg string

	// Meta carries additional structured data. Common keys: "duration_ms",
	// "error", "attempt", "confidence".
	Meta map[string]any
}

// Emitter receives observability events.
//
// Implementations must be safe for concurrent use and must not block or
// panic; a slow or failing backend drops events rather than stalling the
// pipeline.
type Emitter interface {
	Emit(event Event)
}
