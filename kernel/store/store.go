// Package store provides typed persistence for the supervisor kernel.
//
// It exposes one Store interface covering the five entities the kernel owns:
// instances, events, command log entries, checkpoints, and workflows. Three
// implementations ship with the kernel:
//
//   - In-memory (memory.go) for tests and short-lived processes
//   - SQLite (sqlite.go) for single-node deployments with zero setup
//   - MySQL (mysql.go) for shared deployments
//
// Append-only tables (events, commands, checkpoints, workflow history) are
// conflict-safe on their unique keys: a duplicate insert fails with
// fault.ErrConflict and never overwrites. Workflow rows carry a version
// counter; UpdateWorkflow enforces an optimistic check so concurrent writers
// are linearized and the loser sees fault.ErrConflict.
package store

import (
	"context"
	"time"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
)

// InstanceType distinguishes the two supervisor session flavors.
type InstanceType string

const (
	InstancePS InstanceType = "PS"
	InstanceMS InstanceType = "MS"
)

// InstanceStatus is the lifecycle state of a supervisor instance.
type InstanceStatus string

const (
	InstanceActive InstanceStatus = "active"
	InstanceStale  InstanceStatus = "stale"
	InstanceClosed InstanceStatus = "closed"
)

// CommandType classifies how a command entered the system.
type CommandType string

const (
	CommandMCPTool  CommandType = "mcp_tool"
	CommandExplicit CommandType = "explicit"
	CommandAuto     CommandType = "auto"
)

// CheckpointType records why a checkpoint was taken.
type CheckpointType string

const (
	CheckpointContextWindow  CheckpointType = "context_window"
	CheckpointEpicCompletion CheckpointType = "epic_completion"
	CheckpointManual         CheckpointType = "manual"
)

// Stage is a workflow pipeline stage, including the pending/completed/failed
// sentinels.
type Stage string

const (
	StagePending      Stage = "pending"
	StageExecution    Stage = "execution"
	StageDetection    Stage = "detection"
	StageVerification Stage = "verification"
	StageFixing       Stage = "fixing"
	StageLearning     Stage = "learning"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// WorkflowStatus is the coarse workflow state.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
)

// TestType is the kind of test a workflow runs.
type TestType string

const (
	TestUI          TestType = "ui"
	TestAPI         TestType = "api"
	TestUnit        TestType = "unit"
	TestIntegration TestType = "integration"
)

// ValidTestType reports whether t is a known test type.
func ValidTestType(t TestType) bool {
	switch t {
	case TestUI, TestAPI, TestUnit, TestIntegration:
		return true
	}
	return false
}

// ValidStage reports whether s is a known workflow stage.
func ValidStage(s Stage) bool {
	switch s {
	case StagePending, StageExecution, StageDetection, StageVerification,
		StageFixing, StageLearning, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Instance is one long-running supervisor session. Rows are never deleted;
// status moves active -> stale -> active (on heartbeat) or -> closed.
type Instance struct {
	InstanceID           string
	Project              string
	InstanceType         InstanceType
	Status               InstanceStatus
	RegistrationTime     time.Time
	LastHeartbeat        time.Time
	ContextWindowPercent float64
	CurrentEpic          string
	ClaudeSessionUUID    string
	Metadata             map[string]any
}

// Event is an immutable fact emitted for an instance. (InstanceID,
// SequenceNum) is unique and gap-free per instance, starting at 1.
type Event struct {
	EventID     string
	InstanceID  string
	EventType   string
	SequenceNum int64
	Timestamp   time.Time
	EventData   map[string]any
	Metadata    map[string]any
}

// CommandEntry is a sanitized record of one command or tool call. Parameters
// and Result are stored post-redaction; the raw values never reach the store.
type CommandEntry struct {
	ID              int64
	InstanceID      string
	CommandType     CommandType
	Action          string
	ToolName        string
	Parameters      map[string]any
	Result          any
	Success         bool
	ErrorMessage    string
	ExecutionTimeMS int64
	Timestamp       time.Time
	Tags            []string
	ContextData     map[string]any
	Source          string
}

// CommandStats summarizes command outcomes for one instance.
type CommandStats struct {
	Total      int64
	Successful int64
	Failed     int64
}

// Checkpoint is a durable snapshot of an instance's work-state pinned to an
// event sequence number. Checkpoints are immutable after write.
type Checkpoint struct {
	CheckpointID         string
	InstanceID           string
	CheckpointType       CheckpointType
	SequenceNum          int64
	Timestamp            time.Time
	ContextWindowPercent float64
	WorkState            map[string]any
	Metadata             map[string]any
}

// Workflow is one test run through the pipeline. Result slots stay nil until
// their stage completes. Version backs the optimistic concurrency check.
type Workflow struct {
	ID           string
	TestID       string
	EpicID       string
	TestType     TestType
	CurrentStage Stage
	Status       WorkflowStatus

	Execution    *collab.TestExecutionResult
	Detection    *collab.DetectionResult
	Verification *collab.VerificationReport
	Fixing       *collab.FixResult
	Learning     *collab.LearningResult

	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMS   int64
	RetryCount   int
	ErrorMessage string
	Escalated    bool

	Version int64
}

// WorkflowHistoryEntry is one append-only record of a stage result write.
// The history preserves every write, so a re-verified workflow shows two
// verification entries in order.
type WorkflowHistoryEntry struct {
	ID         int64
	WorkflowID string
	Stage      Stage
	Success    bool
	DurationMS int64
	Payload    any
	RecordedAt time.Time
}

// EventFilter narrows an event query. Zero fields match everything. The time
// window is half-open: Since <= ts < Until.
type EventFilter struct {
	InstanceID string
	EventTypes []string
	Since      *time.Time
	Until      *time.Time
	Keyword    string
	Limit      int
	Offset     int
}

// CommandFilter narrows a command search. Ordering is timestamp DESC, id DESC.
type CommandFilter struct {
	InstanceID  string
	Action      string
	SuccessOnly bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// InstanceFilter narrows an instance listing.
type InstanceFilter struct {
	Status  InstanceStatus
	Project string
	Limit   int
	Offset  int
}

// Store is the persistence boundary for the kernel.
//
// Error contract: lookups return fault.ErrNotFound for missing rows; inserts
// and version-checked updates return fault.ErrConflict on unique-key or
// version violations; transient backend failures surface as
// fault.ErrUnavailable. All errors are wrapped, match with errors.Is.
type Store interface {
	// Instances.
	InsertInstance(ctx context.Context, inst Instance) error
	GetInstance(ctx context.Context, instanceID string) (Instance, error)
	UpdateInstance(ctx context.Context, inst Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, int, error)

	// Events. InsertEvent is conflict-safe on (instance_id, sequence_num).
	InsertEvent(ctx context.Context, ev Event) error
	MaxSequence(ctx context.Context, instanceID string) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, int, error)
	EventsAscending(ctx context.Context, instanceID string, upToSequence int64) ([]Event, error)

	// Command log. InsertCommand allocates and returns the monotonic id.
	InsertCommand(ctx context.Context, entry CommandEntry) (int64, error)
	GetCommand(ctx context.Context, id int64) (CommandEntry, error)
	SearchCommands(ctx context.Context, filter CommandFilter) ([]CommandEntry, int, error)
	CommandStats(ctx context.Context, instanceID string) (CommandStats, error)

	// Checkpoints. InsertCheckpoint is conflict-safe on checkpoint_id and on
	// (instance_id, sequence_num).
	InsertCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, checkpointID string) (Checkpoint, error)
	LatestCheckpoint(ctx context.Context, instanceID string) (Checkpoint, error)

	// Workflows. InsertWorkflow is conflict-safe on id and test_id.
	// UpdateWorkflow applies only when the stored version equals
	// expectedVersion, then bumps it; otherwise fault.ErrConflict.
	InsertWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	UpdateWorkflow(ctx context.Context, w Workflow, expectedVersion int64) (Workflow, error)
	ListWorkflowsByEpic(ctx context.Context, epicID string) ([]Workflow, error)

	// Workflow history (append-only).
	AppendWorkflowHistory(ctx context.Context, entry WorkflowHistoryEntry) (int64, error)
	WorkflowHistory(ctx context.Context, workflowID string) ([]WorkflowHistoryEntry, error)

	Close() error
}
