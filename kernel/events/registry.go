package events

import (
	"fmt"
	"sort"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

// Group buckets related event types. The set of groups is as closed as the
// set of types.
type Group string

const (
	GroupInstance   Group = "instance"
	GroupEpic       Group = "epic"
	GroupTesting    Group = "testing"
	GroupGit        Group = "git"
	GroupDeployment Group = "deployment"
	GroupWorkState  Group = "work_state"
	GroupPlanning   Group = "planning"
)

// Event type names. The registry is closed: appending a type outside this
// set fails with fault.ErrValidation, and adding one is a schema change.
const (
	TypeInstanceRegistered = "instance_registered"
	TypeInstanceHeartbeat  = "instance_heartbeat"
	TypeInstanceStale      = "instance_stale"

	TypeEpicStarted   = "epic_started"
	TypeEpicCompleted = "epic_completed"
	TypeEpicFailed    = "epic_failed"

	TypeTestStarted      = "test_started"
	TypeTestPassed       = "test_passed"
	TypeTestFailed       = "test_failed"
	TypeValidationPassed = "validation_passed"
	TypeValidationFailed = "validation_failed"

	TypeCommitCreated = "commit_created"
	TypePRCreated     = "pr_created"
	TypePRMerged      = "pr_merged"

	TypeDeploymentStarted   = "deployment_started"
	TypeDeploymentCompleted = "deployment_completed"
	TypeDeploymentFailed    = "deployment_failed"

	TypeContextWindowUpdated = "context_window_updated"
	TypeCheckpointCreated    = "checkpoint_created"
	TypeCheckpointLoaded     = "checkpoint_loaded"

	TypeEpicPlanned      = "epic_planned"
	TypeFeatureRequested = "feature_requested"
	TypeTaskSpawned      = "task_spawned"
)

// Definition describes one registered event type: its group, a human
// description, and the event_data keys an append must supply.
type Definition struct {
	Name        string   `json:"name"`
	Group       Group    `json:"group"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
}

var registry = map[string]Definition{
	TypeInstanceRegistered: {Group: GroupInstance, Description: "supervisor instance registered"},
	TypeInstanceHeartbeat:  {Group: GroupInstance, Description: "instance heartbeat received"},
	TypeInstanceStale:      {Group: GroupInstance, Description: "instance marked stale after missed heartbeats", Required: []string{"age_seconds"}},

	TypeEpicStarted:   {Group: GroupEpic, Description: "epic work started", Required: []string{"epic_id"}},
	TypeEpicCompleted: {Group: GroupEpic, Description: "epic work completed", Required: []string{"epic_id"}},
	TypeEpicFailed:    {Group: GroupEpic, Description: "epic work failed", Required: []string{"epic_id"}},

	TypeTestStarted:      {Group: GroupTesting, Description: "test execution started", Required: []string{"test_id"}},
	TypeTestPassed:       {Group: GroupTesting, Description: "test execution passed", Required: []string{"test_id"}},
	TypeTestFailed:       {Group: GroupTesting, Description: "test execution failed", Required: []string{"test_id"}},
	TypeValidationPassed: {Group: GroupTesting, Description: "independent validation passed", Required: []string{"test_id"}},
	TypeValidationFailed: {Group: GroupTesting, Description: "independent validation failed", Required: []string{"test_id"}},

	TypeCommitCreated: {Group: GroupGit, Description: "commit created", Required: []string{"sha"}},
	TypePRCreated:     {Group: GroupGit, Description: "pull request opened", Required: []string{"pr_number"}},
	TypePRMerged:      {Group: GroupGit, Description: "pull request merged", Required: []string{"pr_number"}},

	TypeDeploymentStarted:   {Group: GroupDeployment, Description: "deployment started", Required: []string{"environment"}},
	TypeDeploymentCompleted: {Group: GroupDeployment, Description: "deployment completed", Required: []string{"environment"}},
	TypeDeploymentFailed:    {Group: GroupDeployment, Description: "deployment failed", Required: []string{"environment"}},

	TypeContextWindowUpdated: {Group: GroupWorkState, Description: "context window usage changed", Required: []string{"percent"}},
	TypeCheckpointCreated:    {Group: GroupWorkState, Description: "checkpoint written", Required: []string{"checkpoint_id"}},
	TypeCheckpointLoaded:     {Group: GroupWorkState, Description: "checkpoint loaded", Required: []string{"checkpoint_id"}},

	TypeEpicPlanned:      {Group: GroupPlanning, Description: "epic planned", Required: []string{"epic_id"}},
	TypeFeatureRequested: {Group: GroupPlanning, Description: "feature requested"},
	TypeTaskSpawned:      {Group: GroupPlanning, Description: "subtask spawned", Required: []string{"task_id"}},
}

// Known reports whether name is a registered event type.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Validate checks name against the registry and data against the type's
// required keys. Values are not type-checked beyond presence.
func Validate(name string, data map[string]any) error {
	def, ok := registry[name]
	if !ok {
		return fmt.Errorf("unknown event type %q: %w", name, fault.ErrValidation)
	}
	for _, key := range def.Required {
		if _, present := data[key]; !present {
			return fmt.Errorf("event type %q requires event_data key %q: %w", name, key, fault.ErrValidation)
		}
	}
	return nil
}

// Types returns the full registry, sorted by group then name.
func Types() []Definition {
	out := make([]Definition, 0, len(registry))
	for name, def := range registry {
		def.Name = name
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}
