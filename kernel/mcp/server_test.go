package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel"
	"github.com/gpt153/supervisor-kernel/kernel/cmdlog"
	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/session"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// setupTestSession wires real kernel services over an in-memory store and
// connects an MCP client through in-memory transports.
func setupTestSession(t *testing.T) *mcpsdk.ClientSession {
	t.Helper()

	st := store.NewMemStore()
	ev := events.NewLog(st, nil, zerolog.Nop())
	deps := Deps{
		Registry:    session.NewRegistry(st, ev, nil, 0, zerolog.Nop()),
		Checkpoints: session.NewManager(st, ev, 0, zerolog.Nop()),
		Events:      ev,
		Commands:    cmdlog.NewRecorder(st, nil, zerolog.Nop()),
		Machine:     kernel.NewStateMachine(st, nil, nil, zerolog.Nop()),
	}
	server := NewServer(deps)

	ctx := context.Background()
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	if _, err := server.Connect(ctx, serverTransport, nil); err != nil {
		t.Fatalf("connect server: %v", err)
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// callTool invokes a tool and decodes its JSON text content.
func callTool(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if res.IsError {
		t.Fatalf("call %s returned tool error: %v", name, res.Content)
	}
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("call %s: content %T is not text", name, res.Content[0])
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text.Text), &decoded); err != nil {
		t.Fatalf("call %s: decode %q: %v", name, text.Text, err)
	}
	return decoded
}

// callToolExpectError invokes a tool and returns the error text.
func callToolExpectError(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) string {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return err.Error()
	}
	if !res.IsError {
		t.Fatalf("call %s did not fail", name)
	}
	if text, ok := res.Content[0].(*mcpsdk.TextContent); ok {
		return text.Text
	}
	return ""
}

func TestAllToolsRegistered(t *testing.T) {
	cs := setupTestSession(t)

	tools, err := cs.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}

	want := []string{
		"register_instance", "heartbeat", "close_instance", "resume_instance",
		"get_instance_details", "list_stale_instances",
		"emit_event", "query_events", "replay_events", "list_event_types",
		"log_command", "search_commands", "get_command", "command_stats",
		"create_checkpoint", "get_latest_checkpoint", "load_checkpoint",
		"create_workflow", "get_workflow", "list_workflows_by_epic",
		"transition_workflow", "escalate_workflow",
	}
	got := make(map[string]bool, len(tools.Tools))
	for _, tool := range tools.Tools {
		got[tool.Name] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
	if len(tools.Tools) != len(want) {
		t.Errorf("tool count: got %d, want %d", len(tools.Tools), len(want))
	}
}

func TestInstanceLifecycleOverMCP(t *testing.T) {
	cs := setupTestSession(t)

	reg := callTool(t, cs, "register_instance", map[string]any{
		"project":       "webshop",
		"instance_type": "PS",
	})
	instanceID, _ := reg["InstanceID"].(string)
	if !strings.HasPrefix(instanceID, "webshop-ps-") {
		t.Fatalf("instance id: %q", instanceID)
	}

	hb := callTool(t, cs, "heartbeat", map[string]any{
		"instance_id":            instanceID,
		"context_window_percent": 42.5,
		"current_epic":           "epic-7",
	})
	if hb["ContextWindowPercent"] != 42.5 || hb["CurrentEpic"] != "epic-7" {
		t.Errorf("heartbeat result: %v", hb)
	}

	details := callTool(t, cs, "get_instance_details", map[string]any{"instance_id": instanceID})
	if details["instance"] == nil {
		t.Errorf("details missing instance: %v", details)
	}
	// Registration plus one heartbeat.
	if details["replayed_through"] != float64(2) {
		t.Errorf("replayed_through: %v", details["replayed_through"])
	}

	callTool(t, cs, "close_instance", map[string]any{"instance_id": instanceID, "reason": "done"})
	msg := callToolExpectError(t, cs, "heartbeat", map[string]any{"instance_id": instanceID})
	if !strings.Contains(msg, "closed") {
		t.Errorf("heartbeat after close: %q", msg)
	}
}

func TestEventToolsOverMCP(t *testing.T) {
	cs := setupTestSession(t)

	reg := callTool(t, cs, "register_instance", map[string]any{"project": "webshop", "instance_type": "MS"})
	instanceID := reg["InstanceID"].(string)

	ev := callTool(t, cs, "emit_event", map[string]any{
		"instance_id": instanceID,
		"event_type":  "epic_started",
		"event_data":  map[string]any{"epic_id": "epic-7"},
	})
	if ev["SequenceNum"] != float64(2) {
		t.Errorf("sequence: %v", ev["SequenceNum"])
	}

	msg := callToolExpectError(t, cs, "emit_event", map[string]any{
		"instance_id": instanceID,
		"event_type":  "made_up_type",
	})
	if !strings.Contains(msg, "made_up_type") {
		t.Errorf("unknown type error: %q", msg)
	}

	q := callTool(t, cs, "query_events", map[string]any{
		"instance_id": instanceID,
		"event_types": []any{"epic_started"},
	})
	if q["Total"] != float64(1) {
		t.Errorf("query total: %v", q["Total"])
	}

	state := callTool(t, cs, "replay_events", map[string]any{"instance_id": instanceID})
	if state["current_epic"] != "epic-7" {
		t.Errorf("replayed state: %v", state)
	}
}

func TestCommandToolsRedactOverMCP(t *testing.T) {
	cs := setupTestSession(t)

	reg := callTool(t, cs, "register_instance", map[string]any{"project": "webshop", "instance_type": "PS"})
	instanceID := reg["InstanceID"].(string)

	logged := callTool(t, cs, "log_command", map[string]any{
		"instance_id":  instanceID,
		"command_type": "mcp_tool",
		"action":       "deploy_service",
		"parameters":   map[string]any{"api_key": "sk_live_abcdef1234567890"},
		"success":      true,
	})
	id := logged["id"].(float64)

	entry := callTool(t, cs, "get_command", map[string]any{"id": id})
	params, _ := entry["Parameters"].(map[string]any)
	if params["api_key"] != "[REDACTED]" {
		t.Errorf("parameters not redacted: %v", params)
	}

	stats := callTool(t, cs, "command_stats", map[string]any{"instance_id": instanceID})
	if stats["Total"] != float64(1) || stats["Successful"] != float64(1) {
		t.Errorf("stats: %v", stats)
	}
}

func TestCheckpointAndResumeOverMCP(t *testing.T) {
	cs := setupTestSession(t)

	reg := callTool(t, cs, "register_instance", map[string]any{"project": "webshop", "instance_type": "PS"})
	instanceID := reg["InstanceID"].(string)

	cp := callTool(t, cs, "create_checkpoint", map[string]any{
		"instance_id":            instanceID,
		"checkpoint_type":        "manual",
		"work_state":             map[string]any{"current_epic": "epic-7", "files_touched": float64(12)},
		"context_window_percent": 63,
		"reason":                 "before refactor",
	})
	if cp["SequenceNum"] != float64(1) {
		t.Errorf("checkpoint pinned at: %v", cp["SequenceNum"])
	}

	latest := callTool(t, cs, "get_latest_checkpoint", map[string]any{"instance_id": instanceID})
	if latest["CheckpointID"] != cp["CheckpointID"] {
		t.Errorf("latest: %v", latest)
	}

	resumed := callTool(t, cs, "resume_instance", map[string]any{"hint": instanceID[:8]})
	if resumed["source"] != "CHECKPOINT" || resumed["confidence"].(float64) < 0.9 {
		t.Errorf("resume: source=%v confidence=%v", resumed["source"], resumed["confidence"])
	}
	ws, _ := resumed["work_state"].(map[string]any)
	if ws["current_epic"] != "epic-7" {
		t.Errorf("work state: %v", ws)
	}
}

func TestWorkflowToolsOverMCP(t *testing.T) {
	cs := setupTestSession(t)

	w := callTool(t, cs, "create_workflow", map[string]any{
		"test_id":   "T1",
		"epic_id":   "E1",
		"test_type": "ui",
	})
	workflowID := w["ID"].(string)
	if w["CurrentStage"] != "pending" {
		t.Errorf("fresh workflow stage: %v", w["CurrentStage"])
	}

	moved := callTool(t, cs, "transition_workflow", map[string]any{
		"workflow_id": workflowID,
		"to_stage":    "execution",
	})
	if moved["CurrentStage"] != "execution" || moved["Status"] != "in_progress" {
		t.Errorf("after transition: %v", moved)
	}

	msg := callToolExpectError(t, cs, "transition_workflow", map[string]any{
		"workflow_id": workflowID,
		"to_stage":    "learning",
	})
	if !strings.Contains(msg, "transition") {
		t.Errorf("invalid transition error: %q", msg)
	}

	failed := callTool(t, cs, "escalate_workflow", map[string]any{
		"workflow_id": workflowID,
		"reason":      "manual intervention needed",
	})
	if failed["Escalated"] != true || failed["Status"] != "failed" {
		t.Errorf("escalated workflow: %v", failed)
	}

	listed := callTool(t, cs, "list_workflows_by_epic", map[string]any{"epic_id": "E1"})
	report, _ := listed["report"].(map[string]any)
	if report["total"] != float64(1) || report["escalated"] != float64(1) {
		t.Errorf("epic report: %v", report)
	}
}
