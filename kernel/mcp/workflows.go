package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func registerWorkflowTools(s *mcpsdk.Server, deps Deps) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "create_workflow",
		Description: "Create a workflow for one test in the pending stage. test_id is unique " +
			"across all workflows.",
		InputSchema: createSchema(map[string]any{
			"test_id":   stringProperty("Unique test identifier"),
			"epic_id":   stringProperty("Epic the test belongs to"),
			"test_type": enumProperty("Kind of test", "ui", "api", "unit", "integration"),
		}, []string{"test_id", "epic_id", "test_type"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		TestID   string `json:"test_id"`
		EpicID   string `json:"epic_id"`
		TestType string `json:"test_type"`
	}) (*mcpsdk.CallToolResult, any, error) {
		w, err := deps.Machine.Create(ctx, args.TestID, args.EpicID, store.TestType(args.TestType))
		return handleToolResult(w, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "get_workflow",
		Description: "Get one workflow by id, including its per-stage results and stage history.",
		InputSchema: createSchema(map[string]any{
			"workflow_id": stringProperty("Workflow to fetch"),
		}, []string{"workflow_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		WorkflowID string `json:"workflow_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		w, err := deps.Machine.Get(ctx, args.WorkflowID)
		if err != nil {
			return nil, nil, err
		}
		history, err := deps.Machine.History(ctx, w.ID)
		if err != nil {
			return nil, nil, err
		}
		return handleToolResult(map[string]any{
			"workflow": w,
			"history":  history,
			"report":   kernel.Report(w, history),
		}, nil)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "list_workflows_by_epic",
		Description: "List every workflow of one epic, oldest first, with the aggregated epic report.",
		InputSchema: createSchema(map[string]any{
			"epic_id": stringProperty("Epic to list"),
		}, []string{"epic_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		EpicID string `json:"epic_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		workflows, err := deps.Machine.ListByEpic(ctx, args.EpicID)
		if err != nil {
			return nil, nil, err
		}
		histories := make(map[string][]store.WorkflowHistoryEntry, len(workflows))
		for _, w := range workflows {
			h, err := deps.Machine.History(ctx, w.ID)
			if err != nil {
				return nil, nil, err
			}
			histories[w.ID] = h
		}
		return handleToolResult(map[string]any{
			"workflows": workflows,
			"report":    kernel.EpicReport(args.EpicID, workflows, histories),
		}, nil)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "transition_workflow",
		Description: "Move a workflow to another stage. Only the transitions of the stage graph " +
			"are accepted; anything else fails without touching the row.",
		InputSchema: createSchema(map[string]any{
			"workflow_id": stringProperty("Workflow to transition"),
			"to_stage": enumProperty("Target stage",
				"execution", "detection", "verification", "fixing", "learning", "completed", "failed"),
		}, []string{"workflow_id", "to_stage"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		WorkflowID string `json:"workflow_id"`
		ToStage    string `json:"to_stage"`
	}) (*mcpsdk.CallToolResult, any, error) {
		w, err := deps.Machine.Get(ctx, args.WorkflowID)
		if err != nil {
			return nil, nil, err
		}
		updated, err := deps.Machine.Transition(ctx, w, store.Stage(args.ToStage))
		return handleToolResult(updated, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "escalate_workflow",
		Description: "Mark a workflow escalated and fail it with the given reason. Escalation " +
			"always implies failure; the reason is redacted before it is stored.",
		InputSchema: createSchema(map[string]any{
			"workflow_id": stringProperty("Workflow to escalate"),
			"reason":      stringProperty("Why automated handling gave up"),
		}, []string{"workflow_id", "reason"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		WorkflowID string `json:"workflow_id"`
		Reason     string `json:"reason"`
	}) (*mcpsdk.CallToolResult, any, error) {
		w, err := deps.Machine.Get(ctx, args.WorkflowID)
		if err != nil {
			return nil, nil, err
		}
		escalated, err := deps.Machine.Escalate(ctx, w)
		if err != nil {
			return nil, nil, err
		}
		failed, err := deps.Machine.Fail(ctx, escalated, args.Reason)
		return handleToolResult(failed, err)
	})
}
