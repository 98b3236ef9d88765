package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func registerCheckpointTools(s *mcpsdk.Server, deps Deps) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "create_checkpoint",
		Description: "Write an immutable checkpoint of an instance's work state, pinned to the " +
			"instance's current maximum event sequence number.",
		InputSchema: createSchema(map[string]any{
			"instance_id":            stringProperty("Instance to checkpoint"),
			"checkpoint_type":        enumProperty("Why the checkpoint is taken", "context_window", "epic_completion", "manual"),
			"work_state":             objectProperty("Work state snapshot to preserve"),
			"context_window_percent": numberProperty("Context window usage in [0,100] at checkpoint time"),
			"reason":                 stringProperty("Optional: human-readable reason, stored in metadata"),
		}, []string{"instance_id", "checkpoint_type"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID           string         `json:"instance_id"`
		CheckpointType       string         `json:"checkpoint_type"`
		WorkState            map[string]any `json:"work_state"`
		ContextWindowPercent float64        `json:"context_window_percent"`
		Reason               string         `json:"reason"`
	}) (*mcpsdk.CallToolResult, any, error) {
		cp, err := deps.Checkpoints.Create(ctx, args.InstanceID,
			store.CheckpointType(args.CheckpointType), args.WorkState, args.ContextWindowPercent, args.Reason)
		return handleToolResult(cp, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "get_latest_checkpoint",
		Description: "Get an instance's newest checkpoint by sequence number.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Instance to inspect"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string `json:"instance_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		cp, err := deps.Checkpoints.Latest(ctx, args.InstanceID)
		return handleToolResult(cp, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "load_checkpoint",
		Description: "Load one checkpoint by id. The checkpoint is immutable; loading only " +
			"records a checkpoint_loaded event on its instance.",
		InputSchema: createSchema(map[string]any{
			"checkpoint_id": stringProperty("Checkpoint to load"),
		}, []string{"checkpoint_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		CheckpointID string `json:"checkpoint_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		cp, err := deps.Checkpoints.Load(ctx, args.CheckpointID)
		return handleToolResult(cp, err)
	})
}
