package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel/session"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func registerInstanceTools(s *mcpsdk.Server, deps Deps) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "register_instance",
		Description: "Register a new supervisor instance. Returns the allocated instance ID " +
			"({project}-{type}-{uuid8}); use it on every subsequent call.",
		InputSchema: createSchema(map[string]any{
			"project":       stringProperty("Project the instance supervises"),
			"instance_type": enumProperty("Supervisor flavor", "PS", "MS"),
			"metadata":      objectProperty("Optional: free-form instance metadata"),
		}, []string{"project", "instance_type"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		Project      string         `json:"project"`
		InstanceType string         `json:"instance_type"`
		Metadata     map[string]any `json:"metadata"`
	}) (*mcpsdk.CallToolResult, any, error) {
		inst, err := deps.Registry.Register(ctx, args.Project, store.InstanceType(args.InstanceType), args.Metadata)
		return handleToolResult(inst, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "heartbeat",
		Description: "Refresh an instance's liveness. Optionally updates the context window " +
			"percentage and current epic. A stale instance flips back to active; a closed one rejects.",
		InputSchema: createSchema(map[string]any{
			"instance_id":            stringProperty("Use register_instance to obtain one"),
			"context_window_percent": numberProperty("Optional: current context window usage in [0,100]"),
			"current_epic":           stringProperty("Optional: epic the instance is working on"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID           string   `json:"instance_id"`
		ContextWindowPercent *float64 `json:"context_window_percent"`
		CurrentEpic          *string  `json:"current_epic"`
	}) (*mcpsdk.CallToolResult, any, error) {
		inst, err := deps.Registry.Heartbeat(ctx, args.InstanceID, session.HeartbeatUpdate{
			ContextWindowPercent: args.ContextWindowPercent,
			CurrentEpic:          args.CurrentEpic,
		})
		return handleToolResult(inst, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "close_instance",
		Description: "Close an instance permanently. Closed instances reject heartbeats; closing twice is a no-op.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Instance to close"),
			"reason":      stringProperty("Optional: why the instance is being closed"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string `json:"instance_id"`
		Reason     string `json:"reason"`
	}) (*mcpsdk.CallToolResult, any, error) {
		err := deps.Registry.Close(ctx, args.InstanceID, args.Reason)
		return handleToolResult(map[string]any{"instance_id": args.InstanceID, "closed": err == nil}, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "resume_instance",
		Description: "Resolve a hint (instance ID, ID prefix of 4+ chars, epic ID, project name, or " +
			"empty for the newest active instance) and reconstruct its work state from the best " +
			"available source: checkpoint, event replay, command log, or the bare registry row. " +
			"An ambiguous hint returns the candidate list instead.",
		InputSchema: createSchema(map[string]any{
			"hint": stringProperty("Instance ID, ID prefix, epic ID, project name, or empty"),
		}, nil),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		Hint string `json:"hint"`
	}) (*mcpsdk.CallToolResult, any, error) {
		res, err := deps.Registry.Resolve(ctx, args.Hint)
		if err != nil {
			return nil, nil, err
		}
		if res.Ambiguous() {
			return handleToolResult(map[string]any{
				"ambiguous": true,
				"strategy":  res.Strategy,
				"matches":   res.Matches,
			}, nil)
		}

		rec, err := deps.Checkpoints.Reconstruct(ctx, res.Instance.InstanceID)
		if err != nil {
			return nil, nil, err
		}
		return handleToolResult(map[string]any{
			"instance":   res.Instance,
			"strategy":   res.Strategy,
			"work_state": rec.WorkState,
			"source":     rec.Source,
			"confidence": rec.Confidence,
		}, nil)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "get_instance_details",
		Description: "Get one instance's registry row together with its command statistics and " +
			"latest event sequence number.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Instance to inspect"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string `json:"instance_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		res, err := deps.Registry.Resolve(ctx, args.InstanceID)
		if err != nil {
			return nil, nil, err
		}
		if res.Ambiguous() {
			return handleToolResult(map[string]any{
				"ambiguous": true,
				"strategy":  res.Strategy,
				"matches":   res.Matches,
			}, nil)
		}

		stats, err := deps.Commands.Stats(ctx, res.Instance.InstanceID)
		if err != nil {
			return nil, nil, err
		}
		state, err := deps.Events.Replay(ctx, res.Instance.InstanceID, 0)
		if err != nil {
			return nil, nil, err
		}
		return handleToolResult(map[string]any{
			"instance":         res.Instance,
			"command_stats":    stats,
			"replayed_through": state["replayed_through"],
		}, nil)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "list_stale_instances",
		Description: "List instances whose heartbeat has lapsed past the staleness threshold, newest heartbeat first.",
		InputSchema: createSchema(map[string]any{
			"limit":  numberProperty("Maximum instances to return. Default: all"),
			"offset": numberProperty("Pagination offset. Default: 0"),
		}, nil),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}) (*mcpsdk.CallToolResult, any, error) {
		stale, total, err := deps.Registry.ListStale(ctx, args.Limit, args.Offset)
		if err != nil {
			return nil, nil, err
		}
		return handleToolResult(map[string]any{"instances": stale, "total": total}, nil)
	})
}
