package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel/store"
)

func registerCommandTools(s *mcpsdk.Server, deps Deps) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "log_command",
		Description: "Record one command or tool call in the audit log. Parameters, result, " +
			"context data, and the error message are redacted before persistence; the raw values " +
			"are never stored and cannot be recovered.",
		InputSchema: createSchema(map[string]any{
			"instance_id":       stringProperty("Instance that executed the command"),
			"command_type":      enumProperty("How the command entered the system", "mcp_tool", "explicit", "auto"),
			"action":            stringProperty("What was done, e.g. deploy_service"),
			"tool_name":         stringProperty("Optional: tool that executed the action"),
			"parameters":        objectProperty("Optional: command parameters (redacted before storage)"),
			"result":            objectProperty("Optional: command result (redacted before storage)"),
			"success":           boolProperty("Whether the command succeeded"),
			"error_message":     stringProperty("Optional: failure detail (redacted before storage)"),
			"execution_time_ms": numberProperty("Optional: wall-clock duration in milliseconds"),
			"tags":              arrayProperty("Optional: free-form tags"),
			"context_data":      objectProperty("Optional: ambient context (redacted before storage)"),
			"source":            stringProperty("Optional: emitting component"),
		}, []string{"instance_id", "command_type", "action"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID      string         `json:"instance_id"`
		CommandType     string         `json:"command_type"`
		Action          string         `json:"action"`
		ToolName        string         `json:"tool_name"`
		Parameters      map[string]any `json:"parameters"`
		Result          any            `json:"result"`
		Success         bool           `json:"success"`
		ErrorMessage    string         `json:"error_message"`
		ExecutionTimeMS int64          `json:"execution_time_ms"`
		Tags            []string       `json:"tags"`
		ContextData     map[string]any `json:"context_data"`
		Source          string         `json:"source"`
	}) (*mcpsdk.CallToolResult, any, error) {
		id, err := deps.Commands.Record(ctx, store.CommandEntry{
			InstanceID:      args.InstanceID,
			CommandType:     store.CommandType(args.CommandType),
			Action:          args.Action,
			ToolName:        args.ToolName,
			Parameters:      args.Parameters,
			Result:          args.Result,
			Success:         args.Success,
			ErrorMessage:    args.ErrorMessage,
			ExecutionTimeMS: args.ExecutionTimeMS,
			Tags:            args.Tags,
			ContextData:     args.ContextData,
			Source:          args.Source,
		})
		if err != nil {
			return nil, nil, err
		}
		return handleToolResult(map[string]any{"id": id}, nil)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "search_commands",
		Description: "Search the command log newest first, filtered by instance, action, success, " +
			"and time window (RFC3339, half-open). Entries come back in their redacted stored form.",
		InputSchema: createSchema(map[string]any{
			"instance_id":  stringProperty("Optional: restrict to one instance"),
			"action":       stringProperty("Optional: exact action to match"),
			"success_only": boolProperty("Optional: return only successful commands"),
			"since":        stringProperty("Optional: window start in RFC3339"),
			"until":        stringProperty("Optional: window end in RFC3339"),
			"limit":        numberProperty("Maximum entries to return. Default: all"),
			"offset":       numberProperty("Pagination offset. Default: 0"),
		}, nil),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID  string `json:"instance_id"`
		Action      string `json:"action"`
		SuccessOnly bool   `json:"success_only"`
		Since       string `json:"since"`
		Until       string `json:"until"`
		Limit       int    `json:"limit"`
		Offset      int    `json:"offset"`
	}) (*mcpsdk.CallToolResult, any, error) {
		since, err := parseTimePtr("since", args.Since)
		if err != nil {
			return nil, nil, err
		}
		until, err := parseTimePtr("until", args.Until)
		if err != nil {
			return nil, nil, err
		}
		res, err := deps.Commands.Search(ctx, store.CommandFilter{
			InstanceID:  args.InstanceID,
			Action:      args.Action,
			SuccessOnly: args.SuccessOnly,
			Since:       since,
			Until:       until,
			Limit:       args.Limit,
			Offset:      args.Offset,
		})
		return handleToolResult(res, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "get_command",
		Description: "Get one command log entry by its numeric id.",
		InputSchema: createSchema(map[string]any{
			"id": numberProperty("Entry id returned by log_command"),
		}, []string{"id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		ID int64 `json:"id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		entry, err := deps.Commands.Get(ctx, args.ID)
		return handleToolResult(entry, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "command_stats",
		Description: "Summarize command outcomes (total, successful, failed) for one instance.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Instance to summarize"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string `json:"instance_id"`
	}) (*mcpsdk.CallToolResult, any, error) {
		stats, err := deps.Commands.Stats(ctx, args.InstanceID)
		return handleToolResult(stats, err)
	})
}
