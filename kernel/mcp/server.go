// Package mcp exposes the kernel's administrative operations as MCP tools
// over the streamable HTTP transport. Every tool delegates to the kernel
// services; no business logic lives here.
package mcp

import (
	"encoding/json"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel"
	"github.com/gpt153/supervisor-kernel/kernel/cmdlog"
	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/session"
)

// Deps bundles the kernel services the tool handlers call.
type Deps struct {
	Registry    *session.Registry
	Checkpoints *session.Manager
	Events      *events.Log
	Commands    *cmdlog.Recorder
	Machine     *kernel.StateMachine
}

// NewServer creates the MCP server with every kernel tool registered.
func NewServer(deps Deps) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "supervisor-kernel",
		Version: "1.0.0",
	}, nil)

	registerInstanceTools(server, deps)
	registerEventTools(server, deps)
	registerCommandTools(server, deps)
	registerCheckpointTools(server, deps)
	registerWorkflowTools(server, deps)
	return server
}

// NewHTTPHandler wraps the server in the streamable HTTP transport.
func NewHTTPHandler(deps Deps) http.Handler {
	server := NewServer(deps)
	return mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		return server
	}, nil)
}

// handleToolResult marshals the result to JSON and wraps it in the MCP
// CallToolResult format.
func handleToolResult(result any, err error) (*mcpsdk.CallToolResult, any, error) {
	if err != nil {
		return nil, nil, err
	}
	jsonData, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(jsonData)},
		},
	}, result, nil
}

// Schema helpers.

func stringProperty(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

func numberProperty(description string) map[string]any {
	return map[string]any{
		"type":        "number",
		"description": description,
	}
}

func boolProperty(description string) map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": description,
	}
}

func objectProperty(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
	}
}

func arrayProperty(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items": map[string]any{
			"type": "string",
		},
	}
}

func enumProperty(description string, values ...string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

func createSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
