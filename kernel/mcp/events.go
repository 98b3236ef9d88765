package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// parseTimePtr parses an optional RFC3339 argument.
func parseTimePtr(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", field, fault.ErrValidation)
	}
	return &t, nil
}

func registerEventTools(s *mcpsdk.Server, deps Deps) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "emit_event",
		Description: "Append one event to an instance's log. The event type must belong to the " +
			"closed registry (use list_event_types) and carry that type's required event_data keys. " +
			"The sequence number is allocated server-side and is gap-free per instance.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Instance the event belongs to"),
			"event_type":  stringProperty("Registered event type, e.g. epic_started"),
			"event_data":  objectProperty("Type-specific payload; required keys depend on the type"),
			"metadata":    objectProperty("Optional: free-form metadata, not interpreted by replay"),
		}, []string{"instance_id", "event_type"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string         `json:"instance_id"`
		EventType  string         `json:"event_type"`
		EventData  map[string]any `json:"event_data"`
		Metadata   map[string]any `json:"metadata"`
	}) (*mcpsdk.CallToolResult, any, error) {
		ev, err := deps.Events.Append(ctx, args.InstanceID, args.EventType, args.EventData, args.Metadata)
		return handleToolResult(ev, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "query_events",
		Description: "Query events newest first, filtered by instance, event types, time window " +
			"(RFC3339, half-open: since <= t < until), and a keyword matched against the payload.",
		InputSchema: createSchema(map[string]any{
			"instance_id": stringProperty("Optional: restrict to one instance"),
			"event_types": arrayProperty("Optional: restrict to these event types"),
			"since":       stringProperty("Optional: window start in RFC3339"),
			"until":       stringProperty("Optional: window end in RFC3339"),
			"keyword":     stringProperty("Optional: substring matched against the event payload"),
			"limit":       numberProperty("Maximum events to return. Default: all"),
			"offset":      numberProperty("Pagination offset. Default: 0"),
		}, nil),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID string   `json:"instance_id"`
		EventTypes []string `json:"event_types"`
		Since      string   `json:"since"`
		Until      string   `json:"until"`
		Keyword    string   `json:"keyword"`
		Limit      int      `json:"limit"`
		Offset     int      `json:"offset"`
	}) (*mcpsdk.CallToolResult, any, error) {
		since, err := parseTimePtr("since", args.Since)
		if err != nil {
			return nil, nil, err
		}
		until, err := parseTimePtr("until", args.Until)
		if err != nil {
			return nil, nil, err
		}
		res, err := deps.Events.Query(ctx, store.EventFilter{
			InstanceID: args.InstanceID,
			EventTypes: args.EventTypes,
			Since:      since,
			Until:      until,
			Keyword:    args.Keyword,
			Limit:      args.Limit,
			Offset:     args.Offset,
		})
		return handleToolResult(res, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "replay_events",
		Description: "Deterministically fold an instance's events in sequence order into an " +
			"accumulated work state. Pass up_to_sequence 0 to fold everything; the same prefix " +
			"always yields the same state.",
		InputSchema: createSchema(map[string]any{
			"instance_id":    stringProperty("Instance to replay"),
			"up_to_sequence": numberProperty("Fold events with sequence_num <= this; 0 means all"),
		}, []string{"instance_id"}),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct {
		InstanceID   string `json:"instance_id"`
		UpToSequence int64  `json:"up_to_sequence"`
	}) (*mcpsdk.CallToolResult, any, error) {
		state, err := deps.Events.Replay(ctx, args.InstanceID, args.UpToSequence)
		return handleToolResult(state, err)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: "list_event_types",
		Description: "List the closed event type registry: every type with its group, description, " +
			"and required event_data keys.",
		InputSchema: createSchema(map[string]any{}, nil),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args struct{}) (*mcpsdk.CallToolResult, any, error) {
		return handleToolResult(deps.Events.ListEventTypes(), nil)
	})
}
