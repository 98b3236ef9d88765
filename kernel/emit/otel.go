package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span named after the
// event message, carrying the workflow coordinates and meta as attributes.
// Spans end immediately; events mark points in time, not durations.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter on the given tracer, typically
// otel.Tracer("supervisor-kernel").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a completed span. An "error" meta value marks
// the span status as error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("instance_id", event.InstanceID),
		attribute.String("workflow_id", event.WorkflowID),
		attribute.String("stage", event.Stage),
	)
	for k, v := range event.Meta {
		switch t := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, t))
		case bool:
			span.SetAttributes(attribute.Bool(k, t))
		case int:
			span.SetAttributes(attribute.Int(k, t))
		case int64:
			span.SetAttributes(attribute.Int64(k, t))
		case float64:
			span.SetAttributes(attribute.Float64(k, t))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", t)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
