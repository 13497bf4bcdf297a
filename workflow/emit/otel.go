package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instant span:
//   - Span name: string(event.Type) (e.g. "step.completed")
//   - Attributes: instance id, workflow id, step id, and all Meta fields
//   - Status: Error when Meta["error"] is present
//
// Spans are ended immediately; lifecycle events are points in time, not
// durations. Use the "duration_ms" meta attribute for latency analysis
// in the backend.
//
// Usage:
//
//	tracer := otel.Tracer("optiflow")
//	bus.Attach(emit.NewOTelEmitter(tracer))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans on the given
// tracer (typically otel.Tracer("optiflow")).
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.instance_id", event.InstanceID),
		attribute.String("workflow.id", event.WorkflowID),
	)
	if event.StepID != "" {
		span.SetAttributes(attribute.String("workflow.step_id", event.StepID))
	}

	o.addMetaAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// addMetaAttributes converts Meta values to typed span attributes.
// Unsupported types fall back to their fmt representation.
func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "workflow.meta." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
