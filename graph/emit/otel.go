package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// The span is named after event.Msg and carries the run id, generation and
// stage as "stagegraph.*" attributes plus every meta entry. Events with an
// "error" meta entry get an error status. A "duration_ms" entry backdates the
// span start so the span covers the phase it reports.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("stagegraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter spanning with tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records event as a completed span.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch records several events under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	end := time.Now()
	start := end
	if ms, ok := durationMillis(event.Meta["duration_ms"]); ok {
		start = end.Add(-time.Duration(ms * float64(time.Millisecond)))
	}

	_, span := o.tracer.Start(ctx, event.Msg, trace.WithTimestamp(start))
	span.SetAttributes(
		attribute.String("stagegraph.run_id", event.RunID),
		attribute.Int("stagegraph.generation", event.Generation),
		attribute.String("stagegraph.stage", event.Stage),
	)
	for key, value := range event.Meta {
		span.SetAttributes(toAttribute("stagegraph."+key, value))
	}
	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
	span.End(trace.WithTimestamp(end))
}

// Flush forces export of pending spans when the global provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func durationMillis(v interface{}) (float64, bool) {
	switch d := v.(type) {
	case int64:
		return float64(d), true
	case int:
		return float64(d), true
	case float64:
		return d, true
	}
	return 0, false
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
