package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedBus decorates a Bus by recording one OpenTelemetry span per
// published event.
//
// Each publication becomes a span named after the event, with the topic,
// graph/node/run identifiers and Meta entries attached as attributes. An
// "error" entry in Meta marks the span as failed. Spans represent points in
// time and are ended immediately.
//
// Setup:
//
//	tracer := otel.Tracer("agentgraph")
//	bus := event.WithTracing(event.NewInMemoryBus(event.Options{}), tracer)
type TracedBus struct {
	inner  Bus
	tracer trace.Tracer
}

// WithTracing wraps bus so every publication is recorded as a span.
func WithTracing(bus Bus, tracer trace.Tracer) *TracedBus {
	return &TracedBus{inner: bus, tracer: tracer}
}

// Publish implements Bus.
func (t *TracedBus) Publish(ctx context.Context, ev Event) error {
	spanCtx, span := t.tracer.Start(ctx, ev.Name)
	defer span.End()

	span.SetAttributes(
		attribute.String("topic", ev.Topic),
		attribute.String("graph.id", ev.GraphID),
		attribute.String("run.id", ev.RunID),
	)
	if ev.NodeID != "" {
		span.SetAttributes(attribute.String("node.id", ev.NodeID))
	}
	for k, v := range ev.Meta {
		span.SetAttributes(metaAttribute(k, v))
	}
	if errVal, ok := ev.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errVal)
		span.RecordError(fmt.Errorf("%s", errVal))
	}

	return t.inner.Publish(spanCtx, ev)
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String("meta."+key, v)
	case bool:
		return attribute.Bool("meta."+key, v)
	case int:
		return attribute.Int("meta."+key, v)
	case int64:
		return attribute.Int64("meta."+key, v)
	case float64:
		return attribute.Float64("meta."+key, v)
	default:
		return attribute.String("meta."+key, fmt.Sprintf("%v", v))
	}
}

// Subscribe implements Bus.
func (t *TracedBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	return t.inner.Subscribe(ctx, pattern)
}

// Close implements Bus.
func (t *TracedBus) Close() error { return t.inner.Close() }
