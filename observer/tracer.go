package observer

import (
	"context"
	"fmt"

	convo "github.com/loreleaf/convo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a convo.Tracer backed by the global OTEL TracerProvider.
// Wire it into the runtime with convo.WithConversationTracer and
// convo.WithOrchestratorTracer; turns then appear as "orchestrator.turn"
// spans with summarization and tool execution nested under them. Call Init
// first, otherwise spans go to a no-op backend.
func NewTracer() convo.Tracer {
	return tracer{inner: otel.Tracer(scopeName)}
}

type tracer struct {
	inner trace.Tracer
}

func (t tracer) Start(ctx context.Context, name string, attrs ...convo.SpanAttr) (context.Context, convo.Span) {
	ctx, sp := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs(attrs)...))
	return ctx, span{inner: sp}
}

type span struct {
	inner trace.Span
}

func (s span) SetAttr(attrs ...convo.SpanAttr) {
	s.inner.SetAttributes(otelAttrs(attrs)...)
}

func (s span) Event(name string, attrs ...convo.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs(attrs)...))
}

func (s span) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s span) End() {
	s.inner.End()
}

// otelAttrs converts the runtime's span attributes to OTEL key-values. The
// runtime only produces string, int, and bool attributes today; the remaining
// cases keep forward compatibility with attributes added later.
func otelAttrs(attrs []convo.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// compile-time checks
var (
	_ convo.Tracer = tracer{}
	_ convo.Span   = span{}
)
