package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts connection-string secrets from fetch and write
// spans before export. Storage drivers tend to echo their DSN in errors.
type scrubbingExporter struct {
	next sdktrace.SpanExporter
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{next: next}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		out = append(out, scrubSpan(span))
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// scrubSpan returns span itself when it carries nothing to redact.
func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	dirty := attributesLeak(span.Attributes()) || ContainsCredential(span.Status().Description)
	for _, event := range span.Events() {
		dirty = dirty || attributesLeak(event.Attributes)
	}
	if !dirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(stub.Events[i].Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func attributesLeak(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && ContainsCredential(kv.Value.AsString()) {
			return true
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		out[i] = kv
		if kv.Value.Type() != attribute.STRING {
			continue
		}
		if v := kv.Value.AsString(); ContainsCredential(v) {
			out[i] = kv.Key.String(ScrubCredentials(v))
		}
	}
	return out
}
