package observability

import (
	"context"
	"io"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Log keys for the active OpenTelemetry span. They are distinct from
// "trace_id", which the fetcher uses for the query trace UUID.
const (
	LogKeyOTelTraceID = "otel_trace_id"
	LogKeyOTelSpanID  = "otel_span_id"
)

type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler returns an slog.Handler that adds the active span's
// trace and span ids to each record and redacts connection-string secrets
// from the message and top-level string or error attributes. A nil inner
// uses slog.Default().
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	record = scrubRecord(record)
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String(LogKeyOTelTraceID, sc.TraceID().String()),
			slog.String(LogKeyOTelSpanID, sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = scrubAttr(attr)
	}
	return &traceLogHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}

func scrubRecord(record slog.Record) slog.Record {
	dirty := ContainsCredential(record.Message)
	record.Attrs(func(attr slog.Attr) bool {
		if attrCarriesCredential(attr) {
			dirty = true
			return false
		}
		return true
	})
	if !dirty {
		return record
	}

	clean := slog.NewRecord(record.Time, record.Level, ScrubCredentials(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(scrubAttr(attr))
		return true
	})
	return clean
}

func attrText(attr slog.Attr) (string, bool) {
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return value.String(), true
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return err.Error(), true
		}
	}
	return "", false
}

func attrCarriesCredential(attr slog.Attr) bool {
	text, ok := attrText(attr)
	return ok && ContainsCredential(text)
}

func scrubAttr(attr slog.Attr) slog.Attr {
	text, ok := attrText(attr)
	if !ok || !ContainsCredential(text) {
		return attr
	}
	return slog.String(attr.Key, ScrubCredentials(text))
}

// NewLogger builds the process logger: JSON to w at level, enriched with
// span ids.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewTraceLogHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
