package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/internal/config"
	"github.com/ongoingai/querytrace/internal/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "querytrace"
)

// Runtime exposes OpenTelemetry HTTP wrappers and fetch/writer metric hooks.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	fetchAttemptsCounter   metric.Int64Counter
	fetchFailedCounter     metric.Int64Counter
	fetchDurationHistogram metric.Float64Histogram
	fetchBackoffHistogram  metric.Float64Histogram
	writerDroppedCounter   metric.Int64Counter
	writeFailedCounter     metric.Int64Counter
	writerFlushHistogram   metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit URL scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.registerInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) registerInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.fetchAttemptsCounter, err = meter.Int64Counter(
		"querytrace.fetch.attempts_total",
		metric.WithDescription("Count of polling attempts issued against the trace tables."),
	)
	warn("querytrace.fetch.attempts_total", err)

	r.fetchFailedCounter, err = meter.Int64Counter(
		"querytrace.fetch.failed_total",
		metric.WithDescription("Count of trace fetches that ended without a complete trace."),
	)
	warn("querytrace.fetch.failed_total", err)

	r.fetchDurationHistogram, err = meter.Float64Histogram(
		"querytrace.fetch.duration_ms",
		metric.WithDescription("Wall time of a trace fetch including backoff waits."),
		metric.WithUnit("ms"),
	)
	warn("querytrace.fetch.duration_ms", err)

	r.fetchBackoffHistogram, err = meter.Float64Histogram(
		"querytrace.fetch.backoff_ms",
		metric.WithDescription("Wait before a retried polling attempt."),
		metric.WithUnit("ms"),
	)
	warn("querytrace.fetch.backoff_ms", err)

	r.writerDroppedCounter, err = meter.Int64Counter(
		"querytrace.writer.queue_dropped_total",
		metric.WithDescription("Count of trace mutations dropped because the writer queue was full."),
	)
	warn("querytrace.writer.queue_dropped_total", err)

	r.writeFailedCounter, err = meter.Int64Counter(
		"querytrace.writer.write_failed_total",
		metric.WithDescription("Count of trace rows dropped after storage write failures."),
	)
	warn("querytrace.writer.write_failed_total", err)

	r.writerFlushHistogram, err = meter.Float64Histogram(
		"querytrace.writer.flush_duration_ms",
		metric.WithDescription("Duration of one writer batch flush."),
		metric.WithUnit("ms"),
	)
	warn("querytrace.writer.flush_duration_ms", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// FetchMetrics returns the Fetcher hooks that emit a span per fetch together
// with attempt, backoff, failure and duration metrics. It returns nil when
// disabled.
func (r *Runtime) FetchMetrics() *trace.FetchMetrics {
	if !r.Enabled() {
		return nil
	}
	return &trace.FetchMetrics{
		OnFetchStart: r.startFetch,
		OnAttempt: func(int) {
			if r.fetchAttemptsCounter != nil {
				r.fetchAttemptsCounter.Add(context.Background(), 1)
			}
		},
		OnBackoff: func(attempt int, delay time.Duration) {
			if r.fetchBackoffHistogram != nil {
				r.fetchBackoffHistogram.Record(context.Background(), float64(delay.Microseconds())/1000.0,
					metric.WithAttributes(attribute.Int("attempt", attempt)),
				)
			}
		},
	}
}

func (r *Runtime) startFetch(ctx context.Context, id uuid.UUID) (context.Context, func(int, error)) {
	start := time.Now()
	var span oteltrace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "querytrace.fetch",
			oteltrace.WithAttributes(attribute.String("querytrace.trace_id", id.String())),
		)
	}

	return ctx, func(attempts int, err error) {
		outcome := "complete"
		if err != nil {
			outcome = "failed"
		}
		if r.fetchDurationHistogram != nil {
			r.fetchDurationHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
				metric.WithAttributes(attribute.String("outcome", outcome)),
			)
		}
		if err != nil && r.fetchFailedCounter != nil {
			r.fetchFailedCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("class", trace.ClassifyFetchError(err))),
			)
		}
		if span == nil {
			return
		}
		span.SetAttributes(attribute.Int("querytrace.fetch.attempts", attempts))
		if err != nil {
			span.SetAttributes(attribute.String("querytrace.fetch.error_class", trace.ClassifyFetchError(err)))
			span.SetStatus(codes.Error, ScrubCredentials(err.Error()))
		}
		span.End()
	}
}

// WriterMetrics returns the Writer hooks for queue drops and flush latency.
// It returns nil when disabled.
func (r *Runtime) WriterMetrics() *trace.WriterMetrics {
	if !r.Enabled() {
		return nil
	}
	return &trace.WriterMetrics{
		OnDrop: func() {
			if r.writerDroppedCounter != nil {
				r.writerDroppedCounter.Add(context.Background(), 1)
			}
		},
		OnFlush: func(batchSize int, duration time.Duration) {
			if r.writerFlushHistogram != nil {
				r.writerFlushHistogram.Record(context.Background(), float64(duration.Microseconds())/1000.0,
					metric.WithAttributes(attribute.Int("batch_size", batchSize)),
				)
			}
		},
	}
}

// RecordWriteFailure increments a counter for trace rows the writer dropped.
func (r *Runtime) RecordWriteFailure(failure trace.WriteFailure) {
	if !r.Enabled() || failure.FailedCount <= 0 || r.writeFailedCounter == nil {
		return
	}
	r.writeFailedCounter.Add(
		context.Background(),
		int64(failure.FailedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(failure.Operation)),
			attribute.String("error_class", strings.TrimSpace(failure.ErrorClass)),
		),
	)
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"querytrace.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the request span with the requested trace id
// and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		if id, ok := traceIDFromPath(req.URL.Path); ok {
			span.SetAttributes(attribute.String("querytrace.trace_id", id))
		}
	})
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

const tracesPathPrefix = "/api/traces/"

func traceIDFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, tracesPathPrefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, tracesPathPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func routePatternForPath(path string) string {
	switch {
	case path == "/api/health", path == "/api/traces", path == "/api/diagnostics/writer":
		return path
	case strings.HasPrefix(path, tracesPathPrefix) && strings.HasSuffix(strings.TrimRight(path, "/"), "/events"):
		return "/api/traces/{id}/events"
	case strings.HasPrefix(path, tracesPathPrefix):
		return "/api/traces/{id}"
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
