package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/querytrace/internal/api"
	"github.com/ongoingai/querytrace/internal/config"
	"github.com/ongoingai/querytrace/internal/observability"
	"github.com/ongoingai/querytrace/internal/trace"
	"github.com/ongoingai/querytrace/internal/version"
)

const defaultConfigPath = "querytrace.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "get":
		return runGet(args[1:], os.Stdout, os.Stderr)
	case "import":
		return runImport(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "diagnostics":
		return runDiagnostics(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(os.Stderr, stage, err)
		return 1
	}

	logger := observability.NewLogger(os.Stdout, cfg.Logging.SlogLevel())
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close trace storage", "driver", cfg.Storage.Driver, "error", err)
		}
	}()

	writer := trace.NewWriter(store, cfg.Writer.BufferSize)
	writer.SetMetrics(otelRuntime.WriterMetrics())
	attachTraceWriterFailureLogging(logger, writer, otelRuntime.RecordWriteFailure)
	writer.Start(context.Background())
	defer shutdownTraceWriter(logger, writer, traceWriterShutdownTimeout)

	fetcher := newTraceFetcher(cfg, store, logger, otelRuntime)
	server := newTraceServer(cfg, logger, buildServeHandler(cfg, logger, otelRuntime, fetcher, writer))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"fetch_max_attempts", fetcher.MaxAttempts(),
		"fetch_max_wait_ms", fetcher.MaxWait().Milliseconds(),
		"ingest_enabled", cfg.Server.IngestEnabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("querytrace stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("querytrace failed", "error", err)
			return 1
		}
		return 0
	}
}

func newTraceFetcher(cfg config.Config, session trace.Session, logger *slog.Logger, otelRuntime *observability.Runtime) *trace.Fetcher {
	return trace.NewFetcher(session, trace.FetcherOptions{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseBackoff: cfg.Fetch.BaseBackoff(),
		Logger:      logger,
		Metrics:     otelRuntime.FetchMetrics(),
	})
}

// buildServeHandler assembles the API with its middleware. The writer only
// backs ingest when it is enabled in config.
func buildServeHandler(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime, fetcher *trace.Fetcher, writer *trace.Writer) http.Handler {
	options := api.RouterOptions{
		AppVersion:     version.String(),
		Fetcher:        fetcher,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if writer != nil {
		options.Writer = writer
		if cfg.Server.IngestEnabled {
			options.Ingest = writer
		}
	}

	handler := api.NewRouter(options)
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	return otelRuntime.WrapHTTPHandler(handler)
}

func newTraceServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// serverBaseURL is the address a local client should use to reach cfg's
// listener.
func serverBaseURL(cfg config.Config) string {
	host := strings.TrimSpace(cfg.Server.Host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") && !strings.HasSuffix(host, "]") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + strconv.Itoa(cfg.Server.Port)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  querytrace serve [--config path/to/querytrace.yaml]")
	fmt.Fprintln(out, "  querytrace version")
	fmt.Fprintln(out, "  querytrace config validate [--config path/to/querytrace.yaml]")
	fmt.Fprintln(out, "  querytrace get [--config path/to/querytrace.yaml] [--concurrency N] [--format text|json] <trace-id>...")
	fmt.Fprintln(out, "  querytrace import [--config path/to/querytrace.yaml] [--format text|json] <fixture.yaml>")
	fmt.Fprintln(out, "  querytrace doctor [--config path/to/querytrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  querytrace diagnostics [writer] [--config path/to/querytrace.yaml] [--base-url URL] [--format text|json] [--timeout DURATION]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  querytrace config validate [--config path/to/querytrace.yaml]")
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending trace rows before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending trace rows before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachTraceWriterFailureLogging(logger *slog.Logger, writer *trace.Writer, onFailure func(trace.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"trace persistence failed; dropped trace rows",
			"operation", strings.TrimSpace(failure.Operation),
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", observability.ScrubCredentials(errorText(failure.Err)),
		)
	})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}
