package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/querytrace/internal/observability"
	"github.com/ongoingai/querytrace/internal/trace"
)

const (
	defaultImportFormat  = "text"
	importFlushTimeout   = 30 * time.Second
	importStatusComplete = "complete"
	importStatusPartial  = "incomplete"
	importStatusFailed   = "failed"
	importStatusWritten  = "written"
)

type importDocument struct {
	Source          string              `json:"source"`
	TraceCount      int                 `json:"trace_count"`
	MutationCount   int                 `json:"mutation_count"`
	EnqueueDropped  int64               `json:"enqueue_dropped_total"`
	WriteDropped    int64               `json:"write_dropped_total"`
	FailuresByClass map[string]int64    `json:"write_failures_by_class,omitempty"`
	Traces          []importTraceResult `json:"traces"`
}

type importTraceResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func runImport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("import", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultImportFormat, "Output format: text or json")
	verify := flagSet.Bool("verify", true, "Read every imported trace back through the fetcher")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: querytrace import [--config path] [--format text|json] [--verify=false] <fixture.yaml|->")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("import", *format, defaultImportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	source := strings.TrimSpace(flagSet.Arg(0))
	doc, err := readFixture(source)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read fixture: %v\n", err)
		return 1
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	logger := observability.NewLogger(errOut, cfg.Logging.SlogLevel())
	result, err := importFixture(context.Background(), store, doc, cfg.Writer.BufferSize, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to import fixture: %v\n", err)
		return 1
	}
	result.Source = source

	if *verify {
		verifyImportedTraces(context.Background(), newTraceFetcher(cfg, store, logger, nil), doc, result)
	}

	if err := writeImport(out, normalizedFormat, *result); err != nil {
		fmt.Fprintf(errOut, "failed to write import output: %v\n", err)
		return 1
	}
	if result.EnqueueDropped > 0 || result.WriteDropped > 0 {
		return 1
	}
	for _, traceResult := range result.Traces {
		if traceResult.Status == importStatusFailed {
			return 1
		}
	}
	return 0
}

func readFixture(source string) (trace.FixtureDocument, error) {
	if source == "-" {
		return trace.ParseFixture(os.Stdin)
	}
	file, err := os.Open(source)
	if err != nil {
		return trace.FixtureDocument{}, err
	}
	defer file.Close()
	return trace.ParseFixture(file)
}

// importFixture queues every fixture mutation on a Writer and waits for the
// queue to drain. The queue is sized so the whole fixture fits at once.
func importFixture(ctx context.Context, store trace.TraceStore, doc trace.FixtureDocument, bufferSize int, logger *slog.Logger) (*importDocument, error) {
	now := time.Now().UTC()
	ids := make([]uuid.UUID, 0, len(doc.Traces))
	var mutations []trace.Mutation
	for _, fixture := range doc.Traces {
		id, traceMutations := fixture.Mutations(now)
		ids = append(ids, id)
		mutations = append(mutations, traceMutations...)
	}
	if len(mutations) > bufferSize {
		bufferSize = len(mutations)
	}

	writer := trace.NewWriter(store, bufferSize)
	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		logger.Error("trace persistence failed during import",
			"operation", failure.Operation,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
		)
	})
	writer.Start(ctx)
	for _, m := range mutations {
		writer.Enqueue(m)
	}

	flushCtx, cancel := context.WithTimeout(ctx, importFlushTimeout)
	defer cancel()
	if err := writer.Shutdown(flushCtx); err != nil {
		return nil, fmt.Errorf("flush writer: %w", err)
	}

	diagnostics := writer.Diagnostics()
	result := &importDocument{
		TraceCount:      len(doc.Traces),
		MutationCount:   len(mutations),
		EnqueueDropped:  diagnostics.EnqueueDroppedTotal,
		WriteDropped:    diagnostics.WriteDroppedTotal,
		FailuresByClass: diagnostics.WriteFailuresByClass,
		Traces:          make([]importTraceResult, 0, len(ids)),
	}
	for _, id := range ids {
		result.Traces = append(result.Traces, importTraceResult{ID: id.String(), Status: importStatusWritten})
	}
	return result, nil
}

// verifyImportedTraces reads each trace back. Fixtures without a duration are
// expected to stay incomplete.
func verifyImportedTraces(ctx context.Context, fetcher *trace.Fetcher, doc trace.FixtureDocument, result *importDocument) {
	for i := range result.Traces {
		id, err := uuid.Parse(result.Traces[i].ID)
		if err != nil {
			continue
		}
		_, err = fetcher.Trace(id).Snapshot(ctx)
		wantComplete := doc.Traces[i].DurationMicros != nil
		switch {
		case err == nil:
			result.Traces[i].Status = importStatusComplete
		case !wantComplete && trace.ClassifyFetchError(err) == trace.FetchErrorClassIncomplete:
			result.Traces[i].Status = importStatusPartial
		default:
			result.Traces[i].Status = importStatusFailed
			result.Traces[i].Detail = observability.ScrubCredentials(err.Error())
		}
	}
}

func writeImport(out io.Writer, format string, doc importDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Source\t%s\n", doc.Source)
	fmt.Fprintf(meta, "Traces\t%d\n", doc.TraceCount)
	fmt.Fprintf(meta, "Mutations\t%d\n", doc.MutationCount)
	fmt.Fprintf(meta, "Enqueue dropped\t%d\n", doc.EnqueueDropped)
	fmt.Fprintf(meta, "Write dropped\t%d\n", doc.WriteDropped)
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nTraces")
	for _, traceResult := range doc.Traces {
		if traceResult.Detail != "" {
			fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(traceResult.Status), traceResult.ID, traceResult.Detail)
			continue
		}
		fmt.Fprintf(out, "- [%s] %s\n", strings.ToUpper(traceResult.Status), traceResult.ID)
	}
	return nil
}
