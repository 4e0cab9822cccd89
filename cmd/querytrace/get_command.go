package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/querytrace/internal/observability"
	"github.com/ongoingai/querytrace/internal/trace"
)

const (
	defaultGetFormat      = "text"
	defaultGetConcurrency = 4
)

type getResult struct {
	ID         string        `json:"id"`
	Trace      *getTraceView `json:"trace,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
}

type getTraceView struct {
	RequestType    string            `json:"request_type"`
	DurationMicros int32             `json:"duration_us"`
	Coordinator    string            `json:"coordinator,omitempty"`
	Parameters     map[string]string `json:"parameters"`
	StartedAt      time.Time         `json:"started_at"`
	Events         []trace.Event     `json:"events"`
}

func runGet(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("get", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	concurrency := flagSet.Int("concurrency", defaultGetConcurrency, "Maximum traces fetched at once")
	format := flagSet.String("format", defaultGetFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: querytrace get [--config path] [--concurrency N] [--format text|json] <trace-id>...")
		return 2
	}
	if *concurrency <= 0 {
		fmt.Fprintf(errOut, "invalid get concurrency %d: must be greater than 0\n", *concurrency)
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("get", *format, defaultGetFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	ids := make([]uuid.UUID, 0, flagSet.NArg())
	for _, raw := range flagSet.Args() {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			fmt.Fprintf(errOut, "invalid trace id %q: %v\n", raw, err)
			return 2
		}
		ids = append(ids, id)
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
	fetcher := newTraceFetcher(cfg, store, logger, nil)
	results := fetchTraces(context.Background(), fetcher, ids, *concurrency)

	if err := writeGetResults(out, normalizedFormat, results); err != nil {
		fmt.Fprintf(errOut, "failed to write get output: %v\n", err)
		return 1
	}
	for _, result := range results {
		if result.Error != "" {
			return 1
		}
	}
	return 0
}

// fetchTraces resolves every id with at most limit fetches in flight. One
// failed trace does not stop the others; results keep the order of ids.
func fetchTraces(ctx context.Context, fetcher *trace.Fetcher, ids []uuid.UUID, limit int) []getResult {
	results := make([]getResult, len(ids))
	var group errgroup.Group
	group.SetLimit(limit)
	for i, id := range ids {
		group.Go(func() error {
			results[i] = fetchOne(ctx, fetcher, id)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func fetchOne(ctx context.Context, fetcher *trace.Fetcher, id uuid.UUID) getResult {
	result := getResult{ID: id.String()}
	record, err := fetcher.Trace(id).Snapshot(ctx)
	if err != nil {
		result.Error = observability.ScrubCredentials(err.Error())
		result.ErrorClass = trace.ClassifyFetchError(err)
		var retrievalErr *trace.RetrievalError
		if errors.As(err, &retrievalErr) {
			result.Attempts = retrievalErr.Attempts
		}
		return result
	}

	view := &getTraceView{
		RequestType:    record.RequestType,
		DurationMicros: record.DurationMicros,
		Parameters:     record.Parameters,
		StartedAt:      record.StartedAtTime(),
		Events:         record.Events,
	}
	if record.Coordinator != nil {
		view.Coordinator = record.Coordinator.String()
	}
	if view.Parameters == nil {
		view.Parameters = map[string]string{}
	}
	if view.Events == nil {
		view.Events = []trace.Event{}
	}
	result.Trace = view
	return result
}

func writeGetResults(out io.Writer, format string, results []getResult) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}

	for i, result := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := writeGetResultText(out, result); err != nil {
			return err
		}
	}
	return nil
}

func writeGetResultText(out io.Writer, result getResult) error {
	if result.Trace == nil {
		fmt.Fprintf(out, "%s: %s (%s)\n", result.ID, result.Error, result.ErrorClass)
		return nil
	}

	view := result.Trace
	fmt.Fprintf(out, "%s [%s] - %dµs\n", view.RequestType, result.ID, view.DurationMicros)

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "  Started at\t%s\n", view.StartedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(meta, "  Coordinator\t%s\n", nonEmpty(view.Coordinator, "(unknown)"))
	keys := make([]string, 0, len(view.Parameters))
	for key := range view.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(meta, "  %s\t%s\n", key, view.Parameters[key])
	}
	if err := meta.Flush(); err != nil {
		return err
	}

	if len(view.Events) == 0 {
		fmt.Fprintln(out, "  (no events)")
		return nil
	}
	events := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(events, "  ELAPSED\tSOURCE\tSOURCE_ELAPSED\tTHREAD\tACTIVITY")
	start := view.StartedAt.UnixMilli()
	for _, event := range view.Events {
		fmt.Fprintf(events, "  +%dms\t%s\t%dµs\t%s\t%s\n",
			event.Timestamp-start,
			event.Source,
			event.SourceElapsedMicros,
			event.ThreadName,
			event.Description,
		)
	}
	return events.Flush()
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
