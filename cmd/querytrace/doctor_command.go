package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/querytrace/internal/config"
	"github.com/ongoingai/querytrace/internal/observability"
	"github.com/ongoingai/querytrace/internal/trace"
)

const defaultDoctorFormat = "text"

// doctorFetchWaitWarning is the total backoff above which interactive
// callers will notice the wait for an incomplete trace.
const doctorFetchWaitWarning = time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, reason := "failed to load config", "skipped: config failed to load"
		if stage == configStageValidate {
			summary, reason = "config is invalid", "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", reason),
			doctorSkippedCheck("fetch_budget", reason),
			doctorSkippedCheck("observability", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorFetchBudgetCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorObservabilityCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

// runDoctorStorageCheck opens the store and issues both backing queries for
// an id that cannot exist.
func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}
	store, err := openTraceStore(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize trace storage"
		check.Details = []string{observability.ScrubCredentials(err.Error())}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	probe := uuid.New()
	sessionFuture := store.QuerySession(ctx, probe)
	eventsFuture := store.QueryEvents(ctx, probe)
	_, sessionErr := sessionFuture.Get(ctx)
	_, eventsErr := eventsFuture.Get(ctx)
	if probeErr := firstError(sessionErr, eventsErr); probeErr != nil {
		check.Status = doctorStatusFail
		check.Summary = "trace storage connectivity check failed"
		check.Details = []string{
			observability.ScrubCredentials(probeErr.Error()),
			fmt.Sprintf("error class: %s", trace.ClassifyFetchError(probeErr)),
		}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite trace storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case "postgres":
		check.Summary = "connected to postgres trace storage"
	default:
		check.Summary = "connected to trace storage"
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "trace storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
	}
	return check
}

func runDoctorFetchBudgetCheck(cfg config.Config) doctorCheck {
	fetcher := trace.NewFetcher(trace.SessionFunc{}, trace.FetcherOptions{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseBackoff: cfg.Fetch.BaseBackoff(),
	})
	check := doctorCheck{
		Name: "fetch_budget",
		Details: []string{
			fmt.Sprintf("max attempts: %d", fetcher.MaxAttempts()),
			fmt.Sprintf("base backoff: %s", cfg.Fetch.BaseBackoff()),
			fmt.Sprintf("worst-case wait before reporting incomplete: %s", fetcher.MaxWait()),
		},
	}
	if fetcher.MaxWait() > doctorFetchWaitWarning {
		check.Status = doctorStatusWarn
		check.Summary = "incomplete traces block callers for over a second"
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = "fetch attempt budget looks reasonable"
	return check
}

func runDoctorObservabilityCheck(cfg config.Config) doctorCheck {
	otel := cfg.Observability.OTel
	if !otel.Enabled {
		return doctorSkippedCheck("observability", "opentelemetry export is disabled")
	}
	check := doctorCheck{
		Name:   "observability",
		Status: doctorStatusPass,
		Details: []string{
			fmt.Sprintf("endpoint: %s", observability.ScrubCredentials(otel.Endpoint)),
			fmt.Sprintf("service name: %s", otel.ServiceName),
			fmt.Sprintf("traces: %t metrics: %t", otel.TracesEnabled, otel.MetricsEnabled),
		},
	}
	if !otel.TracesEnabled && !otel.MetricsEnabled {
		check.Status = doctorStatusWarn
		check.Summary = "opentelemetry is enabled but both exporters are off"
		return check
	}
	check.Summary = "opentelemetry export is configured"
	return check
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "QueryTrace Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
