package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTarget  = "writer"
	defaultDiagnosticsTimeout = 5 * time.Second
	writerDiagnosticsPath     = "/api/diagnostics/writer"
)

type writerDiagnosticsDocument struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Diagnostics   trace.WriterDiagnostics `json:"diagnostics"`
}

func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	baseURL := flagSet.String("base-url", "", "Server base URL (defaults to value derived from config)")
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintln(errOut, `diagnostics accepts at most one positional argument: "writer"`)
		return 2
	}

	target := defaultDiagnosticsTarget
	if flagSet.NArg() == 1 {
		target = strings.TrimSpace(flagSet.Arg(0))
	}
	if target != defaultDiagnosticsTarget {
		fmt.Fprintf(errOut, "unsupported diagnostics target %q: expected %q\n", target, defaultDiagnosticsTarget)
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid diagnostics timeout %q: must be greater than 0\n", timeout.String())
		return 2
	}

	resolvedBaseURL, err := resolveDiagnosticsBaseURL(strings.TrimSpace(*configPath), strings.TrimSpace(*baseURL))
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}

	document, err := fetchWriterDiagnostics(resolvedBaseURL, *timeout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if err := writeWriterDiagnostics(out, normalizedFormat, document, resolvedBaseURL); err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}

// resolveDiagnosticsBaseURL prefers an explicit base URL and otherwise
// derives one from the configured listener.
func resolveDiagnosticsBaseURL(configPath, baseURL string) (string, error) {
	resolved := strings.TrimSpace(baseURL)
	if resolved == "" {
		cfg, stage, err := loadAndValidateConfig(configPath)
		if err != nil {
			if stage == configStageLoad {
				return "", fmt.Errorf("load config: %w", err)
			}
			return "", fmt.Errorf("config validation failed: %w", err)
		}
		resolved = serverBaseURL(cfg)
	}
	return normalizeDiagnosticsBaseURL(resolved)
}

func normalizeDiagnosticsBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func fetchWriterDiagnostics(baseURL string, timeout time.Duration) (writerDiagnosticsDocument, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + writerDiagnosticsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return writerDiagnosticsDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return writerDiagnosticsDocument{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return writerDiagnosticsDocument{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		var errorPayload map[string]any
		if err := json.Unmarshal(body, &errorPayload); err == nil {
			if value, ok := errorPayload["error"].(string); ok && strings.TrimSpace(value) != "" {
				message = strings.TrimSpace(value)
			}
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return writerDiagnosticsDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}

	var document writerDiagnosticsDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return writerDiagnosticsDocument{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return writerDiagnosticsDocument{}, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return document, nil
}

func writeWriterDiagnostics(out io.Writer, format string, document writerDiagnosticsDocument, baseURL string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}
	return writeWriterDiagnosticsText(out, document, baseURL)
}

func writeWriterDiagnosticsText(out io.Writer, document writerDiagnosticsDocument, baseURL string) error {
	fmt.Fprintln(out, "QueryTrace Writer Diagnostics")

	diag := document.Diagnostics
	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(strings.TrimSpace(baseURL), "/")+writerDiagnosticsPath)
	fmt.Fprintf(meta, "Queue pressure\t%s\n", strings.ToUpper(strings.TrimSpace(diag.QueuePressureState)))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nQueue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Capacity\t%d\n", diag.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", diag.QueueDepth)
	fmt.Fprintf(queue, "Depth high watermark\t%d\n", diag.QueueDepthHighWatermark)
	fmt.Fprintf(queue, "Enqueue accepted total\t%d\n", diag.EnqueueAcceptedTotal)
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nDrops")
	drops := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(drops, "Enqueue dropped total\t%d\n", diag.EnqueueDroppedTotal)
	fmt.Fprintf(drops, "Write dropped total\t%d\n", diag.WriteDroppedTotal)
	fmt.Fprintf(drops, "Last write drop at\t%s\n", diagnosticsTimePtrOr(diag.LastWriteDropAt, "(none)"))
	classes := make([]string, 0, len(diag.WriteFailuresByClass))
	for class := range diag.WriteFailuresByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(drops, "Failures (%s)\t%d\n", class, diag.WriteFailuresByClass[class])
	}
	return drops.Flush()
}

func diagnosticsTimePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
