package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
)

func TestRunDiagnosticsJSONOutput(t *testing.T) {
	t.Parallel()

	lastDrop := time.Date(2026, 2, 22, 10, 1, 0, 0, time.UTC)
	response := writerDiagnosticsDocument{
		SchemaVersion: "querytrace-writer-diagnostics.v1",
		GeneratedAt:   time.Date(2026, 2, 22, 10, 2, 0, 0, time.UTC),
		Diagnostics: trace.WriterDiagnostics{
			QueueCapacity:           256,
			QueueDepth:              9,
			QueueDepthHighWatermark: 200,
			QueuePressureState:      trace.QueuePressureOK,
			EnqueueAcceptedTotal:    99,
			EnqueueDroppedTotal:     2,
			WriteDroppedTotal:       1,
			LastWriteDropAt:         &lastDrop,
			WriteFailuresByClass:    map[string]int64{"contention": 1},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != writerDiagnosticsPath {
			t.Errorf("path=%q, want %s", r.URL.Path, writerDiagnosticsPath)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDiagnostics([]string{"--base-url", server.URL + "/", "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDiagnostics() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var payload writerDiagnosticsDocument
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode diagnostics json: %v\nbody=%s", err, stdout.String())
	}
	if payload.Diagnostics.EnqueueDroppedTotal != 2 || payload.Diagnostics.WriteFailuresByClass["contention"] != 1 {
		t.Fatalf("diagnostics=%+v, want drop and failure counters", payload.Diagnostics)
	}
}

func TestRunDiagnosticsTextOutput(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(writerDiagnosticsDocument{
			SchemaVersion: "querytrace-writer-diagnostics.v1",
			GeneratedAt:   time.Now().UTC(),
			Diagnostics: trace.WriterDiagnostics{
				QueueCapacity:        64,
				QueuePressureState:   trace.QueuePressureElevated,
				WriteFailuresByClass: map[string]int64{"timeout": 3, "constraint": 1},
			},
		})
	}))
	t.Cleanup(server.Close)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runDiagnostics([]string{"--base-url", server.URL, "writer"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runDiagnostics() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	for _, want := range []string{"QueryTrace Writer Diagnostics", "ELEVATED", "Failures (constraint)", "Failures (timeout)", "(none)"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stdout=%q, want %q", body, want)
		}
	}
	if strings.Index(body, "Failures (constraint)") > strings.Index(body, "Failures (timeout)") {
		t.Fatalf("stdout=%q, want failure classes sorted", body)
	}
}

func TestRunDiagnosticsReportsServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"trace writer diagnostics unavailable"}`))
	}))
	t.Cleanup(server.Close)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runDiagnostics([]string{"--base-url", server.URL}, &stdout, &stderr); code != 1 {
		t.Fatalf("runDiagnostics() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "status 503: trace writer diagnostics unavailable") {
		t.Fatalf("stderr=%q, want status and server message", stderr.String())
	}
}

func TestRunDiagnosticsRejectsBadArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown target", args: []string{"fetcher"}, wantErr: `unsupported diagnostics target "fetcher"`},
		{name: "too many targets", args: []string{"writer", "fetcher"}, wantErr: "at most one positional argument"},
		{name: "bad timeout", args: []string{"--timeout", "0s"}, wantErr: "must be greater than 0"},
		{name: "bad format", args: []string{"--format", "csv"}, wantErr: `invalid diagnostics format "csv"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			if code := runDiagnostics(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("runDiagnostics() code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestNormalizeDiagnosticsBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr string
	}{
		{raw: "http://localhost:8080/", want: "http://localhost:8080"},
		{raw: "https://ops.example.com/querytrace/?x=1#frag", want: "https://ops.example.com/querytrace"},
		{raw: "localhost:8080", wantErr: "http or https scheme"},
		{raw: "http://", wantErr: "must include host"},
		{raw: " ", wantErr: "base URL is empty"},
	}
	for _, tt := range tests {
		got, err := normalizeDiagnosticsBaseURL(tt.raw)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("normalizeDiagnosticsBaseURL(%q) error=%v, want %q", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeDiagnosticsBaseURL(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("normalizeDiagnosticsBaseURL(%q)=%q, want %q", tt.raw, got, tt.want)
		}
	}
}
