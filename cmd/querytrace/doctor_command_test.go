package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDoctorPassesWithSQLite(t *testing.T) {
	t.Parallel()

	configPath, _ := writeSQLiteConfig(t, "")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "QueryTrace Doctor") {
		t.Fatalf("stdout=%q, want doctor header", body)
	}
	if !strings.Contains(body, "[PASS] storage") || !strings.Contains(body, "[PASS] fetch_budget") {
		t.Fatalf("stdout=%q, want storage and fetch budget pass checks", body)
	}
	if !strings.Contains(body, "[SKIP] observability") {
		t.Fatalf("stdout=%q, want observability skipped when otel is disabled", body)
	}
}

func TestRunDoctorWarnsOnLongFetchBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "traces.db") + "\nfetch:\n  max_attempts: 20\n  base_backoff_ms: 50\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runDoctor([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var doc doctorDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("decode doctor json: %v", err)
	}
	if doc.OverallStatus != doctorStatusWarn {
		t.Fatalf("overall_status=%q, want warn", doc.OverallStatus)
	}
	var budget doctorCheck
	for _, check := range doc.Checks {
		if check.Name == "fetch_budget" {
			budget = check
		}
	}
	if budget.Status != doctorStatusWarn {
		t.Fatalf("fetch_budget status=%q, want warn", budget.Status)
	}
	if !strings.Contains(strings.Join(budget.Details, "\n"), "max attempts: 20") {
		t.Fatalf("fetch_budget details=%v, want attempt count", budget.Details)
	}
}

func TestRunDoctorFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "querytrace.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  driver: mysql\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("runDoctor() code=%d, want 1", code)
	}
	body := stdout.String()
	if !strings.Contains(body, "[FAIL] config: config is invalid") {
		t.Fatalf("stdout=%q, want config failure", body)
	}
	if !strings.Contains(body, "[SKIP] storage: skipped: config validation failed") {
		t.Fatalf("stdout=%q, want storage skipped", body)
	}
}

func TestRunDoctorRejectsBadFlags(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runDoctor([]string{"--format", "xml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runDoctor() code=%d, want 2", code)
	}
	if code := runDoctor([]string{"extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runDoctor() code=%d, want 2", code)
	}
}

func TestDoctorOverallStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statuses []string
		want     string
	}{
		{statuses: []string{doctorStatusPass, doctorStatusSkip}, want: doctorStatusPass},
		{statuses: []string{doctorStatusPass, doctorStatusWarn}, want: doctorStatusWarn},
		{statuses: []string{doctorStatusWarn, doctorStatusFail}, want: doctorStatusFail},
	}
	for _, tt := range tests {
		checks := make([]doctorCheck, 0, len(tt.statuses))
		for _, status := range tt.statuses {
			checks = append(checks, doctorCheck{Status: status})
		}
		if got := doctorOverallStatus(checks); got != tt.want {
			t.Fatalf("doctorOverallStatus(%v)=%q, want %q", tt.statuses, got, tt.want)
		}
	}
}
