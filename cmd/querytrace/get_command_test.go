package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/internal/trace"
)

func TestRunGetJSONOutput(t *testing.T) {
	t.Parallel()

	configPath, dbPath := writeSQLiteConfig(t, "")
	complete := uuid.New()
	partial := uuid.New()
	seedTrace(t, dbPath, complete, int32Ptr(950))
	seedTrace(t, dbPath, partial, nil)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runGet([]string{"--config", configPath, "--format", "json", complete.String(), partial.String()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runGet() code=%d, want 1 with one incomplete trace (stderr=%q)", code, stderr.String())
	}

	var results []getResult
	if err := json.Unmarshal(stdout.Bytes(), &results); err != nil {
		t.Fatalf("decode get output: %v\nbody=%s", err, stdout.String())
	}
	if len(results) != 2 {
		t.Fatalf("results=%d, want 2", len(results))
	}
	if results[0].ID != complete.String() || results[0].Trace == nil {
		t.Fatalf("first result=%+v, want complete trace %s", results[0], complete)
	}
	if results[0].Trace.DurationMicros != 950 || len(results[0].Trace.Events) != 2 {
		t.Fatalf("trace=%+v, want duration 950 with 2 events", results[0].Trace)
	}
	if results[1].ErrorClass != trace.FetchErrorClassIncomplete {
		t.Fatalf("second error_class=%q, want incomplete", results[1].ErrorClass)
	}
	if results[1].Attempts != 2 {
		t.Fatalf("second attempts=%d, want configured 2", results[1].Attempts)
	}
	if !strings.Contains(results[1].Error, "after 2 tries") {
		t.Fatalf("second error=%q, want attempt count in message", results[1].Error)
	}
}

func TestRunGetTextOutput(t *testing.T) {
	t.Parallel()

	configPath, dbPath := writeSQLiteConfig(t, "")
	id := uuid.New()
	seedTrace(t, dbPath, id, int32Ptr(1200))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runGet([]string{"--config", configPath, id.String()}, &stdout, &stderr); code != 0 {
		t.Fatalf("runGet() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	for _, want := range []string{
		"Execute CQL3 query [" + id.String() + "] - 1200µs",
		"Coordinator",
		"SELECT * FROM ks.users",
		"+2ms",
		"ReadStage-1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stdout=%q, want %q", body, want)
		}
	}
}

func TestRunGetRejectsBadArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no ids", args: nil, wantErr: "usage: querytrace get"},
		{name: "bad id", args: []string{"not-a-uuid"}, wantErr: `invalid trace id "not-a-uuid"`},
		{name: "bad concurrency", args: []string{"--concurrency", "0", uuid.NewString()}, wantErr: "invalid get concurrency 0"},
		{name: "bad format", args: []string{"--format", "yaml", uuid.NewString()}, wantErr: `invalid get format "yaml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			if code := runGet(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("runGet() code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestFetchTracesBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	duration := int32(10)
	fetcher := trace.NewFetcher(trace.SessionFunc{
		Sessions: func(_ context.Context, id uuid.UUID) (*trace.SessionRow, error) {
			current := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				seen := peak.Load()
				if current <= seen || peak.CompareAndSwap(seen, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &trace.SessionRow{SessionID: id, Request: "Execute batch", Duration: &duration}, nil
		},
		Events: func(context.Context, uuid.UUID) ([]trace.EventRow, error) {
			return nil, nil
		},
	}, trace.FetcherOptions{})

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}
	results := fetchTraces(context.Background(), fetcher, ids, 2)
	for i, result := range results {
		if result.ID != ids[i].String() {
			t.Fatalf("results[%d].ID=%s, want %s", i, result.ID, ids[i])
		}
		if result.Trace == nil {
			t.Fatalf("results[%d] error=%q, want trace", i, result.Error)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrent session queries=%d, want <= 2", got)
	}
}
