package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/internal/trace"
)

// writeSQLiteConfig writes a config pointing at a fresh sqlite file and
// returns the config and database paths. extra is appended verbatim.
func writeSQLiteConfig(t *testing.T, extra string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "traces.db")
	configPath := filepath.Join(dir, "querytrace.yaml")
	body := fmt.Sprintf("storage:\n  driver: sqlite\n  path: %q\nfetch:\n  max_attempts: 2\n  base_backoff_ms: 1\n%s", dbPath, extra)
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, dbPath
}

// seedTrace writes one trace directly to the sqlite file. A nil duration
// leaves the trace incomplete.
func seedTrace(t *testing.T, dbPath string, id uuid.UUID, duration *int32) {
	t.Helper()

	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	if err := store.WriteSession(ctx, &trace.SessionRow{
		SessionID:   id,
		Request:     "Execute CQL3 query",
		Coordinator: net.ParseIP("127.0.0.1"),
		Parameters:  map[string]string{"query": "SELECT * FROM ks.users"},
		StartedAt:   start,
		Duration:    duration,
	}); err != nil {
		t.Fatalf("write session: %v", err)
	}
	if err := store.WriteEvents(ctx, []trace.EventRow{
		{SessionID: id, Activity: "Parsing SELECT * FROM ks.users", EventID: trace.TimeUUIDFromMillis(start.UnixMilli(), 1), Source: net.ParseIP("127.0.0.1"), SourceElapsed: 15, Thread: "Native-Transport-Requests-1"},
		{SessionID: id, Activity: "Read 3 live rows", EventID: trace.TimeUUIDFromMillis(start.UnixMilli()+2, 2), Source: net.ParseIP("127.0.0.2"), SourceElapsed: 420, Thread: "ReadStage-1"},
	}); err != nil {
		t.Fatalf("write events: %v", err)
	}
}

func int32Ptr(v int32) *int32 {
	return &v
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr type %T", listener.Addr())
	}
	return addr.Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for HTTP server at %s", url)
}
