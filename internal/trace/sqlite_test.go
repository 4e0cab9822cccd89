package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRetrySQLiteBusyRetriesTransientContention(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retrySQLiteBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retrySQLiteBusy() error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 3)
	}
}

func TestRetrySQLiteBusyHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retrySQLiteBusy(ctx, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("retrySQLiteBusy() error=%v, want %v", err, context.Canceled)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 1)
	}
}

func newSQLiteTestStore(t *testing.T, name string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreConfiguresWAL(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "querytrace.db")

	var mode string
	if err := store.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode pragma: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLiteStoreCreatesEventOrderIndex(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "indexes.db")
	if !sqliteHasIndex(t, store.db, "events", "idx_events_session_seq") {
		t.Fatal("expected sqlite index idx_events_session_seq to exist")
	}
}

func TestSQLiteStoreRecordsAppliedMigrations(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "migrations.db")

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, "sqlite/0001_system_traces.sql").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("migration count=%d, want 1 for sqlite/0001_system_traces.sql", count)
	}
}

func sqliteHasIndex(t *testing.T, db *sql.DB, tableName, indexName string) bool {
	t.Helper()

	rows, err := db.Query(`PRAGMA index_list(` + tableName + `);`)
	if err != nil {
		t.Fatalf("query index_list(%s): %v", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			t.Fatalf("scan index_list(%s): %v", tableName, err)
		}
		if name == indexName {
			return true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate index_list(%s): %v", tableName, err)
	}
	return false
}

func TestSQLiteStoreMissingSessionIsNil(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "missing.db")

	row, err := store.QuerySession(context.Background(), uuid.New()).Get(context.Background())
	if err != nil {
		t.Fatalf("QuerySession() error: %v", err)
	}
	if row != nil {
		t.Fatalf("row=%+v, want nil for unwritten session", row)
	}

	events, err := store.QueryEvents(context.Background(), uuid.New()).Get(context.Background())
	if err != nil {
		t.Fatalf("QueryEvents() error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events=%d, want 0", len(events))
	}
}

func TestSQLiteStoreSessionRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "sessions.db")
	ctx := context.Background()
	id := TimeUUIDFromMillis(1_726_000_000_000, 11)
	startedAt := time.Date(2024, 9, 10, 20, 26, 40, 123_000_000, time.UTC)

	// The coordinator writes the row before the query finishes.
	if err := store.WriteSession(ctx, &SessionRow{
		SessionID:   id,
		Request:     "Execute CQL3 query",
		Coordinator: net.ParseIP("10.0.0.1"),
		Parameters:  map[string]string{"query": "SELECT * FROM ks.users"},
		StartedAt:   startedAt,
	}); err != nil {
		t.Fatalf("WriteSession(pending) error: %v", err)
	}

	pending, err := store.QuerySession(ctx, id).Get(ctx)
	if err != nil {
		t.Fatalf("QuerySession() error: %v", err)
	}
	if pending == nil || pending.Duration != nil {
		t.Fatalf("pending row=%+v, want row without duration", pending)
	}

	duration := int32(1520)
	if err := store.WriteSession(ctx, &SessionRow{SessionID: id, Request: "Execute CQL3 query", Duration: &duration}); err != nil {
		t.Fatalf("WriteSession(complete) error: %v", err)
	}

	row, err := store.QuerySession(ctx, id).Get(ctx)
	if err != nil {
		t.Fatalf("QuerySession() error: %v", err)
	}
	if row.SessionID != id {
		t.Fatalf("session_id=%s, want %s", row.SessionID, id)
	}
	if row.Duration == nil || *row.Duration != 1520 {
		t.Fatalf("duration=%v, want 1520", row.Duration)
	}
	if !row.Coordinator.Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("coordinator=%s, want 10.0.0.1 kept from first write", row.Coordinator)
	}
	if row.Parameters["query"] != "SELECT * FROM ks.users" {
		t.Fatalf("parameters=%v, want query kept from first write", row.Parameters)
	}
	if !row.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at=%s, want %s", row.StartedAt, startedAt)
	}

	// A late write without a duration must not clear it.
	if err := store.WriteSession(ctx, &SessionRow{SessionID: id, Request: "Execute CQL3 query"}); err != nil {
		t.Fatalf("WriteSession(late) error: %v", err)
	}
	row, err = store.QuerySession(ctx, id).Get(ctx)
	if err != nil {
		t.Fatalf("QuerySession() error: %v", err)
	}
	if row.Duration == nil || *row.Duration != 1520 {
		t.Fatalf("duration after late write=%v, want 1520", row.Duration)
	}
}

func TestSQLiteStoreEventsKeepInsertionOrder(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "events.db")
	ctx := context.Background()
	id := uuid.New()

	// Event ids are deliberately out of timestamp order.
	rows := []EventRow{
		{SessionID: id, Activity: "third by time", EventID: TimeUUIDFromMillis(3_000, 1), Source: net.ParseIP("10.0.0.1"), SourceElapsed: 30, Thread: "t1"},
		{SessionID: id, Activity: "first by time", EventID: TimeUUIDFromMillis(1_000, 2), Source: net.ParseIP("10.0.0.2"), SourceElapsed: 10, Thread: "t2"},
		{SessionID: id, Activity: "second by time", EventID: TimeUUIDFromMillis(2_000, 3), Source: net.ParseIP("::1"), SourceElapsed: 20, Thread: "t3"},
	}
	if err := store.WriteEvents(ctx, rows[:2]); err != nil {
		t.Fatalf("WriteEvents() error: %v", err)
	}
	// Duplicates are ignored.
	if err := store.WriteEvents(ctx, rows[1:]); err != nil {
		t.Fatalf("WriteEvents() error: %v", err)
	}

	got, err := store.QueryEvents(ctx, id).Get(ctx)
	if err != nil {
		t.Fatalf("QueryEvents() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events=%d, want 3", len(got))
	}
	for i, want := range rows {
		if got[i].Activity != want.Activity || got[i].EventID != want.EventID {
			t.Fatalf("event[%d]=%+v, want %+v", i, got[i], want)
		}
		if !got[i].Source.Equal(want.Source) {
			t.Fatalf("event[%d] source=%s, want %s", i, got[i].Source, want.Source)
		}
		if got[i].SourceElapsed != want.SourceElapsed || got[i].Thread != want.Thread {
			t.Fatalf("event[%d]=%+v, want elapsed/thread of %+v", i, got[i], want)
		}
	}
}

func TestSQLiteStoreRejectsMalformedSessionID(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "malformed.db")
	id := uuid.New()
	if _, err := store.db.Exec(`INSERT INTO events (session_id, event_id) VALUES (?, ?)`, id.String(), "not-a-uuid"); err != nil {
		t.Fatalf("insert malformed event: %v", err)
	}

	_, err := store.QueryEvents(context.Background(), id).Get(context.Background())
	if !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("QueryEvents() error=%v, want ErrMalformedRow", err)
	}
}

func TestFetcherReadsCompleteTraceFromSQLite(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "fetch.db")
	ctx := context.Background()
	id := TimeUUIDFromMillis(1_726_000_000_000, 5)
	duration := int32(840)

	if err := store.WriteSession(ctx, &SessionRow{
		SessionID:   id,
		Request:     "Execute CQL3 query",
		Coordinator: net.ParseIP("127.0.0.1"),
		StartedAt:   time.UnixMilli(1_726_000_000_000).UTC(),
		Duration:    &duration,
	}); err != nil {
		t.Fatalf("WriteSession() error: %v", err)
	}
	if err := store.WriteEvents(ctx, []EventRow{
		{SessionID: id, Activity: "Parsing", EventID: TimeUUIDFromMillis(1_726_000_000_001, 1), Source: net.ParseIP("127.0.0.1"), SourceElapsed: 55, Thread: "Native-Transport-Requests-1"},
		{SessionID: id, Activity: "Preparing statement", EventID: TimeUUIDFromMillis(1_726_000_000_002, 2), Source: net.ParseIP("127.0.0.1"), SourceElapsed: 90, Thread: "Native-Transport-Requests-1"},
	}); err != nil {
		t.Fatalf("WriteEvents() error: %v", err)
	}

	qt := NewFetcher(store, FetcherOptions{}).Trace(id)
	record, err := qt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if record.DurationMicros != 840 {
		t.Fatalf("duration=%d, want 840", record.DurationMicros)
	}
	if record.StartedAt != 1_726_000_000_000 {
		t.Fatalf("started_at=%d, want 1726000000000", record.StartedAt)
	}
	if record.Parameters != nil {
		t.Fatalf("parameters=%v, want nil for NULL column", record.Parameters)
	}
	if len(record.Events) != 2 || record.Events[1].Timestamp != 1_726_000_000_002 {
		t.Fatalf("events=%+v, want two events ending at 1726000000002", record.Events)
	}
}

func TestFetcherGivesUpOnIncompleteSQLiteTrace(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "incomplete.db")
	id := uuid.New()
	if err := store.WriteSession(context.Background(), &SessionRow{SessionID: id, Request: "Execute CQL3 query"}); err != nil {
		t.Fatalf("WriteSession() error: %v", err)
	}

	fetcher := NewFetcher(store, FetcherOptions{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	_, err := fetcher.Trace(id).DurationMicros(context.Background())
	if !errors.Is(err, ErrTraceIncomplete) {
		t.Fatalf("DurationMicros() error=%v, want ErrTraceIncomplete", err)
	}
}

func TestSQLiteStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t, "concurrent-writes.db")
	store.db.SetMaxOpenConns(8)

	const goroutines = 16
	const writesPerGoroutine = 20

	id := uuid.New()
	start := make(chan struct{})
	errCh := make(chan error, goroutines)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start

			for i := 0; i < writesPerGoroutine; i++ {
				if err := store.WriteEvents(context.Background(), []EventRow{{
					SessionID: id,
					Activity:  fmt.Sprintf("worker %d event %d", g, i),
					EventID:   TimeUUIDFromMillis(int64(i), uint64(g*writesPerGoroutine+i)),
					Thread:    fmt.Sprintf("worker-%02d", g),
				}}); err != nil {
					errCh <- fmt.Errorf("worker %d write %d: %w", g, i, err)
					return
				}
			}
		}(g)
	}

	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}

	want := goroutines * writesPerGoroutine
	if count != want {
		t.Fatalf("event count=%d, want %d", count, want)
	}
}
