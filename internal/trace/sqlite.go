package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteSelectSession = `SELECT session_id, request, coordinator, parameters, CAST(started_at AS TEXT), duration FROM sessions WHERE session_id = ? LIMIT 1`
	sqliteSelectEvents  = `SELECT session_id, event_id, activity, source, source_elapsed, thread FROM events WHERE session_id = ? ORDER BY seq`
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid SQLITE_BUSY
	// contention when the writer and tests write concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) QuerySession(ctx context.Context, id uuid.UUID) *ResultFuture[*SessionRow] {
	return Submit(ctx, func(ctx context.Context) (*SessionRow, error) {
		return s.selectSession(ctx, id)
	})
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, id uuid.UUID) *ResultFuture[[]EventRow] {
	return Submit(ctx, func(ctx context.Context) ([]EventRow, error) {
		return s.selectEvents(ctx, id)
	})
}

func (s *SQLiteStore) selectSession(ctx context.Context, id uuid.UUID) (*SessionRow, error) {
	var (
		columns       sessionColumns
		startedAtText sql.NullString
	)
	err := s.db.QueryRowContext(ctx, sqliteSelectSession, id.String()).Scan(
		&columns.sessionID,
		&columns.request,
		&columns.coordinator,
		&columns.parameters,
		&startedAtText,
		&columns.duration,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select session %s: %w", id, err)
	}

	row, err := columns.row()
	if err != nil {
		return nil, err
	}
	if startedAtText.Valid {
		startedAt, err := parseSQLiteTimestamp(startedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("%w: started_at %q: %v", ErrMalformedRow, startedAtText.String, err)
		}
		row.StartedAt = startedAt
	}
	return row, nil
}

func (s *SQLiteStore) selectEvents(ctx context.Context, id uuid.UUID) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectEvents, id.String())
	if err != nil {
		return nil, fmt.Errorf("select events %s: %w", id, err)
	}
	defer rows.Close()

	items := make([]EventRow, 0, 16)
	for rows.Next() {
		item, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) WriteSession(ctx context.Context, row *SessionRow) error {
	if row == nil {
		return nil
	}
	parameters, err := parametersValue(row.Parameters)
	if err != nil {
		return err
	}
	var startedAt any
	if !row.StartedAt.IsZero() {
		startedAt = row.StartedAt.UTC().Format(time.RFC3339Nano)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (
    session_id,
    request,
    coordinator,
    parameters,
    started_at,
    duration
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    request = excluded.request,
    coordinator = COALESCE(excluded.coordinator, sessions.coordinator),
    parameters = COALESCE(excluded.parameters, sessions.parameters),
    started_at = COALESCE(excluded.started_at, sessions.started_at),
    duration = COALESCE(excluded.duration, sessions.duration)`,
			row.SessionID.String(),
			row.Request,
			inetValue(row.Coordinator),
			parameters,
			startedAt,
			durationValue(row.Duration),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", row.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite events transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (
    session_id,
    event_id,
    activity,
    source,
    source_elapsed,
    thread
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, event_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare sqlite events insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(
				ctx,
				row.SessionID.String(),
				row.EventID.String(),
				row.Activity,
				inetValue(row.Source),
				row.SourceElapsed,
				row.Thread,
			); err != nil {
				return fmt.Errorf("write event %s: %w", row.EventID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite events transaction: %w", err)
		}
		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued trace rows are not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return isContentionString(strings.ToLower(err.Error()))
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
