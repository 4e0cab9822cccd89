package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	postgresSelectSession = `SELECT session_id::text, request, host(coordinator), parameters::text, started_at, duration FROM sessions WHERE session_id = $1::uuid LIMIT 1`
	postgresSelectEvents  = `SELECT session_id::text, event_id::text, activity, host(source), source_elapsed, thread FROM events WHERE session_id = $1::uuid ORDER BY seq`
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) QuerySession(ctx context.Context, id uuid.UUID) *ResultFuture[*SessionRow] {
	return Submit(ctx, func(ctx context.Context) (*SessionRow, error) {
		return s.selectSession(ctx, id)
	})
}

func (s *PostgresStore) QueryEvents(ctx context.Context, id uuid.UUID) *ResultFuture[[]EventRow] {
	return Submit(ctx, func(ctx context.Context) ([]EventRow, error) {
		return s.selectEvents(ctx, id)
	})
}

func (s *PostgresStore) selectSession(ctx context.Context, id uuid.UUID) (*SessionRow, error) {
	var (
		columns   sessionColumns
		startedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, postgresSelectSession, id.String()).Scan(
		&columns.sessionID,
		&columns.request,
		&columns.coordinator,
		&columns.parameters,
		&startedAt,
		&columns.duration,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select session %s: %w", id, err)
	}

	row, err := columns.row()
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		row.StartedAt = startedAt.Time.UTC()
	}
	return row, nil
}

func (s *PostgresStore) selectEvents(ctx context.Context, id uuid.UUID) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, postgresSelectEvents, id.String())
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

func (s *PostgresStore) WriteSession(ctx context.Context, row *SessionRow) error {
	if row == nil {
		return nil
	}
	parameters, err := parametersValue(row.Parameters)
	if err != nil {
		return err
	}
	var startedAt any
	if !row.StartedAt.IsZero() {
		startedAt = row.StartedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (
    session_id,
    request,
    coordinator,
    parameters,
    started_at,
    duration
) VALUES (
    $1::uuid,
    $2,
    $3::inet,
    $4::jsonb,
    $5,
    $6
)
ON CONFLICT (session_id) DO UPDATE SET
    request = EXCLUDED.request,
    coordinator = COALESCE(EXCLUDED.coordinator, sessions.coordinator),
    parameters = COALESCE(EXCLUDED.parameters, sessions.parameters),
    started_at = COALESCE(EXCLUDED.started_at, sessions.started_at),
    duration = COALESCE(EXCLUDED.duration, sessions.duration)`,
		row.SessionID.String(),
		row.Request,
		inetValue(row.Coordinator),
		parameters,
		startedAt,
		durationValue(row.Duration),
	)
	if err != nil {
		return fmt.Errorf("write session %s: %w", row.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) WriteEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres events transaction: %w", err)
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
) VALUES ($1::uuid, $2::uuid, $3, $4::inet, $5, $6)
ON CONFLICT (session_id, event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare postgres events insert: %w", err)
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
		return fmt.Errorf("commit postgres events transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(16)
	s.db.SetMaxIdleConns(4)
	if err := s.db.PingContext(context.Background()); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
