package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// TraceStore is a Session backed by tables the caller can also write to.
type TraceStore interface {
	Session
	// WriteSession upserts a sessions row. A nil Duration never clears a
	// duration that was already written.
	WriteSession(ctx context.Context, row *SessionRow) error
	// WriteEvents appends events rows; rows already present are ignored.
	WriteEvents(ctx context.Context, rows []EventRow) error
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sessionColumns holds the nullable columns shared by every backend.
type sessionColumns struct {
	sessionID   string
	request     sql.NullString
	coordinator sql.NullString
	parameters  sql.NullString
	duration    sql.NullInt64
}

func (c sessionColumns) row() (*SessionRow, error) {
	id, err := uuid.Parse(c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session_id %q: %v", ErrMalformedRow, c.sessionID, err)
	}
	row := &SessionRow{SessionID: id}
	if c.request.Valid {
		row.Request = c.request.String
	}
	if c.coordinator.Valid {
		coordinator, err := parseInet(c.coordinator.String)
		if err != nil {
			return nil, err
		}
		row.Coordinator = coordinator
	}
	if c.parameters.Valid {
		parameters, err := decodeParameters(c.parameters.String)
		if err != nil {
			return nil, err
		}
		row.Parameters = parameters
	}
	if c.duration.Valid {
		duration := int32(c.duration.Int64)
		row.Duration = &duration
	}
	return row, nil
}

func scanEventRow(scanner rowScanner) (EventRow, error) {
	var (
		sessionID     string
		eventID       string
		activity      sql.NullString
		source        sql.NullString
		sourceElapsed sql.NullInt64
		thread        sql.NullString
	)
	if err := scanner.Scan(&sessionID, &eventID, &activity, &source, &sourceElapsed, &thread); err != nil {
		return EventRow{}, err
	}

	var row EventRow
	var err error
	if row.SessionID, err = uuid.Parse(sessionID); err != nil {
		return EventRow{}, fmt.Errorf("%w: session_id %q: %v", ErrMalformedRow, sessionID, err)
	}
	if row.EventID, err = uuid.Parse(eventID); err != nil {
		return EventRow{}, fmt.Errorf("%w: event_id %q: %v", ErrMalformedRow, eventID, err)
	}
	if activity.Valid {
		row.Activity = activity.String
	}
	if source.Valid {
		if row.Source, err = parseInet(source.String); err != nil {
			return EventRow{}, err
		}
	}
	if sourceElapsed.Valid {
		row.SourceElapsed = int32(sourceElapsed.Int64)
	}
	if thread.Valid {
		row.Thread = thread.String
	}
	return row, nil
}

func parseInet(raw string) (net.IP, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	// Postgres renders inet values with a prefix length.
	if slash := strings.IndexByte(value, '/'); slash >= 0 {
		value = value[:slash]
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("%w: invalid inet %q", ErrMalformedRow, raw)
	}
	return ip, nil
}

func inetValue(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

func decodeParameters(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parameters := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &parameters); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrMalformedRow, err)
	}
	return parameters, nil
}

func parametersValue(parameters map[string]string) (any, error) {
	if parameters == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return string(encoded), nil
}

func durationValue(duration *int32) any {
	if duration == nil {
		return nil
	}
	return int64(*duration)
}
