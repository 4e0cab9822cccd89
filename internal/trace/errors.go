package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTraceIncomplete reports that the attempt budget ran out before the
// coordinator finished writing the trace. This is expected shortly after the
// traced query returns and is not a defect.
var ErrTraceIncomplete = errors.New("query trace is not complete")

// ErrMalformedRow reports a backing row that could not be decoded.
var ErrMalformedRow = errors.New("malformed trace row")

// RetrievalError is returned by every QueryTrace accessor that could not
// produce a complete trace.
type RetrievalError struct {
	ID       uuid.UUID
	Attempts int
	Err      error
}

func (e *RetrievalError) Error() string {
	if errors.Is(e.Err, ErrTraceIncomplete) {
		return fmt.Sprintf("unable to retrieve complete query trace for id %s after %d tries", e.ID, e.Attempts)
	}
	return fmt.Sprintf("unexpected error while fetching query trace %s: %v", e.ID, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Incomplete reports whether the error is the retry-exhaustion case rather
// than a transport or decode failure.
func (e *RetrievalError) Incomplete() bool {
	return errors.Is(e.Err, ErrTraceIncomplete)
}

// Error class constants for trace fetch failure classification.
const (
	FetchErrorClassConnection = "connection"
	FetchErrorClassTimeout    = "timeout"
	FetchErrorClassIncomplete = "incomplete"
	FetchErrorClassDecode     = "decode"
	FetchErrorClassContention = "contention"
	FetchErrorClassConstraint = "constraint"
	FetchErrorClassUnknown    = "unknown"
)

// ClassifyFetchError maps a trace read or write error to one of the defined
// error classes so operators can alert and dashboard on failure categories
// rather than opaque Go type names.
func ClassifyFetchError(err error) string {
	if err == nil {
		return FetchErrorClassUnknown
	}

	if errors.Is(err, ErrTraceIncomplete) {
		return FetchErrorClassIncomplete
	}
	if errors.Is(err, ErrMalformedRow) {
		return FetchErrorClassDecode
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FetchErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchErrorClassTimeout
	}

	if class, ok := classifyPostgresError(err); ok {
		return class
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FetchErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return FetchErrorClassConnection
	}

	// String-based classification for errors from database drivers and
	// wrapped errors where type information is lost.
	msg := strings.ToLower(err.Error())

	if isConnectionString(msg) {
		return FetchErrorClassConnection
	}
	if isTimeoutString(msg) {
		return FetchErrorClassTimeout
	}
	if isContentionString(msg) {
		return FetchErrorClassContention
	}
	if isConstraintString(msg) {
		return FetchErrorClassConstraint
	}

	return FetchErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "duplicate key")
}

// classifyPostgresError maps SQLSTATE classes reported by pgx.
func classifyPostgresError(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return FetchErrorClassConnection, true
	case pgErr.Code == "57014":
		return FetchErrorClassTimeout, true
	case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
		return FetchErrorClassContention, true
	case strings.HasPrefix(pgErr.Code, "23"):
		return FetchErrorClassConstraint, true
	case strings.HasPrefix(pgErr.Code, "22"):
		return FetchErrorClassDecode, true
	}
	return "", false
}
