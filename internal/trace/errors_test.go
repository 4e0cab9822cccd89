package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{ msg string }

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: FetchErrorClassUnknown,
		},
		{
			name: "incomplete trace",
			err:  &RetrievalError{ID: uuid.New(), Attempts: 5, Err: ErrTraceIncomplete},
			want: FetchErrorClassIncomplete,
		},
		{
			name: "malformed row",
			err:  fmt.Errorf("decode event_id: %w", ErrMalformedRow),
			want: FetchErrorClassDecode,
		},
		{
			name: "context.DeadlineExceeded",
			err:  context.DeadlineExceeded,
			want: FetchErrorClassTimeout,
		},
		{
			name: "wrapped Canceled",
			err:  fmt.Errorf("query sessions: %w", context.Canceled),
			want: FetchErrorClassTimeout,
		},
		{
			name: "net.Error with Timeout",
			err:  &timeoutError{msg: "i/o timeout"},
			want: FetchErrorClassTimeout,
		},
		{
			name: "net.OpError",
			err: &net.OpError{
				Op:  "dial",
				Net: "tcp",
				Err: errors.New("connection refused"),
			},
			want: FetchErrorClassConnection,
		},
		{
			name: "ECONNRESET",
			err:  fmt.Errorf("read: %w", syscall.ECONNRESET),
			want: FetchErrorClassConnection,
		},
		{
			name: "connection refused string",
			err:  errors.New("dial tcp 127.0.0.1:5432: connection refused"),
			want: FetchErrorClassConnection,
		},
		{
			name: "postgres connection failure",
			err:  fmt.Errorf("select session: %w", &pgconn.PgError{Code: "08006"}),
			want: FetchErrorClassConnection,
		},
		{
			name: "postgres query canceled",
			err:  &pgconn.PgError{Code: "57014"},
			want: FetchErrorClassTimeout,
		},
		{
			name: "postgres serialization failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: FetchErrorClassContention,
		},
		{
			name: "postgres unique violation",
			err:  &pgconn.PgError{Code: "23505"},
			want: FetchErrorClassConstraint,
		},
		{
			name: "postgres invalid text representation",
			err:  &pgconn.PgError{Code: "22P02"},
			want: FetchErrorClassDecode,
		},
		{
			name: "sqlite_busy",
			err:  errors.New("SQLITE_BUSY: database table is locked (5)"),
			want: FetchErrorClassContention,
		},
		{
			name: "duplicate key",
			err:  errors.New("duplicate key value violates unique constraint"),
			want: FetchErrorClassConstraint,
		},
		{
			name: "generic unknown error",
			err:  errors.New("something went wrong"),
			want: FetchErrorClassUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyFetchError(tt.err)
			if got != tt.want {
				t.Fatalf("ClassifyFetchError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetrievalErrorMessages(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("7f1a2c40-5b6e-11ef-8000-0242ac120002")

	incomplete := &RetrievalError{ID: id, Attempts: 5, Err: ErrTraceIncomplete}
	want := "unable to retrieve complete query trace for id 7f1a2c40-5b6e-11ef-8000-0242ac120002 after 5 tries"
	if incomplete.Error() != want {
		t.Fatalf("Error()=%q, want %q", incomplete.Error(), want)
	}
	if !incomplete.Incomplete() {
		t.Fatal("Incomplete()=false, want true")
	}

	cause := errors.New("connection reset by peer")
	transport := &RetrievalError{ID: id, Attempts: 2, Err: fmt.Errorf("query sessions: %w", cause)}
	if !errors.Is(transport, cause) {
		t.Fatalf("errors.Is(%v, cause)=false, want true", transport)
	}
	if transport.Incomplete() {
		t.Fatal("Incomplete()=true for transport failure, want false")
	}
	if !strings.Contains(transport.Error(), "connection reset by peer") {
		t.Fatalf("Error()=%q, want cause in message", transport.Error())
	}
}
