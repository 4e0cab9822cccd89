package trace

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
)

// Session submits the two backing queries of a query trace. Implementations
// must accept several outstanding submissions from the same caller.
type Session interface {
	// QuerySession looks up the sessions row for id. The future yields a nil
	// row when none has been written yet.
	QuerySession(ctx context.Context, id uuid.UUID) *ResultFuture[*SessionRow]
	// QueryEvents looks up the events rows for id, in server order.
	QueryEvents(ctx context.Context, id uuid.UUID) *ResultFuture[[]EventRow]
}

// SessionRow is one row of system_traces.sessions.
type SessionRow struct {
	SessionID   uuid.UUID
	Request     string
	Coordinator net.IP
	// Parameters is nil when the column is NULL.
	Parameters map[string]string
	StartedAt  time.Time
	// Duration is nil until the coordinator has finished writing the trace.
	Duration *int32
}

// EventRow is one row of system_traces.events.
type EventRow struct {
	SessionID     uuid.UUID
	Activity      string
	EventID       uuid.UUID
	Source        net.IP
	SourceElapsed int32
	Thread        string
}

// SessionFunc adapts a pair of plain functions into a Session, submitting
// each call on its own goroutine.
type SessionFunc struct {
	Sessions func(ctx context.Context, id uuid.UUID) (*SessionRow, error)
	Events   func(ctx context.Context, id uuid.UUID) ([]EventRow, error)
}

func (s SessionFunc) QuerySession(ctx context.Context, id uuid.UUID) *ResultFuture[*SessionRow] {
	return Submit(ctx, func(ctx context.Context) (*SessionRow, error) {
		return s.Sessions(ctx, id)
	})
}

func (s SessionFunc) QueryEvents(ctx context.Context, id uuid.UUID) *ResultFuture[[]EventRow] {
	return Submit(ctx, func(ctx context.Context) ([]EventRow, error) {
		return s.Events(ctx, id)
	})
}
