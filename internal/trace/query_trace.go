package trace

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// QueryTrace is the server-side trace of one traced query, fetched lazily
// from the system_traces tables.
//
// Traces are written asynchronously by the server, so the first accessor call
// polls until the coordinator has finished writing. Events of replicas may
// still be missing at that point; only the coordinator's events are
// guaranteed. Accessors are safe for concurrent use: at most one fetch runs
// per handle and, once a fetch succeeds, accessors take no lock.
type QueryTrace struct {
	id      uuid.UUID
	fetcher *Fetcher

	// record is nil until a fetch observed a complete trace.
	record  atomic.Pointer[Record]
	fetchMu sync.Mutex
}

func NewQueryTrace(id uuid.UUID, fetcher *Fetcher) *QueryTrace {
	return &QueryTrace{id: id, fetcher: fetcher}
}

// ID returns the trace identifier. It never queries the server.
func (t *QueryTrace) ID() uuid.UUID {
	return t.id
}

// Complete reports whether the trace has already been fetched.
func (t *QueryTrace) Complete() bool {
	return t.record.Load() != nil
}

// Snapshot returns a copy of the complete trace record. Changes to the copy
// are not visible to other callers.
func (t *QueryTrace) Snapshot(ctx context.Context) (*Record, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return nil, err
	}
	return record.clone(), nil
}

func (t *QueryTrace) RequestType(ctx context.Context) (string, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return "", err
	}
	return record.RequestType, nil
}

// DurationMicros returns the server-side duration of the query in microseconds.
func (t *QueryTrace) DurationMicros(ctx context.Context) (int32, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return 0, err
	}
	return record.DurationMicros, nil
}

func (t *QueryTrace) Coordinator(ctx context.Context) (net.IP, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return nil, err
	}
	return cloneIP(record.Coordinator), nil
}

// Parameters returns the parameters attached to the trace, or nil if the
// server recorded none.
func (t *QueryTrace) Parameters(ctx context.Context) (map[string]string, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return nil, err
	}
	return record.parameters(), nil
}

// StartedAt returns the server-side start of the query in Unix milliseconds.
func (t *QueryTrace) StartedAt(ctx context.Context) (int64, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return 0, err
	}
	return record.StartedAt, nil
}

// Events returns the trace events in the order the server returned them.
func (t *QueryTrace) Events(ctx context.Context) ([]Event, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return nil, err
	}
	return record.events(), nil
}

// Summary renders "<request type> [<id>] - <duration>µs".
func (t *QueryTrace) Summary(ctx context.Context) (string, error) {
	record, err := t.ensureComplete(ctx)
	if err != nil {
		return "", err
	}
	return record.String(), nil
}

func (t *QueryTrace) String() string {
	summary, err := t.Summary(context.Background())
	if err != nil {
		return fmt.Sprintf("[%s] - %v", t.id, err)
	}
	return summary
}

func (t *QueryTrace) ensureComplete(ctx context.Context) (*Record, error) {
	if record := t.record.Load(); record != nil {
		return record, nil
	}

	t.fetchMu.Lock()
	defer t.fetchMu.Unlock()

	// Another caller may have completed the fetch while we waited.
	if record := t.record.Load(); record != nil {
		return record, nil
	}

	record, err := t.fetcher.fetch(ctx, t.id)
	if err != nil {
		return nil, err
	}
	t.record.Store(record)
	return record, nil
}
