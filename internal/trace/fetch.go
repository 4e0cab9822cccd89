package trace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

const (
	// DefaultMaxAttempts bounds how many times a trace is polled before the
	// fetch gives up with ErrTraceIncomplete.
	DefaultMaxAttempts = 5
	// DefaultBaseBackoff is the wait unit; attempt n waits n*DefaultBaseBackoff.
	DefaultBaseBackoff = 3 * time.Millisecond
)

// FetchMetrics holds optional callbacks the Fetcher invokes while polling.
type FetchMetrics struct {
	// OnFetchStart is called before the first attempt. It may return a derived
	// context (for example carrying a span) and an end function called with
	// the attempt count and the final error, or nil on success.
	OnFetchStart func(ctx context.Context, id uuid.UUID) (context.Context, func(attempts int, err error))
	// OnAttempt is called at the start of every attempt.
	OnAttempt func(attempt int)
	// OnBackoff is called before each wait between attempts.
	OnBackoff func(attempt int, delay time.Duration)
}

// FetcherOptions configures a Fetcher. Zero values select the defaults.
type FetcherOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Clock       clockz.Clock
	Logger      *slog.Logger
	Metrics     *FetchMetrics
}

// Fetcher polls the backing tables until a trace is complete. It holds no
// per-trace state; every QueryTrace it creates shares it.
type Fetcher struct {
	session     Session
	maxAttempts int
	baseBackoff time.Duration
	clock       clockz.Clock
	logger      *slog.Logger
	metrics     *FetchMetrics
}

func NewFetcher(session Session, options FetcherOptions) *Fetcher {
	f := &Fetcher{
		session:     session,
		maxAttempts: options.MaxAttempts,
		baseBackoff: options.BaseBackoff,
		clock:       options.Clock,
		logger:      options.Logger,
		metrics:     options.Metrics,
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.baseBackoff <= 0 {
		f.baseBackoff = DefaultBaseBackoff
	}
	if f.clock == nil {
		f.clock = clockz.RealClock
	}
	if f.metrics == nil {
		f.metrics = &FetchMetrics{}
	}
	return f
}

// Trace returns a handle for id. No query is issued until an accessor is called.
func (f *Fetcher) Trace(id uuid.UUID) *QueryTrace {
	return NewQueryTrace(id, f)
}

// MaxAttempts returns the configured attempt budget.
func (f *Fetcher) MaxAttempts() int {
	return f.maxAttempts
}

// MaxWait returns the total backoff spent when every attempt comes back incomplete.
func (f *Fetcher) MaxWait() time.Duration {
	n := time.Duration(f.maxAttempts)
	return n * (n + 1) / 2 * f.baseBackoff
}

func (f *Fetcher) fetch(ctx context.Context, id uuid.UUID) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := f.clock.Now()

	var end func(int, error)
	if f.metrics.OnFetchStart != nil {
		ctx, end = f.metrics.OnFetchStart(ctx, id)
	}

	record, attempts, err := f.poll(ctx, id)
	if end != nil {
		end(attempts, err)
	}

	elapsed := f.clock.Since(start)
	if err != nil {
		if f.logger != nil {
			f.logger.WarnContext(ctx, "query trace fetch failed",
				"trace_id", id.String(),
				"attempts", attempts,
				"error_class", ClassifyFetchError(err),
				"elapsed_ms", elapsed.Milliseconds(),
				"error", err,
			)
		}
		return nil, err
	}
	if f.logger != nil {
		f.logger.DebugContext(ctx, "query trace fetched",
			"trace_id", id.String(),
			"attempts", attempts,
			"events", len(record.Events),
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
	return record, nil
}

func (f *Fetcher) poll(ctx context.Context, id uuid.UUID) (*Record, int, error) {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.metrics.OnAttempt != nil {
			f.metrics.OnAttempt(attempt)
		}

		record, ready, err := f.attempt(ctx, id)
		if err != nil {
			return nil, attempt, &RetrievalError{ID: id, Attempts: attempt, Err: err}
		}
		if ready {
			return record, attempt, nil
		}

		delay := time.Duration(attempt) * f.baseBackoff
		if f.metrics.OnBackoff != nil {
			f.metrics.OnBackoff(attempt, delay)
		}
		if err := f.wait(ctx, delay); err != nil {
			return nil, attempt, &RetrievalError{ID: id, Attempts: attempt, Err: err}
		}
	}
	return nil, f.maxAttempts, &RetrievalError{ID: id, Attempts: f.maxAttempts, Err: ErrTraceIncomplete}
}

// attempt issues both backing queries at once and builds a Record if the
// sessions row carries a duration. The coordinator writes the duration last,
// so its presence is the best available completeness signal; replica events
// may still be missing.
func (f *Fetcher) attempt(ctx context.Context, id uuid.UUID) (*Record, bool, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionFuture := f.session.QuerySession(attemptCtx, id)
	eventsFuture := f.session.QueryEvents(attemptCtx, id)

	row, err := sessionFuture.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("query sessions: %w", err)
	}
	if row == nil || row.Duration == nil {
		return nil, false, nil
	}

	eventRows, err := eventsFuture.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("query events: %w", err)
	}
	events := make([]Event, 0, len(eventRows))
	for _, eventRow := range eventRows {
		event, err := newEvent(eventRow)
		if err != nil {
			return nil, false, err
		}
		events = append(events, event)
	}

	var parameters map[string]string
	if row.Parameters != nil {
		parameters = make(map[string]string, len(row.Parameters))
		for k, v := range row.Parameters {
			parameters[k] = v
		}
	}
	var startedAt int64
	if !row.StartedAt.IsZero() {
		startedAt = row.StartedAt.UnixMilli()
	}

	return &Record{
		ID:             id,
		RequestType:    row.Request,
		DurationMicros: *row.Duration,
		Coordinator:    cloneIP(row.Coordinator),
		Parameters:     parameters,
		StartedAt:      startedAt,
		Events:         events,
	}, true, nil
}

// wait blocks for d on the Fetcher's clock, or until ctx is done.
func (f *Fetcher) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(d):
		return nil
	}
}
