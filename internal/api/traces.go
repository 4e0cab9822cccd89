package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/querytrace/internal/trace"
)

type traceDetail struct {
	ID             string            `json:"id"`
	RequestType    string            `json:"request_type"`
	DurationMicros int32             `json:"duration_us"`
	Coordinator    string            `json:"coordinator,omitempty"`
	Parameters     map[string]string `json:"parameters"`
	StartedAt      time.Time         `json:"started_at"`
	Summary        string            `json:"summary"`
	Events         []trace.Event     `json:"events"`
}

type traceEventsResponse struct {
	ID    string        `json:"id"`
	Items []trace.Event `json:"items"`
	Total int           `json:"total"`
}

type traceErrorResponse struct {
	Error      string `json:"error"`
	ErrorClass string `json:"error_class"`
	Attempts   int    `json:"attempts,omitempty"`
}

type tracePathRoute struct {
	ID     uuid.UUID
	Action string
}

// TraceDetailHandler serves GET /api/traces/{id} and /api/traces/{id}/events.
// Each request builds a fresh handle, so every request polls the store.
func TraceDetailHandler(fetcher *trace.Fetcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetcher == nil {
			writeError(w, http.StatusServiceUnavailable, "trace fetcher is not configured")
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		route, status, msg := parseTracePathRoute(r.URL.Path)
		if status != 0 {
			writeError(w, status, msg)
			return
		}

		record, err := fetcher.Trace(route.ID).Snapshot(r.Context())
		if err != nil {
			writeRetrievalError(w, r, logger, err)
			return
		}

		switch route.Action {
		case "":
			writeJSON(w, http.StatusOK, detailTrace(record))
		case "events":
			writeJSON(w, http.StatusOK, traceEventsResponse{
				ID:    record.ID.String(),
				Items: nonNilEvents(record.Events),
				Total: len(record.Events),
			})
		}
	})
}

func parseTracePathRoute(path string) (tracePathRoute, int, string) {
	const prefix = "/api/traces/"
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if !strings.HasPrefix(path, prefix) || suffix == "" {
		return tracePathRoute{}, http.StatusNotFound, "not found"
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "events") {
		return tracePathRoute{}, http.StatusNotFound, "not found"
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return tracePathRoute{}, http.StatusBadRequest, "invalid trace id"
	}
	route := tracePathRoute{ID: id}
	if len(parts) == 2 {
		route.Action = parts[1]
	}
	return route, 0, ""
}

// writeRetrievalError answers 504 when the trace never completed within the
// attempt budget and 502 when the store itself failed.
func writeRetrievalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	resp := traceErrorResponse{
		Error:      err.Error(),
		ErrorClass: trace.ClassifyFetchError(err),
	}
	var retrievalErr *trace.RetrievalError
	if errors.As(err, &retrievalErr) {
		resp.Attempts = retrievalErr.Attempts
	}

	status := http.StatusBadGateway
	switch {
	case retrievalErr != nil && retrievalErr.Incomplete():
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusBadGateway {
		// Driver errors can carry connection details; log them, do not echo.
		resp.Error = "failed to read trace"
		if logger != nil {
			logger.ErrorContext(r.Context(), "query trace lookup failed",
				"path", r.URL.Path,
				"error_class", resp.ErrorClass,
				"error", err,
			)
		}
	}
	writeJSON(w, status, resp)
}

func detailTrace(record *trace.Record) traceDetail {
	detail := traceDetail{
		ID:             record.ID.String(),
		RequestType:    record.RequestType,
		DurationMicros: record.DurationMicros,
		Parameters:     record.Parameters,
		StartedAt:      record.StartedAtTime(),
		Summary:        record.String(),
		Events:         nonNilEvents(record.Events),
	}
	if record.Coordinator != nil {
		detail.Coordinator = record.Coordinator.String()
	}
	return detail
}

func nonNilEvents(events []trace.Event) []trace.Event {
	if events == nil {
		return []trace.Event{}
	}
	return events
}
