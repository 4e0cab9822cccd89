package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
)

const maxIngestBodyBytes = 1 << 20

// TraceEnqueuer is satisfied by *trace.Writer.
type TraceEnqueuer interface {
	Enqueue(m trace.Mutation) bool
}

type ingestResponse struct {
	Accepted         []string `json:"accepted"`
	DroppedMutations int      `json:"dropped_mutations"`
}

// TraceIngestHandler serves POST /api/traces. The body is a trace fixture
// document in YAML or JSON; rows are queued on the writer and become
// readable once flushed.
func TraceIngestHandler(writer TraceEnqueuer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if writer == nil {
			writeError(w, http.StatusServiceUnavailable, "trace writer is not configured")
			return
		}

		doc, err := trace.ParseFixture(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		now := time.Now().UTC()
		resp := ingestResponse{Accepted: make([]string, 0, len(doc.Traces))}
		for _, fixture := range doc.Traces {
			id, mutations := fixture.Mutations(now)
			queued := true
			for _, m := range mutations {
				if !writer.Enqueue(m) {
					queued = false
					resp.DroppedMutations++
				}
			}
			if queued {
				resp.Accepted = append(resp.Accepted, id.String())
			}
		}

		if len(resp.Accepted) == 0 {
			logger.Warn("trace ingest rejected", "traces", len(doc.Traces), "dropped_mutations", resp.DroppedMutations)
			writeError(w, http.StatusServiceUnavailable, "trace writer queue is full")
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	})
}
