package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
)

const writerDiagnosticsSchemaVersion = "querytrace-writer-diagnostics.v1"

// WriterDiagnosticsReader is satisfied by *trace.Writer.
type WriterDiagnosticsReader interface {
	Diagnostics() trace.WriterDiagnostics
}

type writerDiagnosticsResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Diagnostics   trace.WriterDiagnostics `json:"diagnostics"`
}

func WriterDiagnosticsHandler(reader WriterDiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "trace writer diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, writerDiagnosticsResponse{
			SchemaVersion: writerDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.Diagnostics(),
		})
	})
}
