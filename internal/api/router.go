package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
	"github.com/rs/cors"
)

type RouterOptions struct {
	AppVersion     string
	Fetcher        *trace.Fetcher
	StorageDriver  string
	StoragePath    string
	AllowedOrigins []string
	// Writer is optional; it backs /api/diagnostics/writer when set.
	Writer WriterDiagnosticsReader
	// Ingest enables POST /api/traces. Leave nil to keep the API read-only.
	Ingest TraceEnqueuer
	Logger *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Fetcher:       options.Fetcher,
		Writer:        options.Writer,
		IngestEnabled: options.Ingest != nil,
	}))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Fetcher, options.Logger))
	if options.Ingest != nil {
		mux.Handle("/api/traces", TraceIngestHandler(options.Ingest, options.Logger))
	}
	mux.Handle("/api/diagnostics/writer", WriterDiagnosticsHandler(options.Writer))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "querytrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux, options.AllowedOrigins, options.Ingest != nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// withCORS allows read-only cross-origin access, plus POST when ingest is
// enabled. An empty origin list allows any origin.
func withCORS(next http.Handler, allowedOrigins []string, allowPost bool) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	methods := []string{http.MethodGet, http.MethodOptions}
	if allowPost {
		methods = append(methods, http.MethodPost)
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}).Handler(next)
}
