package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/querytrace/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Fetcher       *trace.Fetcher
	// Writer is optional; its queue pressure is reported when set.
	Writer        WriterDiagnosticsReader
	IngestEnabled bool
}

type healthResponse struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	UptimeSec           int64  `json:"uptime_sec"`
	StorageDriver       string `json:"storage_driver"`
	DBSizeBytes         int64  `json:"db_size_bytes,omitempty"`
	FetchAttempts       int    `json:"fetch_max_attempts,omitempty"`
	FetchMaxWaitMS      int64  `json:"fetch_max_wait_ms,omitempty"`
	IngestEnabled       bool   `json:"ingest_enabled"`
	WriterQueuePressure string `json:"writer_queue_pressure,omitempty"`
}

// HealthHandler reports "degraded" while the writer queue is saturated, since
// ingested rows are being dropped. Reads keep working either way, so the
// status code stays 200.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			IngestEnabled: options.IngestEnabled,
		}
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				resp.DBSizeBytes = info.Size()
			}
		}
		if options.Fetcher != nil {
			resp.FetchAttempts = options.Fetcher.MaxAttempts()
			resp.FetchMaxWaitMS = options.Fetcher.MaxWait().Milliseconds()
		}
		if options.Writer != nil {
			resp.WriterQueuePressure = options.Writer.Diagnostics().QueuePressureState
			if resp.WriterQueuePressure == trace.QueuePressureSaturated {
				resp.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
