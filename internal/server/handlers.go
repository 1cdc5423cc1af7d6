package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/podwatch/internal/vars"
)

// healthResponse is the payload of GET /health.
type healthResponse struct {
	Status                 string     `json:"status"`
	Timestamp              time.Time  `json:"timestamp"`
	LastSuccessfulIngest   *time.Time `json:"lastSuccessfulIngestion"`
	LastIngestionAttempt   *time.Time `json:"lastIngestionAttempt"`
	Database               string     `json:"database"`
	UptimeSeconds          int64      `json:"uptime"`
	IngestionFailureCount  int        `json:"ingestionFailureCount"`
}

// handleHealth reports supervisor state and verifies the store connection.
// A failing store ping degrades the response to 500.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status.Status()
	now := time.Now().UTC()

	resp := healthResponse{
		Status:                "ok",
		Timestamp:             now,
		LastSuccessfulIngest:  status.LastSuccess,
		LastIngestionAttempt:  status.LastAttempt,
		Database:              "ok",
		UptimeSeconds:         int64(now.Sub(status.StartedAt).Seconds()),
		IngestionFailureCount: status.FailureCount,
	}

	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	if err := s.storage.Ping(pingCtx); err != nil {
		log.Error().Err(err).Msg("Health check store ping failed")
		resp.Status = "degraded"
		resp.Database = "unreachable"
		code = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleVersion returns build metadata.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(vars.Info())
}
