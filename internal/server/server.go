// Package server implements the health HTTP surface: liveness, build info
// and Prometheus metrics.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/woozymasta/podwatch/internal/config"
	"github.com/woozymasta/podwatch/internal/scheduler"
	"github.com/woozymasta/podwatch/internal/storage"
)

// StatusSource exposes the supervisor state shown on the health endpoint.
type StatusSource interface {
	Status() scheduler.Status
}

// Server holds the dependencies and configuration of the health endpoint.
type Server struct {
	storage *storage.Repository
	status  StatusSource

	trustProxy     bool
	hardLimitCount int
	hardLimitWin   time.Duration
}

// New creates a Server instance with the provided storage, status source and
// configuration.
func New(store *storage.Repository, status StatusSource, cfg *config.Config) *Server {
	return &Server{
		storage:        store,
		status:         status,
		trustProxy:     cfg.Server.TrustProxy,
		hardLimitCount: cfg.Server.HardLimitCount,
		hardLimitWin:   cfg.Server.HardLimitWin,
	}
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", s.RateLimitMiddleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /version", s.RateLimitMiddleware(http.HandlerFunc(s.handleVersion)))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.LoggingMiddleware(mux)
}
