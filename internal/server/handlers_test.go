package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/woozymasta/podwatch/internal/config"
	"github.com/woozymasta/podwatch/internal/scheduler"
	"github.com/woozymasta/podwatch/internal/storage"
)

type stubStatus struct {
	status scheduler.Status
}

func (s *stubStatus) Status() scheduler.Status { return s.status }

func newTestServer(t *testing.T, store *storage.Repository, limit int) http.Handler {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HardLimitCount = limit
	cfg.Server.HardLimitWin = time.Minute

	now := time.Now().UTC()
	success := now.Add(-time.Minute)
	status := &stubStatus{status: scheduler.Status{
		StartedAt:   now.Add(-time.Hour),
		LastAttempt: &success,
		LastSuccess: &success,
	}}

	return New(store, status, cfg).Run()
}

func newTestStore(t *testing.T) *storage.Repository {
	t.Helper()

	store, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "podwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestHandleHealth_OK(t *testing.T) {
	handler := newTestServer(t, newTestStore(t), 120)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, "ok", resp["database"])
	require.NotNil(t, resp["lastSuccessfulIngestion"])
	require.InDelta(t, 3600, resp["uptime"].(float64), 5)
}

func TestHandleHealth_StoreDown(t *testing.T) {
	store, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "dead.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	handler := newTestServer(t, store, 120)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp["status"])
	require.Equal(t, "unreachable", resp["database"])
}

func TestHandleVersion(t *testing.T) {
	handler := newTestServer(t, newTestStore(t), 120)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Podwatch")
}

func TestRateLimit(t *testing.T) {
	handler := newTestServer(t, newTestStore(t), 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t, newTestStore(t), 120)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
