package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/api/handlers"
	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/metrics"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminRoutes(t *testing.T) {
	m := metrics.New()
	m.SyncCounts("abuse", 3, 1, 0)
	health := handlers.NewHealthHandler("test", []handlers.Check{
		{Name: "store", Ping: func(context.Context) error { return nil }},
	}, logger.Nop())
	sched := services.NewScheduler(nil, storage.NewMemoryStore(0), config.SchedulerConfig{Workers: 3}, m, logger.Nop())
	require.NoError(t, sched.SetFeeds([]*models.FeedConfiguration{{ID: "abuse", TenantID: "acme", Enabled: true, IntervalMinutes: 60}}))

	h := New(m, health, sched, logger.Nop()).Handler()

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tiace_indicators_imported_total{feed="abuse"} 3`)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec = get(t, h, "/debug/scheduler")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats services.SchedulerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Feeds)
	assert.Equal(t, 3, stats.Workers)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadinessFailure(t *testing.T) {
	health := handlers.NewHealthHandler("test", []handlers.Check{
		{Name: "postgres", Ping: func(context.Context) error { return errors.New("connection refused") }},
	}, logger.Nop())
	h := New(metrics.New(), health, nil, logger.Nop()).Handler()

	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy: connection refused", body.Checks["postgres"])

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/debug/scheduler").Code)
}
