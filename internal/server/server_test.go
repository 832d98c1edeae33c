package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/clmmbot/internal/domain"
	"github.com/alanyoungcy/clmmbot/internal/rebalance"
	"github.com/alanyoungcy/clmmbot/internal/server/handler"
)

type staticEngine struct{}

func (staticEngine) Snapshot() rebalance.Snapshot {
	return rebalance.Snapshot{PoolID: "pool-1", State: domain.EngineIdle}
}

type countingLimiter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key]++
	return c.seen[key] <= c.limit, nil
}

func newTestServer(limiter domain.RateLimiter) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(Config{
		APIKey:      "secret",
		CORSOrigins: []string{"https://dash.example"},
		RateLimit:   2,
		RateWindow:  time.Second,
	}, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Status:   handler.NewStatusHandler("run", staticEngine{}, nil, logger),
		Position: handler.NewPositionHandler(staticEngine{}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("clmm_cycles_total 0\n"))
		}),
	}, nil, limiter, logger)
}

func do(t *testing.T, h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	h := newTestServer(nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", nil).Code)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clmm_cycles_total")
}

func TestAPIRequiresKey(t *testing.T) {
	h := newTestServer(nil).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/status", map[string]string{"X-API-Key": "wrong"}).Code)

	rec := do(t, h, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)
}

func TestCyclesRouteAbsentWithoutStore(t *testing.T) {
	h := newTestServer(nil).Handler()
	rec := do(t, h, http.MethodGet, "/api/cycles", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type memAudit struct{}

func (memAudit) Log(context.Context, string, map[string]any) error { return nil }

func (memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: 1, Event: "position_opened"}}, nil
}

func TestAuditRoute(t *testing.T) {
	h := newTestServer(nil).Handler()
	auth := map[string]string{"X-API-Key": "secret"}
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/audit", auth).Code)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h = NewServer(Config{APIKey: "secret"}, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Status:   handler.NewStatusHandler("run", staticEngine{}, nil, logger),
		Position: handler.NewPositionHandler(staticEngine{}),
		Audit:    handler.NewAuditHandler(memAudit{}, logger),
	}, nil, nil, logger).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/audit", nil).Code)
	rec := do(t, h, http.MethodGet, "/api/audit", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event":"position_opened"`)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(&countingLimiter{limit: 2, seen: map[string]int{}}).Handler()
	auth := map[string]string{"X-API-Key": "secret", "X-Forwarded-For": "10.0.0.1"}

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/position", auth).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/position", auth).Code)
	rec := do(t, h, http.MethodGet, "/api/position", auth)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(nil).Handler()

	rec := do(t, h, http.MethodOptions, "/api/status", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodOptions, "/api/status", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
