package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/datasource"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
)

func newTestServer(t *testing.T, q QueueCounter, opts ...Option) (*Server, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts = append([]Option{WithGatherer(reg)}, opts...)
	return NewServer(Config{}, q, opts...), m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	store := datasource.NewMemory()
	for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityNormal} {
		msg := queue.Message{Envelope: queue.Envelope{To: "a@example.com"}, Priority: p}
		require.NoError(t, store.Insert(ctx, &msg))
	}
	msg := queue.Message{Envelope: queue.Envelope{To: "b@example.com"}, Priority: queue.PriorityLow}
	require.NoError(t, store.Insert(ctx, &msg))
	require.NoError(t, store.Defer(ctx, msg.ID, time.Now()))

	s, _ := newTestServer(t, store)
	rr := get(t, s.Router(), "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var health HealthStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Queue.ActiveCount)
	assert.Equal(t, 1, health.Queue.DeferredCount)
	assert.Equal(t, map[string]int{"high": 1, "normal": 2}, health.Queue.ByPriority)
}

type brokenQueue struct{}

func (brokenQueue) CountNonDeferred(ctx context.Context) (int, error) {
	return 0, errors.New("database is locked")
}
func (brokenQueue) CountDeferred(ctx context.Context) (int, error) { return 0, nil }
func (brokenQueue) CountByPriority(ctx context.Context) (map[queue.Priority]int, error) {
	return nil, nil
}

func TestHealthUnavailable(t *testing.T) {
	s, _ := newTestServer(t, brokenQueue{})
	rr := get(t, s.Router(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(t, datasource.NewMemory())
	m.ObserveResult(queue.ResultSent)

	rr := get(t, s.Router(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `mailq_messages_processed_total{result="sent"} 1`)
}

type fakeStats struct{}

func (fakeStats) Stats(ctx context.Context) (*metrics.DeliveryStats, error) {
	return &metrics.DeliveryStats{Sent: 7, Deferred: 2}, nil
}

func (fakeStats) Hourly(ctx context.Context, hours int) ([]metrics.HourlyStats, error) {
	return make([]metrics.HourlyStats, hours), nil
}

func (fakeStats) RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error) {
	return []metrics.RecentError{{MessageID: "m1", Error: "connect: refused"}}, nil
}

func TestDeliveryStats(t *testing.T) {
	s, _ := newTestServer(t, datasource.NewMemory())
	assert.Equal(t, http.StatusNotFound, get(t, s.Router(), "/stats").Code)

	s, _ = newTestServer(t, datasource.NewMemory(), WithStats(fakeStats{}))
	rr := get(t, s.Router(), "/stats?hours=3")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats DeliveryStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.Equal(t, int64(7), stats.Totals.Sent)
	assert.Len(t, stats.ByHour, 3)
	require.Len(t, stats.RecentErrors, 1)
	assert.Equal(t, "m1", stats.RecentErrors[0].MessageID)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Router(), "/stats?hours=abc").Code)
}

func TestLogLevel(t *testing.T) {
	manager := logging.GetLevelManager()
	previous := manager.GetLevel()
	defer manager.SetLevel(previous)

	s, _ := newTestServer(t, datasource.NewMemory())
	router := s.Router()

	req := httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, slog.LevelDebug, manager.GetLevel())

	rr = get(t, router, "/loglevel")
	assert.Contains(t, rr.Body.String(), `"current_level":"DEBUG"`)

	req = httptest.NewRequest(http.MethodPost, "/loglevel?level=warn", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"previous_level":"DEBUG"`)
	assert.Equal(t, slog.LevelWarn, manager.GetLevel())

	req = httptest.NewRequest(http.MethodPost, "/loglevel", strings.NewReader(`{"level":"loud"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartStop(t *testing.T) {
	s := NewServer(Config{ListenAddr: "127.0.0.1:0"}, datasource.NewMemory(), WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		config          RateLimitConfig
		requests        int
		expectedAllowed int
	}{
		{"disabled", RateLimitConfig{Enabled: false, RequestsPerSecond: 1, Burst: 2}, 10, 10},
		{"burst", RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 3}, 5, 3},
		{"defaults", RateLimitConfig{Enabled: true}, 25, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimitMiddleware(tt.config)
			defer rl.Stop()

			handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			allowed, blocked := 0, 0
			for i := 0; i < tt.requests; i++ {
				req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
				req.RemoteAddr = "192.168.1.1:1234"
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				switch rr.Code {
				case http.StatusOK:
					allowed++
				case http.StatusTooManyRequests:
					blocked++
				}
			}
			assert.Equal(t, tt.expectedAllowed, allowed)
			assert.Equal(t, tt.requests-tt.expectedAllowed, blocked)
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	defer rl.Stop()
	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, addr)
	}
}
