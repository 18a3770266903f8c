package api

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/busybox42/mailq/internal/metrics"
)

// HealthStats represents worker health
type HealthStats struct {
	Status          string      `json:"status"`
	Error           string      `json:"error,omitempty"`
	Uptime          int64       `json:"uptime"`           // seconds
	UptimeFormatted string      `json:"uptime_formatted"` // human readable
	StartedAt       time.Time   `json:"started_at"`
	GoVersion       string      `json:"go_version"`
	NumGoroutines   int         `json:"num_goroutines"`
	Queue           QueueHealth `json:"queue"`
}

// QueueHealth represents queue depth
type QueueHealth struct {
	ActiveCount   int            `json:"active_count"`
	DeferredCount int            `json:"deferred_count"`
	ByPriority    map[string]int `json:"by_priority"`
}

// DeliveryStats is the /stats response
type DeliveryStats struct {
	Totals       *metrics.DeliveryStats `json:"totals"`
	ByHour       []metrics.HourlyStats  `json:"by_hour"`
	RecentErrors []metrics.RecentError  `json:"recent_errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	health := HealthStats{
		Status:          "ok",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
	}

	if err := s.fillQueueHealth(r, &health.Queue); err != nil {
		health.Status = "unavailable"
		health.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) fillQueueHealth(r *http.Request, q *QueueHealth) error {
	ctx := r.Context()

	active, err := s.queue.CountNonDeferred(ctx)
	if err != nil {
		return err
	}
	deferred, err := s.queue.CountDeferred(ctx)
	if err != nil {
		return err
	}
	byPriority, err := s.queue.CountByPriority(ctx)
	if err != nil {
		return err
	}

	q.ActiveCount = active
	q.DeferredCount = deferred
	q.ByPriority = make(map[string]int, len(byPriority))
	for p, n := range byPriority {
		q.ByPriority[p.String()] = n
	}
	return nil
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Delivery statistics are not configured", http.StatusNotFound)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid hours parameter", http.StatusBadRequest)
			return
		}
		hours = n
	}

	ctx := r.Context()
	totals, err := s.stats.Stats(ctx)
	if err != nil {
		http.Error(w, "Failed to read delivery statistics", http.StatusBadGateway)
		return
	}
	byHour, err := s.stats.Hourly(ctx, hours)
	if err != nil {
		http.Error(w, "Failed to read delivery statistics", http.StatusBadGateway)
		return
	}
	recent, err := s.stats.RecentErrors(ctx, 20)
	if err != nil {
		http.Error(w, "Failed to read delivery statistics", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, DeliveryStats{Totals: totals, ByHour: byHour, RecentErrors: recent})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return d.String()
}
