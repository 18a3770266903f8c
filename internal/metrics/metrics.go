// Package metrics exposes delivery counters to prometheus and, optionally,
// keeps cluster-wide delivery statistics in valkey.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busybox42/mailq/internal/queue"
)

// Metrics holds the prometheus collectors for the delivery worker
type Metrics struct {
	Processed     *prometheus.CounterVec
	SendDuration  prometheus.Histogram
	Sweeps        *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec
	Requeued      prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the metrics registered on the default prometheus registry
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh set of collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailq_messages_processed_total",
				Help: "Messages processed by the delivery engine, by result",
			},
			[]string{"result"},
		),
		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailq_send_duration_seconds",
				Help:    "Time spent handing a single message to the transport",
				Buckets: prometheus.DefBuckets,
			},
		),
		Sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailq_sweeps_total",
				Help: "Queue sweeps by outcome",
			},
			[]string{"outcome"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailq_sweep_duration_seconds",
				Help:    "Duration of completed queue sweeps",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailq_queue_depth",
				Help: "Messages currently in the queue, by state",
			},
			[]string{"state"},
		),
		Requeued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailq_requeued_total",
				Help: "Deferred messages placed back in the queue",
			},
		),
	}
}

// Sweep outcomes
const (
	SweepCompleted = "completed"
	SweepLocked    = "locked"
	SweepPaused    = "paused"
	SweepFailed    = "failed"
)

// ObserveResult counts one processed message
func (m *Metrics) ObserveResult(r queue.Result) {
	m.Processed.WithLabelValues(r.String()).Inc()
}

// SetQueueDepth records the active and deferred queue sizes
func (m *Metrics) SetQueueDepth(active, deferred int) {
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("deferred").Set(float64(deferred))
}
