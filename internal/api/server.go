// Package api serves the worker's HTTP endpoints: prometheus metrics,
// health, delivery statistics and the runtime log level.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
)

// DefaultListenAddr is used when no address is configured
const DefaultListenAddr = "127.0.0.1:9465"

// Config represents API server configuration
type Config struct {
	ListenAddr string
	RateLimit  RateLimitConfig
}

// QueueCounter is the part of the queue store the health check reads
type QueueCounter interface {
	CountNonDeferred(ctx context.Context) (int, error)
	CountDeferred(ctx context.Context) (int, error)
	CountByPriority(ctx context.Context) (map[queue.Priority]int, error)
}

// StatsReader reads the statistics shared between workers
type StatsReader interface {
	Stats(ctx context.Context) (*metrics.DeliveryStats, error)
	Hourly(ctx context.Context, hours int) ([]metrics.HourlyStats, error)
	RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// Server represents the worker's HTTP server
type Server struct {
	listenAddr  string
	queue       QueueCounter
	gatherer    prometheus.Gatherer
	stats       StatsReader
	rateLimiter *RateLimitMiddleware
	httpServer  *http.Server
	listener    net.Listener
	startedAt   time.Time
	logger      *slog.Logger
}

// Option customises a Server
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStats exposes shared delivery statistics on /stats
func WithStats(r StatsReader) Option {
	return func(s *Server) { s.stats = r }
}

// NewServer creates a new API server
func NewServer(config Config, q QueueCounter, opts ...Option) *Server {
	listenAddr := config.ListenAddr
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	s := &Server{
		listenAddr:  listenAddr,
		queue:       q,
		gatherer:    prometheus.DefaultGatherer,
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		startedAt:   time.Now(),
		logger:      slog.Default().With("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the request router
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.LoggingMiddleware)
	r.Use(s.rateLimiter.Limit)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleDeliveryStats).Methods(http.MethodGet)
	r.HandleFunc("/loglevel", s.handleGetLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/loglevel", s.handleSetLogLevel).Methods(http.MethodPost, http.MethodPut)

	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the address the server listens on, once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Best effort
}
