// Package engine drains the mail queue: it takes the single-run lock, walks
// the queue in priority order and sends, defers or skips each message.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mailq/internal/lock"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// DefaultLockName is the name of the lock that serialises sweeps.
const DefaultLockName = "send_mail"

// DefaultEmptyQueueSleep is how long SendLoop waits before re-checking an
// empty queue.
const DefaultEmptyQueueSleep = 30 * time.Second

// Options are resolved once at startup and fixed for the engine's lifetime.
type Options struct {
	LockName        string
	LockWaitTimeout time.Duration // <= 0 gives up at once when the lock is held
	BlockSize       int           // rows per iterator block, <= 0 for one unbounded block
	PauseSend       bool          // sweeps return without sending
	DisableAuditLog bool
	EmptyQueueSleep time.Duration
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		LockName:        DefaultLockName,
		LockWaitTimeout: -1,
		BlockSize:       queue.DefaultBlockSize,
		EmptyQueueSleep: DefaultEmptyQueueSleep,
	}
}

// Engine delivers queued messages. It is driven from one goroutine at a
// time; the lock keeps other processes out.
type Engine struct {
	store     queue.QueueStore
	blacklist queue.BlacklistStore
	audit     queue.AuditLog
	transport transport.Transport
	locker    lock.Locker
	opts      Options
	metrics   *metrics.Metrics
	stats     metrics.StatsSink
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Engine
type Option func(*Engine)

// WithMetrics records to m instead of the default registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStats also reports outcomes to a shared statistics store
func WithStats(s metrics.StatsSink) Option {
	return func(e *Engine) { e.stats = s }
}

// WithLogger replaces the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces the clock used for deferral timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over store, sending through tr and serialised by
// locker.
func New(store queue.Store, tr transport.Transport, locker lock.Locker, opts Options, options ...Option) *Engine {
	if opts.LockName == "" {
		opts.LockName = DefaultLockName
	}
	if opts.EmptyQueueSleep <= 0 {
		opts.EmptyQueueSleep = DefaultEmptyQueueSleep
	}

	e := &Engine{
		store:     store,
		blacklist: store.Blacklist(),
		audit:     store.Log(),
		transport: tr,
		locker:    locker,
		opts:      opts,
		logger:    slog.Default().With("component", "delivery-engine"),
		now:       time.Now,
	}
	for _, o := range options {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.Default()
	}
	return e
}

// Options returns the options the engine runs with
func (e *Engine) Options() Options {
	return e.opts
}

// RetryDeferred places deferred messages with at most maxRetries retries
// (negative for all) back in the queue, incrementing their retry count. A
// persistable newPriority replaces their priority; PriorityNow keeps it.
func (e *Engine) RetryDeferred(ctx context.Context, maxRetries int, newPriority queue.Priority) (int, error) {
	n, err := e.store.Requeue(ctx, maxRetries, newPriority)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue deferred messages: %w", err)
	}

	e.metrics.Requeued.Add(float64(n))
	if e.stats != nil {
		if err := e.stats.RecordRequeued(ctx, n); err != nil {
			e.logger.Warn("Failed to record requeue statistics", "error", err)
		}
	}
	e.logger.Info("Deferred messages placed back in the queue",
		"count", n,
		"max_retries", maxRetries,
		"priority", newPriority.String())
	return n, nil
}

// RetryLoop runs RetryDeferred every interval until ctx is cancelled.
func (e *Engine) RetryLoop(ctx context.Context, interval time.Duration, maxRetries int, newPriority queue.Priority) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RetryDeferred(ctx, maxRetries, newPriority); err != nil {
				return err
			}
		}
	}
}
