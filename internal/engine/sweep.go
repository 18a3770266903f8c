package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/mailq/internal/lock"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// Summary is the tally of one sweep
type Summary struct {
	Sent     int
	Deferred int
	Skipped  int
	Elapsed  time.Duration
	// Locked is set when another sweep held the lock and nothing was done.
	Locked bool
	// Paused is set when sending is paused and nothing was done.
	Paused bool
}

// Processed returns the number of messages handled
func (s Summary) Processed() int {
	return s.Sent + s.Deferred + s.Skipped
}

func (s Summary) String() string {
	return fmt.Sprintf("%d sent, %d deferred, %d skipped.", s.Sent, s.Deferred, s.Skipped)
}

func (s *Summary) add(r queue.Result) {
	switch r {
	case queue.ResultSent:
		s.Sent++
	case queue.ResultFailed:
		s.Deferred++
	case queue.ResultSkipped:
		s.Skipped++
	}
}

// SendAll drains the active queue once. blockSize bounds each iterator
// block; <= 0 reads the whole queue in one go.
//
// Finding the lock held is not an error: the returned Summary has Locked
// set and nothing is sent. Any error aborts the sweep; the counts gathered
// until then are still returned.
func (e *Engine) SendAll(ctx context.Context, blockSize int) (Summary, error) {
	if e.opts.PauseSend {
		e.logger.Warn("Sending is paused, exiting without sending queued mail")
		e.metrics.Sweeps.WithLabelValues(metrics.SweepPaused).Inc()
		return Summary{Paused: true}, nil
	}

	e.logger.Debug("Acquiring lock", "name", e.opts.LockName)
	handle, err := e.locker.Acquire(ctx, e.opts.LockName, e.opts.LockWaitTimeout)
	switch {
	case errors.Is(err, lock.ErrAlreadyLocked):
		e.logger.Info("lock already in place, exiting")
		e.metrics.Sweeps.WithLabelValues(metrics.SweepLocked).Inc()
		return Summary{Locked: true}, nil
	case errors.Is(err, lock.ErrLockTimeout):
		e.logger.Info("waiting for the lock timed out, exiting")
		e.metrics.Sweeps.WithLabelValues(metrics.SweepLocked).Inc()
		return Summary{Locked: true}, nil
	case err != nil:
		e.metrics.Sweeps.WithLabelValues(metrics.SweepFailed).Inc()
		return Summary{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	e.logger.Debug("Lock acquired")
	defer func() {
		if err := handle.Release(); err != nil {
			e.logger.Error("Failed to release lock", "error", err)
			return
		}
		e.logger.Debug("Lock released")
	}()

	start := time.Now()
	summary, err := e.sweep(ctx, blockSize)
	summary.Elapsed = time.Since(start)

	if err != nil {
		e.metrics.Sweeps.WithLabelValues(metrics.SweepFailed).Inc()
		e.logger.Error("Sweep aborted", "summary", summary.String(), "error", err)
		return summary, err
	}

	e.metrics.Sweeps.WithLabelValues(metrics.SweepCompleted).Inc()
	e.metrics.SweepDuration.Observe(summary.Elapsed.Seconds())
	if summary.Processed() > 0 {
		e.logger.Warn(summary.String())
	} else {
		e.logger.Info(summary.String())
	}
	e.logger.Debug(fmt.Sprintf("Completed in %.2f seconds.", summary.Elapsed.Seconds()))
	return summary, nil
}

func (e *Engine) sweep(ctx context.Context, blockSize int) (Summary, error) {
	var summary Summary

	addrs, err := e.blacklist.All(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load blacklist: %w", err)
	}
	blacklist := queue.NewAddressSet(addrs)

	defer func() {
		if e.transport.IsOpen() {
			if err := e.transport.Close(); err != nil {
				e.logger.Warn("Failed to close transport", "error", err)
			}
		}
	}()
	if err := e.transport.Open(ctx); err != nil {
		if !transport.IsClassified(err) {
			return summary, fmt.Errorf("failed to open transport: %w", err)
		}
		// Each message retries the connection and is deferred if it
		// still fails.
		e.logger.Warn("Failed to open transport", "error", err)
	}

	it := queue.NewIterator(e.store, blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		msg, ok, err := it.Next(ctx)
		if err != nil {
			return summary, err
		}
		if !ok {
			break
		}

		result, err := e.Deliver(ctx, msg, e.transport, blacklist)
		if err != nil {
			return summary, err
		}
		summary.add(result)
	}

	e.updateQueueDepth(ctx)
	return summary, nil
}

// SendLoop runs sweeps until ctx is cancelled. While the active queue is
// empty it sleeps pollInterval (the configured default when <= 0) between
// checks. It returns ctx.Err() on cancellation or the error of a failed
// sweep.
func (e *Engine) SendLoop(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = e.opts.EmptyQueueSleep
	}

	for {
		for {
			n, err := e.store.CountNonDeferred(ctx)
			if err != nil {
				return fmt.Errorf("failed to count queued messages: %w", err)
			}
			if n > 0 {
				break
			}
			e.logger.Debug("Sleeping before checking queue again", "interval", pollInterval)
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
		}

		summary, err := e.SendAll(ctx, e.opts.BlockSize)
		if err != nil {
			return err
		}
		if summary.Locked || summary.Paused {
			// Another sweep owns the queue or sending is paused; do not
			// spin on a non-empty queue.
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) updateQueueDepth(ctx context.Context) {
	active, err := e.store.CountNonDeferred(ctx)
	if err != nil {
		return
	}
	deferred, err := e.store.CountDeferred(ctx)
	if err != nil {
		return
	}
	e.metrics.SetQueueDepth(active, deferred)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
