package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// Deliver processes one queued message and reports what happened to it.
//
// A blacklisted recipient gets the message deleted without touching the
// transport; blacklist is the sweep's snapshot, or nil to ask the store.
// Otherwise the message is sent over conn, which is opened first if needed
// and then closed again by Deliver. A sent message is deleted. A message
// that hits a classified delivery failure is deferred. Any other failure is
// returned unchanged with the message untouched.
//
// Unless the audit log is disabled, exactly one log entry is written per
// processed message, right after the queue is updated.
func (e *Engine) Deliver(ctx context.Context, msg queue.Message, conn transport.Transport, blacklist queue.AddressSet) (queue.Result, error) {
	logger := e.logger.With("message_id", msg.ID, "to", msg.Envelope.To)

	listed, err := e.isBlacklisted(ctx, msg.Envelope.To, blacklist)
	if err != nil {
		return 0, err
	}
	if listed {
		logger.Info("Not sending to blacklisted email")
		if err := e.store.Delete(ctx, msg.ID); err != nil {
			return 0, fmt.Errorf("failed to remove blacklisted message %s: %w", msg.ID, err)
		}
		return e.record(ctx, msg, queue.ResultSkipped, "")
	}

	logger.Info("Sending message", "subject", msg.Envelope.Subject)
	err = e.send(ctx, msg, conn)

	switch {
	case err == nil:
		if err := e.store.Delete(ctx, msg.ID); err != nil {
			return 0, fmt.Errorf("failed to remove sent message %s: %w", msg.ID, err)
		}
		return e.record(ctx, msg, queue.ResultSent, "")

	case transport.IsClassified(err):
		if err := e.store.Defer(ctx, msg.ID, e.now()); err != nil {
			return 0, fmt.Errorf("failed to defer message %s: %w", msg.ID, err)
		}
		detail := logging.Sanitize(err.Error())
		logger.Warn("Message deferred due to failure", "error", detail)
		return e.record(ctx, msg, queue.ResultFailed, detail)

	default:
		return 0, err
	}
}

func (e *Engine) send(ctx context.Context, msg queue.Message, conn transport.Transport) error {
	if !conn.IsOpen() {
		if err := conn.Open(ctx); err != nil {
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				e.logger.Warn("Failed to close transport", "error", err)
			}
		}()
	}

	start := time.Now()
	err := conn.Send(ctx, msg.Envelope.From, []string{msg.Envelope.To}, msg.Envelope.Body)
	e.metrics.SendDuration.Observe(time.Since(start).Seconds())
	return err
}

func (e *Engine) isBlacklisted(ctx context.Context, addr string, blacklist queue.AddressSet) (bool, error) {
	if blacklist != nil {
		return blacklist.Contains(addr), nil
	}
	listed, err := e.blacklist.Contains(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return listed, nil
}

func (e *Engine) record(ctx context.Context, msg queue.Message, result queue.Result, detail string) (queue.Result, error) {
	entry := queue.LogEntry{
		MessageID: msg.ID,
		From:      msg.Envelope.From,
		To:        msg.Envelope.To,
		Subject:   msg.Envelope.Subject,
		Result:    result,
		Detail:    detail,
		CreatedAt: e.now(),
	}

	if !e.opts.DisableAuditLog {
		if err := e.audit.Append(ctx, entry); err != nil {
			return result, fmt.Errorf("failed to write log entry for message %s: %w", msg.ID, err)
		}
	}

	e.metrics.ObserveResult(result)
	if e.stats != nil {
		if err := e.stats.Record(ctx, entry); err != nil {
			e.logger.Warn("Failed to record delivery statistics", "error", err)
		}
	}
	return result, nil
}
