// Package mailer is how callers hand messages to mailq. A QueueSender stores
// one queue row per recipient for the delivery worker; a DirectSender hands
// the message straight to the transport.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// Sender modes
const (
	ModeQueue  = "queue"
	ModeDirect = "direct"
)

// ErrNoRecipients is returned when a message names nobody to deliver to.
var ErrNoRecipients = errors.New("message has no recipients")

// Sender accepts a message for delivery to recipients and returns how many
// deliveries it accepted.
type Sender interface {
	Send(ctx context.Context, env queue.Envelope, recipients []string, priority queue.Priority) (int, error)
}

// DirectSender delivers synchronously through a transport.
type DirectSender struct {
	transport transport.Transport
	logger    *slog.Logger
}

// NewDirectSender creates a sender that bypasses the queue
func NewDirectSender(tr transport.Transport) *DirectSender {
	return &DirectSender{
		transport: tr,
		logger:    slog.Default().With("component", "direct-sender"),
	}
}

// EnqueueImmediate opens the transport, sends env to recipients in one
// transaction and closes it again. The transport's error is returned as is;
// nothing is queued or written to the audit log.
func (d *DirectSender) EnqueueImmediate(ctx context.Context, env queue.Envelope, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	if !d.transport.IsOpen() {
		if err := d.transport.Open(ctx); err != nil {
			return err
		}
		defer func() {
			if err := d.transport.Close(); err != nil {
				d.logger.Warn("Failed to close transport", "error", err)
			}
		}()
	}

	if err := d.transport.Send(ctx, env.From, recipients, env.Body); err != nil {
		return err
	}
	d.logger.Info("Message sent immediately", "recipients", len(recipients), "subject", env.Subject)
	return nil
}

// Send delivers immediately whatever the priority.
func (d *DirectSender) Send(ctx context.Context, env queue.Envelope, recipients []string, priority queue.Priority) (int, error) {
	if err := d.EnqueueImmediate(ctx, env, recipients); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// QueueSender stores messages for the delivery worker. PriorityNow
// messages go to its DirectSender instead.
type QueueSender struct {
	store  queue.QueueStore
	direct *DirectSender
	logger *slog.Logger
}

// NewQueueSender creates a queueing sender over store. tr serves
// PriorityNow messages.
func NewQueueSender(store queue.QueueStore, tr transport.Transport) *QueueSender {
	return &QueueSender{
		store:  store,
		direct: NewDirectSender(tr),
		logger: slog.Default().With("component", "queue-sender"),
	}
}

// Enqueue inserts one queue row per distinct recipient and returns the
// number of rows written.
func (q *QueueSender) Enqueue(ctx context.Context, env queue.Envelope, recipients []string, priority queue.Priority) (int, error) {
	if priority == queue.PriorityNow {
		if err := q.direct.EnqueueImmediate(ctx, env, recipients); err != nil {
			return 0, err
		}
		return len(recipients), nil
	}
	if !priority.Persistable() {
		return 0, fmt.Errorf("priority %s cannot be queued", priority)
	}
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}

	seen := make(map[string]bool, len(recipients))
	count := 0
	for _, rcpt := range recipients {
		key := queue.NormalizeAddress(rcpt)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		msg := queue.Message{Envelope: env, Priority: priority}
		msg.Envelope.To = rcpt
		if err := q.store.Insert(ctx, &msg); err != nil {
			return count, fmt.Errorf("failed to queue message for %s: %w", rcpt, err)
		}
		q.logger.Debug("Message queued", "message_id", msg.ID, "to", rcpt, "priority", priority.String())
		count++
	}
	return count, nil
}

// Send queues the message.
func (q *QueueSender) Send(ctx context.Context, env queue.Envelope, recipients []string, priority queue.Priority) (int, error) {
	return q.Enqueue(ctx, env, recipients, priority)
}

// New returns the Sender for mode.
func New(mode string, store queue.QueueStore, tr transport.Transport) (Sender, error) {
	switch mode {
	case ModeQueue, "":
		return NewQueueSender(store, tr), nil
	case ModeDirect:
		return NewDirectSender(tr), nil
	default:
		return nil, fmt.Errorf("unsupported sender mode: %s", mode)
	}
}
