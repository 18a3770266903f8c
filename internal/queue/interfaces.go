package queue

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	// ErrMessageNotConsumed is returned by the iterator when a yielded
	// message comes back in a later block, meaning it was neither deleted
	// nor deferred and the sweep would never terminate.
	ErrMessageNotConsumed = errors.New("queued message was neither deleted nor deferred")
)

// QueueStore defines the durable queue table.
type QueueStore interface {
	// Insert stores a new active message. ID, QueuedAt and CreatedAt are
	// filled in when empty.
	Insert(ctx context.Context, msg *Message) error

	// Get retrieves a single message by ID
	Get(ctx context.Context, id string) (Message, error)

	// NonDeferred lists active messages ordered by priority then queue time.
	// A limit <= 0 returns all of them.
	NonDeferred(ctx context.Context, limit int) ([]Message, error)

	// Deferred lists deferred messages with at most maxRetries retries.
	// A negative maxRetries disables the filter.
	Deferred(ctx context.Context, maxRetries int) ([]Message, error)

	Delete(ctx context.Context, id string) error

	// Defer marks the message deferred at the given time and increments
	// its retry count.
	Defer(ctx context.Context, id string, at time.Time) error

	// Requeue clears the deferred mark on every deferred message with at
	// most maxRetries retries (negative = all) and increments their retry
	// count. A persistable priority replaces the stored one.
	Requeue(ctx context.Context, maxRetries int, priority Priority) (int, error)

	SetPriority(ctx context.Context, ids []string, priority Priority) error

	CountNonDeferred(ctx context.Context) (int, error)
	CountDeferred(ctx context.Context) (int, error)
	CountByPriority(ctx context.Context) (map[Priority]int, error)
}

// BlacklistStore holds suppressed recipient addresses.
type BlacklistStore interface {
	Contains(ctx context.Context, address string) (bool, error)
	All(ctx context.Context) ([]string, error)
	Add(ctx context.Context, address string) error
	Remove(ctx context.Context, address string) error
	List(ctx context.Context) ([]BlacklistEntry, error)
}

// AuditLog is the append-only record of delivery outcomes.
type AuditLog interface {
	Append(ctx context.Context, entry LogEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]LogEntry, error)
}

// Store bundles the three tables a delivery engine works against.
type Store interface {
	QueueStore
	Blacklist() BlacklistStore
	Log() AuditLog
	Close() error
}
