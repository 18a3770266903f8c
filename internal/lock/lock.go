// Package lock provides the named, cross-process lock that keeps two delivery
// sweeps from draining the queue at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyLocked is returned when the lock is held and the caller
	// asked not to wait.
	ErrAlreadyLocked = errors.New("lock already in place")
	// ErrLockTimeout is returned when the lock is still held after the
	// wait budget is spent.
	ErrLockTimeout = errors.New("timed out waiting for the lock")

	errHeld = errors.New("lock held")
)

// DefaultPollInterval is how often a waiting Acquire retries.
const DefaultPollInterval = 100 * time.Millisecond

// Handle releases an acquired lock. Release must be called exactly once.
type Handle interface {
	Release() error
}

// Locker hands out named locks.
//
// A timeout <= 0 makes a single attempt and fails with ErrAlreadyLocked if
// the lock is held. A positive timeout keeps retrying until the lock is
// free or the timeout elapses, then fails with ErrLockTimeout.
type Locker interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (Handle, error)
}

// Config selects and configures a lock backend
type Config struct {
	Backend  string // file, redis, memcached
	Dir      string // file backend lock directory
	Addr     string // redis or memcached server address
	Password string
	DB       int
	Prefix   string        // key prefix for network backends
	TTL      time.Duration // expiry of network locks, refreshed while held
}

// New creates the locker configured by cfg
func New(cfg Config) (Locker, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileLocker(cfg.Dir), nil
	case "redis":
		return NewRedisLocker(cfg), nil
	case "memcached":
		return NewMemcachedLocker(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
}

// acquire runs try until it succeeds, fails with something other than
// errHeld, or the wait budget runs out.
func acquire(ctx context.Context, timeout, poll time.Duration, try func() (Handle, error)) (Handle, error) {
	h, err := try()
	if !errors.Is(err, errHeld) {
		return h, err
	}
	if timeout <= 0 {
		return nil, ErrAlreadyLocked
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrLockTimeout
		case <-ticker.C:
			h, err := try()
			if !errors.Is(err, errHeld) {
				return h, err
			}
		}
	}
}

func pollInterval(timeout time.Duration) time.Duration {
	if timeout > 0 && timeout < DefaultPollInterval {
		return timeout / 2
	}
	return DefaultPollInterval
}
