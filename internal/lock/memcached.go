package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"
)

// MemcachedLocker keeps the lock as a memcached item created with the
// atomic add command.
type MemcachedLocker struct {
	client memcacheClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// memcacheClient is the part of *memcache.Client the locker uses
type memcacheClient interface {
	Add(item *memcache.Item) error
	Get(key string) (*memcache.Item, error)
	Delete(key string) error
	Touch(key string, seconds int32) error
}

// errLost means the key expired and another holder took it over
var errLost = errors.New("lock key now belongs to another holder")

// NewMemcachedLocker creates a memcached-backed locker from cfg
func NewMemcachedLocker(cfg Config) *MemcachedLocker {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:11211"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mailq:lock:"
	}
	ttl := cfg.TTL
	if ttl < time.Second {
		ttl = DefaultTTL
	}
	return &MemcachedLocker{
		client: memcache.New(addr),
		prefix: prefix,
		ttl:    ttl,
		logger: slog.Default().With("component", "memcached-lock"),
	}
}

// Key returns the memcached key used for name
func (l *MemcachedLocker) Key(name string) string {
	return l.prefix + name
}

// Acquire implements Locker
func (l *MemcachedLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	key := l.Key(name)
	seconds := int32(l.ttl / time.Second)

	return acquire(ctx, timeout, pollInterval(timeout), func() (Handle, error) {
		token := uuid.New().String()
		err := l.client.Add(&memcache.Item{Key: key, Value: []byte(token), Expiration: seconds})
		if errors.Is(err, memcache.ErrNotStored) {
			return nil, errHeld
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add lock key %s: %w", key, err)
		}

		h := &networkHandle{
			stop: make(chan struct{}),
			done: make(chan struct{}),
			release: func() error {
				if err := l.checkOwner(key, token); err != nil {
					if errors.Is(err, memcache.ErrCacheMiss) || errors.Is(err, errLost) {
						return nil
					}
					return err
				}
				return l.client.Delete(key)
			},
			refresh: func() error {
				if err := l.checkOwner(key, token); err != nil {
					return err
				}
				return l.client.Touch(key, seconds)
			},
			logger: l.logger.With("key", key),
		}
		go h.keepAlive(l.ttl / 3)
		return h, nil
	})
}

// checkOwner fails unless key still holds token. There is no compare and
// touch in the memcached protocol, so a takeover between the get and the
// touch is still possible; the window is one round trip.
func (l *MemcachedLocker) checkOwner(key, token string) error {
	item, err := l.client.Get(key)
	if err != nil {
		return err
	}
	if string(item.Value) != token {
		return errLost
	}
	return nil
}
