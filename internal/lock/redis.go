package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block other sweeps when
// the lock lives on a network server.
const DefaultTTL = 5 * time.Minute

var (
	// Only the holder's token may extend or delete the key.
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker keeps the lock as a redis key, letting sweeps on several
// hosts that share one redis exclude each other.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a redis-backed locker from cfg
func NewRedisLocker(cfg Config) *RedisLocker {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisLockerWithClient(client, cfg.Prefix, cfg.TTL)
}

// NewRedisLockerWithClient creates a locker on an existing client
func NewRedisLockerWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "mailq:lock:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: slog.Default().With("component", "redis-lock"),
	}
}

// Key returns the redis key used for name
func (l *RedisLocker) Key(name string) string {
	return l.prefix + name
}

// Acquire implements Locker
func (l *RedisLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	key := l.Key(name)
	return acquire(ctx, timeout, pollInterval(timeout), func() (Handle, error) {
		token := uuid.New().String()
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to set lock key %s: %w", key, err)
		}
		if !ok {
			return nil, errHeld
		}

		h := &networkHandle{
			stop: make(chan struct{}),
			done: make(chan struct{}),
			release: func() error {
				return releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
			},
			refresh: func() error {
				return refreshScript.Run(context.Background(), l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
			},
			logger: l.logger.With("key", key),
		}
		go h.keepAlive(l.ttl / 3)
		return h, nil
	})
}
