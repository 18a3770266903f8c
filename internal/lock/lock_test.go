package lock

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockerContention(t *testing.T) {
	ctx := context.Background()
	l := NewFileLocker(t.TempDir())

	h, err := l.Acquire(ctx, "send_mail", -1)
	require.NoError(t, err)

	data, err := os.ReadFile(l.Path("send_mail"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	_, err = l.Acquire(ctx, "send_mail", -1)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = l.Acquire(ctx, "send_mail", 0)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// Different names do not contend.
	other, err := l.Acquire(ctx, "other", -1)
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, h.Release())
	assert.Error(t, h.Release(), "second release must fail")

	h, err = l.Acquire(ctx, "send_mail", -1)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestFileLockerTimeout(t *testing.T) {
	ctx := context.Background()
	l := NewFileLocker(t.TempDir())

	h, err := l.Acquire(ctx, "send_mail", -1)
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = l.Acquire(ctx, "send_mail", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFileLockerWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := NewFileLocker(t.TempDir())

	h, err := l.Acquire(ctx, "send_mail", -1)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Release()
	}()

	h2, err := l.Acquire(ctx, "send_mail", 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestAcquireContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := acquire(ctx, time.Minute, 5*time.Millisecond, func() (Handle, error) {
		return nil, errHeld
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquirePropagatesBackendErrors(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := acquire(context.Background(), time.Second, time.Millisecond, func() (Handle, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAcquireRetriesUntilFree(t *testing.T) {
	var attempts int32
	h, err := acquire(context.Background(), time.Second, time.Millisecond, func() (Handle, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errHeld
		}
		return &networkHandle{}, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, DefaultPollInterval, pollInterval(-1))
	assert.Equal(t, DefaultPollInterval, pollInterval(time.Minute))
	assert.Equal(t, 25*time.Millisecond, pollInterval(50*time.Millisecond))
}

func TestNetworkHandleRefreshesAndReleases(t *testing.T) {
	var refreshed, released int32
	h := &networkHandle{
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		refresh: func() error { atomic.AddInt32(&refreshed, 1); return nil },
		release: func() error { atomic.AddInt32(&released, 1); return nil },
	}
	go h.keepAlive(5 * time.Millisecond)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&refreshed) >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Release())
	assert.Error(t, h.Release())
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
}

type fakeMemcache struct {
	mu      sync.Mutex
	items   map[string]string
	touched []string
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.Key]; ok {
		return memcache.ErrNotStored
	}
	f.items[item.Key] = string(item.Value)
	return nil
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: []byte(v)}, nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return nil
}

func (f *fakeMemcache) Touch(key string, seconds int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, key)
	return nil
}

func (f *fakeMemcache) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
}

func (f *fakeMemcache) touches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touched)
}

func newFakeMemcachedLocker() (*MemcachedLocker, *fakeMemcache) {
	fake := &fakeMemcache{items: make(map[string]string)}
	l := NewMemcachedLocker(Config{})
	l.client = fake
	return l, fake
}

func TestMemcachedLockerRefreshesOwnKey(t *testing.T) {
	l, fake := newFakeMemcachedLocker()
	h, err := l.Acquire(context.Background(), "send_mail", 0)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "send_mail", 0)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	require.NoError(t, h.(*networkHandle).refresh())
	assert.Equal(t, 1, fake.touches())

	require.NoError(t, h.Release())
	_, err = fake.Get("mailq:lock:send_mail")
	assert.ErrorIs(t, err, memcache.ErrCacheMiss)
}

func TestMemcachedLockerLeavesTakenOverKeyAlone(t *testing.T) {
	l, fake := newFakeMemcachedLocker()
	h, err := l.Acquire(context.Background(), "send_mail", 0)
	require.NoError(t, err)

	// the key expired and another sweep added it
	fake.set("mailq:lock:send_mail", "other-holder")

	assert.ErrorIs(t, h.(*networkHandle).refresh(), errLost)
	assert.Zero(t, fake.touches())

	require.NoError(t, h.Release())
	item, err := fake.Get("mailq:lock:send_mail")
	require.NoError(t, err)
	assert.Equal(t, "other-holder", string(item.Value))
}

func TestNew(t *testing.T) {
	l, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileLocker{}, l)

	l, err = New(Config{Backend: "redis", Prefix: "q:"})
	require.NoError(t, err)
	rl := l.(*RedisLocker)
	assert.Equal(t, "q:send_mail", rl.Key("send_mail"))
	assert.Equal(t, DefaultTTL, rl.ttl)

	l, err = New(Config{Backend: "memcached", TTL: time.Minute})
	require.NoError(t, err)
	ml := l.(*MemcachedLocker)
	assert.Equal(t, "mailq:lock:send_mail", ml.Key("send_mail"))
	assert.Equal(t, time.Minute, ml.ttl)

	_, err = New(Config{Backend: "zookeeper"})
	assert.Error(t, err)
}
