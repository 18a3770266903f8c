package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker takes advisory flock(2) locks on files in a directory. The
// kernel drops the lock when the holding process exits, so a crashed sweep
// never leaves a stale lock behind.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a locker rooted at dir, defaulting to the system
// temporary directory.
func NewFileLocker(dir string) *FileLocker {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileLocker{dir: dir}
}

// Path returns the lock file used for name
func (l *FileLocker) Path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

// Acquire implements Locker
func (l *FileLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := l.Path(name)
	return acquire(ctx, timeout, pollInterval(timeout), func() (Handle, error) {
		return l.try(path)
	})
}

func (l *FileLocker) try(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// Record the holder for operators; failure here does not matter.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &fileHandle{f: f}, nil
}

type fileHandle struct {
	once sync.Once
	f    *os.File
}

func (h *fileHandle) Release() error {
	err := errors.New("lock already released")
	h.once.Do(func() {
		err = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
		if cerr := h.f.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
