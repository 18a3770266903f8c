package lock

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// networkHandle is a lock held on a server. The key has an expiry so a
// crashed holder cannot block forever; keepAlive extends it while the
// sweep is still running.
type networkHandle struct {
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
	release func() error
	refresh func() error
	logger  *slog.Logger
}

func (h *networkHandle) keepAlive(every time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.refresh(); err != nil {
				h.logger.Warn("failed to refresh lock expiry", "error", err)
			}
		}
	}
}

func (h *networkHandle) Release() error {
	err := errors.New("lock already released")
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		err = h.release()
	})
	return err
}
