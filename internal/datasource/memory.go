package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

// Memory implements queue.Store in process memory. It is used by tests and
// by the "memory" datasource type for throwaway runs.
type Memory struct {
	mu        sync.RWMutex
	seq       int64
	messages  map[string]*memoryMessage
	blacklist map[string]time.Time
	log       []queue.LogEntry
	now       func() time.Time
}

type memoryMessage struct {
	seq int64
	msg queue.Message
}

var _ queue.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]*memoryMessage),
		blacklist: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

// Blacklist returns the blacklist table
func (m *Memory) Blacklist() queue.BlacklistStore { return memoryBlacklist{m} }

// Log returns the audit log table
func (m *Memory) Log() queue.AuditLog { return memoryLog{m} }

func (m *Memory) Insert(ctx context.Context, msg *queue.Message) error {
	if msg.Envelope.To == "" {
		return fmt.Errorf("%w: message has no recipient", ErrInvalidInput)
	}
	if !msg.Priority.Persistable() {
		return fmt.Errorf("%w: priority %s cannot be queued", ErrInvalidInput, msg.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fillDefaults(msg, m.now())
	if _, exists := m.messages[msg.ID]; exists {
		return fmt.Errorf("%w: duplicate message id %s", ErrInvalidInput, msg.ID)
	}
	m.seq++
	m.messages[msg.ID] = &memoryMessage{seq: m.seq, msg: copyMessage(*msg)}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (queue.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mm, ok := m.messages[id]
	if !ok {
		return queue.Message{}, queue.ErrNotFound
	}
	return copyMessage(mm.msg), nil
}

func (m *Memory) NonDeferred(ctx context.Context, limit int) ([]queue.Message, error) {
	return m.selectMessages(limit, func(msg queue.Message) bool { return !msg.IsDeferred() }), nil
}

func (m *Memory) Deferred(ctx context.Context, maxRetries int) ([]queue.Message, error) {
	return m.selectMessages(0, func(msg queue.Message) bool {
		return msg.IsDeferred() && (maxRetries < 0 || msg.Retries <= maxRetries)
	}), nil
}

func (m *Memory) selectMessages(limit int, keep func(queue.Message) bool) []queue.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	selected := make([]*memoryMessage, 0, len(m.messages))
	for _, mm := range m.messages {
		if keep(mm.msg) {
			selected = append(selected, mm)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.msg.Priority != b.msg.Priority {
			return a.msg.Priority < b.msg.Priority
		}
		if !a.msg.QueuedAt.Equal(b.msg.QueuedAt) {
			return a.msg.QueuedAt.Before(b.msg.QueuedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	out := make([]queue.Message, len(selected))
	for i, mm := range selected {
		out[i] = copyMessage(mm.msg)
	}
	return out
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) Defer(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	mm.msg.Deferred = &at
	mm.msg.Retries++
	return nil
}

func (m *Memory) Requeue(ctx context.Context, maxRetries int, priority queue.Priority) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, mm := range m.messages {
		if !mm.msg.IsDeferred() || (maxRetries >= 0 && mm.msg.Retries > maxRetries) {
			continue
		}
		mm.msg.Deferred = nil
		mm.msg.Retries++
		if priority.Persistable() {
			mm.msg.Priority = priority
		}
		count++
	}
	return count, nil
}

func (m *Memory) SetPriority(ctx context.Context, ids []string, priority queue.Priority) error {
	if !priority.Persistable() {
		return fmt.Errorf("%w: priority %s cannot be queued", ErrInvalidInput, priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if mm, ok := m.messages[id]; ok {
			mm.msg.Priority = priority
		}
	}
	return nil
}

func (m *Memory) CountNonDeferred(ctx context.Context) (int, error) {
	return m.countWhere(func(msg queue.Message) bool { return !msg.IsDeferred() }), nil
}

func (m *Memory) CountDeferred(ctx context.Context) (int, error) {
	return m.countWhere(queue.Message.IsDeferred), nil
}

func (m *Memory) CountByPriority(ctx context.Context) (map[queue.Priority]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[queue.Priority]int)
	for _, mm := range m.messages {
		if !mm.msg.IsDeferred() {
			counts[mm.msg.Priority]++
		}
	}
	return counts, nil
}

func (m *Memory) countWhere(keep func(queue.Message) bool) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, mm := range m.messages {
		if keep(mm.msg) {
			n++
		}
	}
	return n
}

func copyMessage(msg queue.Message) queue.Message {
	if msg.Deferred != nil {
		t := *msg.Deferred
		msg.Deferred = &t
	}
	if msg.Envelope.Body != nil {
		msg.Envelope.Body = append([]byte(nil), msg.Envelope.Body...)
	}
	return msg
}

type memoryBlacklist struct{ m *Memory }

func (b memoryBlacklist) Contains(ctx context.Context, address string) (bool, error) {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()
	_, ok := b.m.blacklist[queue.NormalizeAddress(address)]
	return ok, nil
}

func (b memoryBlacklist) All(ctx context.Context) ([]string, error) {
	entries, _ := b.List(ctx)
	addrs := make([]string, len(entries))
	for i, e := range entries {
		addrs[i] = e.Address
	}
	return addrs, nil
}

func (b memoryBlacklist) Add(ctx context.Context, address string) error {
	address = queue.NormalizeAddress(address)
	if address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidInput)
	}

	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if _, ok := b.m.blacklist[address]; !ok {
		b.m.blacklist[address] = b.m.now()
	}
	return nil
}

func (b memoryBlacklist) Remove(ctx context.Context, address string) error {
	address = queue.NormalizeAddress(address)

	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if _, ok := b.m.blacklist[address]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, address)
	}
	delete(b.m.blacklist, address)
	return nil
}

func (b memoryBlacklist) List(ctx context.Context) ([]queue.BlacklistEntry, error) {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()

	entries := make([]queue.BlacklistEntry, 0, len(b.m.blacklist))
	for addr, added := range b.m.blacklist {
		entries = append(entries, queue.BlacklistEntry{Address: addr, AddedAt: added})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AddedAt.After(entries[j].AddedAt)
	})
	return entries, nil
}

type memoryLog struct{ m *Memory }

func (l memoryLog) Append(ctx context.Context, e queue.LogEntry) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.m.now()
	}
	e.ID = int64(len(l.m.log) + 1)
	l.m.log = append(l.m.log, e)
	return nil
}

func (l memoryLog) Recent(ctx context.Context, limit int) ([]queue.LogEntry, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()

	n := len(l.m.log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]queue.LogEntry, 0, n)
	for i := len(l.m.log) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.m.log[i])
	}
	return out, nil
}
