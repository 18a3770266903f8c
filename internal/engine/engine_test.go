package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/datasource"
	"github.com/busybox42/mailq/internal/lock"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

type sentMail struct {
	from string
	to   []string
	raw  []byte
}

// stubTransport records what it is asked to do. sendErr, when set, decides
// the outcome per recipient.
type stubTransport struct {
	open    bool
	opens   int
	closes  int
	openErr error
	sendErr func(to string) error
	sent    []sentMail
}

func (s *stubTransport) Open(ctx context.Context) error {
	if s.open {
		return nil
	}
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	s.opens++
	return nil
}

func (s *stubTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if s.sendErr != nil {
		if err := s.sendErr(to[0]); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, sentMail{from: from, to: to, raw: raw})
	return nil
}

func (s *stubTransport) Close() error {
	if s.open {
		s.closes++
	}
	s.open = false
	return nil
}

func (s *stubTransport) IsOpen() bool { return s.open }

func (s *stubTransport) recipients() []string {
	var out []string
	for _, m := range s.sent {
		out = append(out, m.to...)
	}
	return out
}

var connectionRefused = &transport.DeliveryError{Kind: transport.KindConnect, Err: errors.New("dial tcp: connection refused")}

type harness struct {
	store   *datasource.Memory
	tr      *stubTransport
	locker  *lock.FileLocker
	metrics *metrics.Metrics
	logs    *bytes.Buffer
	engine  *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   datasource.NewMemory(),
		tr:      &stubTransport{},
		locker:  lock.NewFileLocker(t.TempDir()),
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.engine = New(h.store, h.tr, h.locker, opts, WithMetrics(h.metrics), WithLogger(logger))
	return h
}

func (h *harness) enqueue(t *testing.T, to string, p queue.Priority) queue.Message {
	t.Helper()
	msg := queue.Message{
		Envelope: queue.Envelope{
			From:    "noreply@example.com",
			To:      to,
			Subject: "Hello " + to,
			Body:    []byte("Subject: Hello\r\n\r\nbody\r\n"),
		},
		Priority: p,
	}
	require.NoError(t, h.store.Insert(context.Background(), &msg))
	return msg
}

func (h *harness) logEntries(t *testing.T) []queue.LogEntry {
	t.Helper()
	entries, err := h.store.Log().Recent(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

func (h *harness) count(t *testing.T) (active, deferred int) {
	t.Helper()
	ctx := context.Background()
	active, err := h.store.CountNonDeferred(ctx)
	require.NoError(t, err)
	deferred, err = h.store.CountDeferred(ctx)
	require.NoError(t, err)
	return active, deferred
}

func TestDeliverSkipsBlacklisted(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	msg := h.enqueue(t, "Blocked@Example.com", queue.PriorityNormal)

	result, err := h.engine.Deliver(ctx, msg, h.tr, queue.NewAddressSet([]string{"blocked@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSkipped, result)

	_, err = h.store.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Zero(t, h.tr.opens, "skipped messages never touch the transport")

	entries := h.logEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.ResultSkipped, entries[0].Result)
	assert.Equal(t, msg.ID, entries[0].MessageID)
}

func TestDeliverChecksStoreWithoutSnapshot(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, h.store.Blacklist().Add(ctx, "blocked@example.com"))
	msg := h.enqueue(t, "blocked@example.com", queue.PriorityNormal)

	result, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSkipped, result)
	assert.Empty(t, h.tr.sent)
}

func TestDeliverSent(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	msg := h.enqueue(t, "user@example.com", queue.PriorityNormal)

	result, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSent, result)

	_, err = h.store.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	require.Len(t, h.tr.sent, 1)
	assert.Equal(t, "noreply@example.com", h.tr.sent[0].from)
	assert.Equal(t, []string{"user@example.com"}, h.tr.sent[0].to)
	assert.Equal(t, msg.Envelope.Body, h.tr.sent[0].raw)

	// Deliver opened the connection, so Deliver closed it.
	assert.Equal(t, 1, h.tr.opens)
	assert.Equal(t, 1, h.tr.closes)
	assert.False(t, h.tr.IsOpen())

	entries := h.logEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.ResultSent, entries[0].Result)
	assert.Equal(t, msg.ID, entries[0].MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Processed.WithLabelValues("sent")))
}

func TestDeliverKeepsCallerConnectionOpen(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	msg := h.enqueue(t, "user@example.com", queue.PriorityNormal)
	require.NoError(t, h.tr.Open(ctx))

	_, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	require.NoError(t, err)
	assert.True(t, h.tr.IsOpen())
	assert.Zero(t, h.tr.closes)
}

func TestDeliverDefersClassifiedFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	msg := h.enqueue(t, "gone@example.com", queue.PriorityNormal)
	h.tr.sendErr = func(string) error {
		return &transport.DeliveryError{
			Kind: transport.KindRecipientRefused,
			Err:  &textproto.Error{Code: 550, Msg: "5.1.1 no such user\r\nX-Injected: 1"},
		}
	}

	result, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultFailed, result)

	got, err := h.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeferred())
	assert.Equal(t, msg.Retries+1, got.Retries)

	entries := h.logEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.ResultFailed, entries[0].Result)
	assert.Contains(t, entries[0].Detail, "no such user")
	assert.NotContains(t, entries[0].Detail, "\n")
}

func TestDeliverPropagatesUnclassifiedFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	msg := h.enqueue(t, "user@example.com", queue.PriorityNormal)
	boom := errors.New("554 message content rejected")
	h.tr.sendErr = func(string) error { return boom }

	_, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	assert.ErrorIs(t, err, boom)

	got, err := h.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDeferred())
	assert.Zero(t, got.Retries)
	assert.Empty(t, h.logEntries(t))
	assert.False(t, h.tr.IsOpen(), "the connection Deliver opened is closed on every path")
}

func TestDeliverWithoutAuditLog(t *testing.T) {
	opts := DefaultOptions()
	opts.DisableAuditLog = true
	h := newHarness(t, opts)
	msg := h.enqueue(t, "user@example.com", queue.PriorityNormal)

	result, err := h.engine.Deliver(context.Background(), msg, h.tr, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSent, result)
	assert.Empty(t, h.logEntries(t))
}

type recordingStats struct {
	entries  []queue.LogEntry
	requeued int
}

func (r *recordingStats) Record(ctx context.Context, e queue.LogEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingStats) RecordRequeued(ctx context.Context, n int) error {
	r.requeued += n
	return nil
}

func TestDeliverReportsStats(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	stats := &recordingStats{}
	h.engine = New(h.store, h.tr, h.locker, DefaultOptions(), WithMetrics(h.metrics), WithStats(stats))
	ctx := context.Background()

	msg := h.enqueue(t, "user@example.com", queue.PriorityNormal)
	_, err := h.engine.Deliver(ctx, msg, h.tr, nil)
	require.NoError(t, err)

	require.Len(t, stats.entries, 1)
	assert.Equal(t, queue.ResultSent, stats.entries[0].Result)

	msg = h.enqueue(t, "later@example.com", queue.PriorityNormal)
	require.NoError(t, h.store.Defer(ctx, msg.ID, time.Now()))
	_, err = h.engine.RetryDeferred(ctx, -1, queue.PriorityNow)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.requeued)
}
