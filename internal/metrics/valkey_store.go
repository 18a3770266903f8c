package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/busybox42/mailq/internal/queue"
)

// StatsSink receives delivery outcomes for statistics shared between every
// worker that drains the same queue.
type StatsSink interface {
	Record(ctx context.Context, entry queue.LogEntry) error
	RecordRequeued(ctx context.Context, n int) error
}

// DeliveryStats holds cumulative delivery counts
type DeliveryStats struct {
	Sent        int64     `json:"sent"`
	Deferred    int64     `json:"deferred"`
	Skipped     int64     `json:"skipped"`
	Requeued    int64     `json:"requeued"`
	LastUpdated time.Time `json:"last_updated"`
}

// HourlyStats holds the counts for one hour
type HourlyStats struct {
	Hour     string `json:"hour"`
	Sent     int64  `json:"sent"`
	Deferred int64  `json:"deferred"`
	Skipped  int64  `json:"skipped"`
}

// RecentError is a deferral kept for operators
type RecentError struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

const (
	hourFormat      = "2006-01-02:15"
	recentErrorsMax = 100
)

// ValkeyStore keeps delivery statistics in valkey
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

var _ StatsSink = (*ValkeyStore)(nil)

// NewValkeyStore connects to a valkey server
func NewValkeyStore(addr, prefix string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", addr, err)
	}
	return NewValkeyStoreWithClient(client, prefix), nil
}

// NewValkeyStoreWithClient uses an existing client
func NewValkeyStoreWithClient(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = "mailq:stats:"
	}
	return &ValkeyStore{client: client, prefix: prefix, now: time.Now}
}

// Close closes the valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) counterKey(name string) string {
	return s.prefix + name
}

func (s *ValkeyStore) hourKey(t time.Time, name string) string {
	return s.prefix + "hourly:" + t.Format(hourFormat) + ":" + name
}

func (s *ValkeyStore) incrCounter(ctx context.Context, name string, n int64, hourly bool) error {
	now := s.now()
	cmds := []valkey.Completed{
		s.client.B().Incrby().Key(s.counterKey(name)).Increment(n).Build(),
	}
	if hourly {
		hourKey := s.hourKey(now, name)
		cmds = append(cmds,
			s.client.B().Incrby().Key(hourKey).Increment(n).Build(),
			s.client.B().Expire().Key(hourKey).Seconds(86400).Build(), // 24h TTL
		)
	}
	cmds = append(cmds, s.client.B().Set().Key(s.counterKey("last_updated")).Value(now.Format(time.RFC3339)).Build())

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Record counts one processed message. Deferrals are also kept in the
// recent errors list.
func (s *ValkeyStore) Record(ctx context.Context, entry queue.LogEntry) error {
	if err := s.incrCounter(ctx, entry.Result.String(), 1, true); err != nil {
		return err
	}
	if entry.Result == queue.ResultFailed {
		return s.AddRecentError(ctx, entry.MessageID, entry.To, entry.Detail)
	}
	return nil
}

// RecordRequeued counts messages placed back in the queue
func (s *ValkeyStore) RecordRequeued(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return s.incrCounter(ctx, "requeued", int64(n), false)
}

// Stats retrieves the cumulative counts
func (s *ValkeyStore) Stats(ctx context.Context) (*DeliveryStats, error) {
	stats := &DeliveryStats{}
	get := func(name string) string {
		v, _ := s.client.Do(ctx, s.client.B().Get().Key(s.counterKey(name)).Build()).ToString()
		return v
	}

	stats.Sent = parseCounter(get(queue.ResultSent.String()))
	stats.Deferred = parseCounter(get(queue.ResultFailed.String()))
	stats.Skipped = parseCounter(get(queue.ResultSkipped.String()))
	stats.Requeued = parseCounter(get("requeued"))
	stats.LastUpdated, _ = time.Parse(time.RFC3339, get("last_updated"))

	return stats, nil
}

// Hourly retrieves per-hour counts for the last hours hours, oldest first
func (s *ValkeyStore) Hourly(ctx context.Context, hours int) ([]HourlyStats, error) {
	if hours <= 0 || hours > 24 {
		hours = 24
	}
	stats := make([]HourlyStats, hours)
	now := s.now()

	for i := 0; i < hours; i++ {
		hour := now.Add(-time.Duration(hours-1-i) * time.Hour)
		get := func(r queue.Result) int64 {
			v, _ := s.client.Do(ctx, s.client.B().Get().Key(s.hourKey(hour, r.String())).Build()).ToString()
			return parseCounter(v)
		}
		stats[i] = HourlyStats{
			Hour:     hour.Format("15:00"),
			Sent:     get(queue.ResultSent),
			Deferred: get(queue.ResultFailed),
			Skipped:  get(queue.ResultSkipped),
		}
	}

	return stats, nil
}

// AddRecentError stores a deferral, keeping the newest hundred
func (s *ValkeyStore) AddRecentError(ctx context.Context, messageID, recipient, detail string) error {
	data, err := json.Marshal(RecentError{
		MessageID: messageID,
		Recipient: recipient,
		Error:     detail,
		Timestamp: s.now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.counterKey("recent_errors")
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(recentErrorsMax-1).Build(),
	) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecentErrors retrieves the newest deferrals
func (s *ValkeyStore) RecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	key := s.counterKey("recent_errors")
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}
	return decodeRecentErrors(result), nil
}

func decodeRecentErrors(items []string) []RecentError {
	out := make([]RecentError, 0, len(items))
	for _, item := range items {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
