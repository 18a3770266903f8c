package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
	"github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"

	"github.com/busybox42/mailq/internal/queue"
)

var statsTime = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*ValkeyStore, *mock.Client) {
	t.Helper()
	client := mock.NewClient(gomock.NewController(t))
	s := NewValkeyStoreWithClient(client, "")
	s.now = func() time.Time { return statsTime }
	return s, client
}

func okResults(n int) []valkey.ValkeyResult {
	out := make([]valkey.ValkeyResult, n)
	for i := range out {
		out[i] = mock.Result(mock.ValkeyInt64(1))
	}
	return out
}

func TestValkeyStoreRecordDeferral(t *testing.T) {
	s, client := newMockStore(t)
	hourKey := "mailq:stats:hourly:2024-03-09:14:deferred"

	gomock.InOrder(
		client.EXPECT().DoMulti(gomock.Any(),
			mock.Match("INCRBY", "mailq:stats:deferred", "1"),
			mock.Match("INCRBY", hourKey, "1"),
			mock.Match("EXPIRE", hourKey, "86400"),
			mock.Match("SET", "mailq:stats:last_updated", "2024-03-09T14:30:00Z"),
		).Return(okResults(4)),
		client.EXPECT().DoMulti(gomock.Any(),
			mock.Match("LPUSH", "mailq:stats:recent_errors",
				`{"message_id":"m1","recipient":"a@example.com","error":"connect: refused","timestamp":"2024-03-09T14:30:00Z"}`),
			mock.Match("LTRIM", "mailq:stats:recent_errors", "0", "99"),
		).Return(okResults(2)),
	)

	err := s.Record(context.Background(), queue.LogEntry{
		MessageID: "m1",
		To:        "a@example.com",
		Result:    queue.ResultFailed,
		Detail:    "connect: refused",
	})
	require.NoError(t, err)
}

func TestValkeyStoreRecordSent(t *testing.T) {
	s, client := newMockStore(t)
	hourKey := "mailq:stats:hourly:2024-03-09:14:sent"

	client.EXPECT().DoMulti(gomock.Any(),
		mock.Match("INCRBY", "mailq:stats:sent", "1"),
		mock.Match("INCRBY", hourKey, "1"),
		mock.Match("EXPIRE", hourKey, "86400"),
		mock.Match("SET", "mailq:stats:last_updated", "2024-03-09T14:30:00Z"),
	).Return(okResults(4))

	require.NoError(t, s.Record(context.Background(), queue.LogEntry{MessageID: "m1", Result: queue.ResultSent}))
}

func TestValkeyStoreRecordError(t *testing.T) {
	s, client := newMockStore(t)
	client.EXPECT().DoMulti(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]valkey.ValkeyResult{
			mock.ErrorResult(errors.New("connection reset")),
			mock.Result(mock.ValkeyInt64(1)),
			mock.Result(mock.ValkeyInt64(1)),
			mock.Result(mock.ValkeyString("OK")),
		})

	err := s.Record(context.Background(), queue.LogEntry{MessageID: "m1", Result: queue.ResultFailed})
	assert.EqualError(t, err, "connection reset")
}

func TestValkeyStoreRecordRequeued(t *testing.T) {
	s, client := newMockStore(t)

	// nothing requeued, nothing sent
	require.NoError(t, s.RecordRequeued(context.Background(), 0))

	client.EXPECT().DoMulti(gomock.Any(),
		mock.Match("INCRBY", "mailq:stats:requeued", "3"),
		mock.Match("SET", "mailq:stats:last_updated", "2024-03-09T14:30:00Z"),
	).Return(okResults(2))
	require.NoError(t, s.RecordRequeued(context.Background(), 3))
}

func TestValkeyStoreStats(t *testing.T) {
	s, client := newMockStore(t)
	get := func(key string, reply valkey.ValkeyMessage) {
		client.EXPECT().Do(gomock.Any(), mock.Match("GET", key)).Return(mock.Result(reply))
	}
	get("mailq:stats:sent", mock.ValkeyString("5"))
	get("mailq:stats:deferred", mock.ValkeyString("2"))
	get("mailq:stats:skipped", mock.ValkeyNil())
	get("mailq:stats:requeued", mock.ValkeyString("1"))
	get("mailq:stats:last_updated", mock.ValkeyString("2024-03-09T14:30:00Z"))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &DeliveryStats{
		Sent:        5,
		Deferred:    2,
		Requeued:    1,
		LastUpdated: statsTime,
	}, stats)
}

func TestValkeyStoreHourly(t *testing.T) {
	s, client := newMockStore(t)
	client.EXPECT().Do(gomock.Any(), mock.Match("GET", "mailq:stats:hourly:2024-03-09:14:sent")).
		Return(mock.Result(mock.ValkeyString("3")))
	client.EXPECT().Do(gomock.Any(), mock.Match("GET", "mailq:stats:hourly:2024-03-09:13:deferred")).
		Return(mock.Result(mock.ValkeyString("4")))
	client.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(mock.Result(mock.ValkeyNil())).AnyTimes()

	hours, err := s.Hourly(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []HourlyStats{
		{Hour: "13:00", Deferred: 4},
		{Hour: "14:00", Sent: 3},
	}, hours)
}

func TestValkeyStoreRecentErrors(t *testing.T) {
	s, client := newMockStore(t)
	client.EXPECT().Do(gomock.Any(), mock.Match("LRANGE", "mailq:stats:recent_errors", "0", "9")).
		Return(mock.Result(mock.ValkeyArray(
			mock.ValkeyString(`{"message_id":"m2","recipient":"b@example.com","error":"421 try later","timestamp":"2024-03-09T14:31:00Z"}`),
			mock.ValkeyString(`{"message_id":"m1","recipient":"a@example.com","error":"connect: refused","timestamp":"2024-03-09T14:30:00Z"}`),
		)))

	errs, err := s.RecentErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "m2", errs[0].MessageID)
	assert.Equal(t, "421 try later", errs[0].Error)
	assert.Equal(t, "a@example.com", errs[1].Recipient)
}
