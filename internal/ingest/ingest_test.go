package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
)

type memSink struct {
	mu       sync.Mutex
	locs     []models.LocationEvent
	statuses []models.StatusEvent
	err      error
	block    chan struct{}
}

func (m *memSink) AppendLocationEvent(_ context.Context, ev models.LocationEvent) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locs = append(m.locs, ev)
	return m.err
}

func (m *memSink) AppendStatusEvent(_ context.Context, ev models.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, ev)
	return m.err
}

func (m *memSink) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locs), len(m.statuses)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	inner := &memSink{}
	a := NewAsync("mem", inner, 16, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.AppendLocationEvent(ctx, models.LocationEvent{TripID: "t1", TimestampMs: int64(i)}))
	}
	require.NoError(t, a.AppendStatusEvent(ctx, models.StatusEvent{TripID: "t1", Status: models.StatusAccepted}))
	require.NoError(t, a.Close(ctx))

	locs, statuses := inner.counts()
	assert.Equal(t, 5, locs)
	assert.Equal(t, 1, statuses)
	for i, ev := range inner.locs {
		assert.Equal(t, int64(i), ev.TimestampMs)
	}
}

func TestAsyncSwallowsSinkFailures(t *testing.T) {
	inner := &memSink{err: errors.New("broker down")}
	a := NewAsync("mem", inner, 4, nil)
	assert.NoError(t, a.AppendStatusEvent(context.Background(), models.StatusEvent{TripID: "t1"}))
	require.NoError(t, a.Close(context.Background()))
	_, statuses := inner.counts()
	assert.Equal(t, 1, statuses)
}

func TestAsyncDropsWhenFull(t *testing.T) {
	inner := &memSink{block: make(chan struct{})}
	a := NewAsync("mem", inner, 2, nil)
	ctx := context.Background()

	var full int
	for i := 0; i < 10; i++ {
		if err := a.AppendLocationEvent(ctx, models.LocationEvent{TripID: "t1"}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 7, "at most one in flight plus two queued")
	close(inner.block)
	require.NoError(t, a.Close(ctx))
	assert.NoError(t, a.AppendLocationEvent(ctx, models.LocationEvent{TripID: "t1"}), "appends after close are ignored")
}

func TestAsyncCloseHonoursContext(t *testing.T) {
	inner := &memSink{block: make(chan struct{})}
	defer close(inner.block)
	a := NewAsync("mem", inner, 2, nil)
	require.NoError(t, a.AppendLocationEvent(context.Background(), models.LocationEvent{TripID: "t1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &memSink{}
	bad := &memSink{err: errors.New("nope")}
	m := Multi{ok, bad, Discard{}}
	err := m.AppendLocationEvent(context.Background(), models.LocationEvent{TripID: "t1"})
	assert.ErrorContains(t, err, "nope")
	locs, _ := ok.counts()
	assert.Equal(t, 1, locs)
	assert.NoError(t, Multi{ok}.AppendStatusEvent(context.Background(), models.StatusEvent{}))
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkKeysByTrip(t *testing.T) {
	locs, statuses := &fakeWriter{}, &fakeWriter{}
	k := &KafkaSink{locations: locs, statuses: statuses}
	ctx := context.Background()

	require.NoError(t, k.AppendLocationEvent(ctx, models.LocationEvent{TripID: "t1", Lat: 1, Lon: 2, TimestampMs: 42}))
	require.NoError(t, k.AppendStatusEvent(ctx, models.StatusEvent{TripID: "t1", Status: models.StatusArrived, TimestampMs: 43}))

	require.Len(t, locs.msgs, 1)
	assert.Equal(t, "t1", string(locs.msgs[0].Key))
	var got map[string]any
	require.NoError(t, json.Unmarshal(locs.msgs[0].Value, &got))
	assert.Equal(t, "t1", got["tripId"])
	assert.EqualValues(t, 42, got["timestampMs"])

	require.Len(t, statuses.msgs, 1)
	assert.Contains(t, string(statuses.msgs[0].Value), `"status":"arrived"`)

	require.NoError(t, k.Close())
	assert.True(t, locs.closed)
	assert.True(t, statuses.closed)
}
