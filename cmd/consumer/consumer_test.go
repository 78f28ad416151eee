package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastKey  string
	lastLoc  *redis.GeoLocation
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.lastLoc = loc
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey = key
	f.lastMeta = values
	return nil
}

type fakeStore struct {
	locations []models.LocationEvent
	statuses  []models.StatusEvent
	moved     map[string]models.Coord
}

func (s *fakeStore) AppendLocationEvent(_ context.Context, ev models.LocationEvent) error {
	s.locations = append(s.locations, ev)
	return nil
}

func (s *fakeStore) AppendStatusEvent(_ context.Context, ev models.StatusEvent) error {
	s.statuses = append(s.statuses, ev)
	return nil
}

func (s *fakeStore) UpdateMoverPosition(_ context.Context, moverID string, c models.Coord, _ time.Time) error {
	if s.moved == nil {
		s.moved = make(map[string]models.Coord)
	}
	s.moved[moverID] = c
	return nil
}

func event() models.LocationEvent {
	return models.LocationEvent{TripID: "t1", MoverID: "m1", Lat: 1, Lon: 2, TimestampMs: 1700000000000}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "movers_geo", event(), 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, geo.MetaKey("m1"), f.lastKey)
	assert.Equal(t, "t1", f.lastMeta["last_trip"])
	assert.Equal(t, "m1", f.lastLoc.Name)
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := updateRedisWithRetry(context.Background(), f, "movers_geo", event(), 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
}

func newTestConsumer(r RedisUpdater, s EventStore) *consumer {
	return &consumer{
		redis: r, store: s, geoKey: "movers_geo", attempts: 2, delay: time.Millisecond,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHandleLocation(t *testing.T) {
	f := &fakeUpdater{}
	s := &fakeStore{}
	c := newTestConsumer(f, s)

	require.NoError(t, c.handleLocation(context.Background(), []byte(`{"tripId":"t1","moverId":"m1","lat":3.8,"lon":11.5,"timestampMs":1700000000000}`)))
	require.Len(t, s.locations, 1)
	assert.Equal(t, models.Coord{Lat: 3.8, Lon: 11.5}, s.moved["m1"])
	assert.Equal(t, 1, f.geoCalls)

	// no mover: logged to the store only
	require.NoError(t, c.handleLocation(context.Background(), []byte(`{"tripId":"t1","lat":3.8,"lon":11.5}`)))
	assert.Len(t, s.locations, 2)
	assert.Equal(t, 1, f.geoCalls)

	err := c.handleLocation(context.Background(), []byte(`{"tripId":"t1","lat":95,"lon":11.5}`))
	assert.ErrorIs(t, err, errInvalidMessage)
	err = c.handleLocation(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, errInvalidMessage)
}

func TestHandleStatus(t *testing.T) {
	s := &fakeStore{}
	c := newTestConsumer(nil, s)

	require.NoError(t, c.handleStatus(context.Background(), []byte(`{"tripId":"t1","status":"accepted","timestampMs":1700000000000}`)))
	require.Len(t, s.statuses, 1)
	assert.Equal(t, models.StatusAccepted, s.statuses[0].Status)

	err := c.handleStatus(context.Background(), []byte(`{"tripId":"t1","status":"teleported"}`))
	assert.ErrorIs(t, err, errInvalidMessage)
}

type scriptedReader struct {
	mu     sync.Mutex
	script []func() (kafka.Message, error)
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.script) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	next := r.script[0]
	r.script = r.script[1:]
	return next()
}

func TestConsumeSkipsBadMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msg := func(v string) func() (kafka.Message, error) {
		return func() (kafka.Message, error) { return kafka.Message{Topic: "trip-status", Value: []byte(v)}, nil }
	}
	r := &scriptedReader{cancel: cancel, script: []func() (kafka.Message, error){
		msg(`{"tripId":"t1","status":"requested"}`),
		msg(`garbage`),
		msg(`{"tripId":"t1","status":"cancelled"}`),
	}}
	s := &fakeStore{}
	c := newTestConsumer(nil, s)

	require.NoError(t, consume(ctx, r, c.handleStatus, c.logger))
	require.Len(t, s.statuses, 2)
	assert.Equal(t, models.StatusCancelled, s.statuses[1].Status)
}
