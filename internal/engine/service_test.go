package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/fanout"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

type captureConn struct {
	id     string
	mu     sync.Mutex
	events []fanout.Event
}

func (c *captureConn) ID() string { return c.id }
func (c *captureConn) Dead() bool { return false }
func (c *captureConn) Close()     {}

func (c *captureConn) Enqueue(ev fanout.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *captureConn) ofType(typ string) []fanout.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fanout.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captureConn) statuses() []models.Status {
	var out []models.Status
	for _, ev := range c.ofType(fanout.EventStatusChange) {
		out = append(out, ev.Payload.(models.StatusEvent).Status)
	}
	return out
}

type fakePayments struct {
	mu       sync.Mutex
	held     []string
	captured []string
	canceled []string
}

func (f *fakePayments) Hold(_ context.Context, req payments.HoldRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, req.TripID)
	return "pi_" + req.TripID, nil
}

func (f *fakePayments) Capture(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Cancel(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, ref)
	return nil
}

func (f *fakePayments) snapshot() (held, captured, canceled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.held...), append([]string(nil), f.captured...), append([]string(nil), f.canceled...)
}

type harness struct {
	svc   *Service
	store *storage.MemoryStore
	pay   *fakePayments
}

func newHarness(t *testing.T, movers ...models.Mover) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(movers...), pay: &fakePayments{}}
	h.svc = New(Config{Shards: 4}, Deps{Sink: h.store, Payments: h.pay})
	_, err := h.svc.Dispatcher().Seed(context.Background(), h.store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.svc.Close(context.Background()) })
	return h
}

func (h *harness) connect(id string) *captureConn {
	c := &captureConn{id: id}
	h.svc.Hub().Register(c)
	return c
}

func standard(id string, lat, lon float64) models.Mover {
	return models.Mover{ID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Available: true, VehicleClass: models.VehicleStandard}
}

func rideRequest() models.TripRequest {
	return models.TripRequest{
		Kind:         models.KindRide,
		RequesterID:  "rider-1",
		Pickup:       models.Coord{Lat: 0, Lon: 0},
		Destination:  models.Coord{Lat: 0, Lon: 1},
		VehicleClass: models.VehicleStandard,
	}
}

func at(base time.Time, lon float64, step int) models.LocationSample {
	return models.LocationSample{Lat: 0, Lon: lon, Timestamp: base.Add(time.Duration(step) * time.Second)}
}

// isLifecycleSubsequence reports whether seen follows the happy path in
// order, or stops at cancelled after one of its legal predecessors.
func isLifecycleSubsequence(seen []models.Status) bool {
	last := models.StatusRequested
	for i, st := range seen {
		if st == models.StatusCancelled {
			return i == len(seen)-1 && trip.CanTransition(last, st)
		}
		if st.Rank() <= last.Rank() && !(i == 0 && st == models.StatusRequested) {
			return false
		}
		last = st
	}
	return true
}

func TestRideLifecycle(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	moverConn := h.connect("mover-conn")
	require.NoError(t, h.svc.SubscribeMover("m1", "mover-conn"))

	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	tr := res.Trip
	assert.Equal(t, models.StatusRequested, tr.Status)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "m1", res.Candidates[0].ID)
	require.Len(t, moverConn.ofType(fanout.EventTripOffer), 1)

	observer := h.connect("observer")
	require.NoError(t, h.svc.Subscribe(ctx, tr.ID, "observer"))
	require.Len(t, observer.ofType(fanout.EventSubscriptionAck), 1)

	tr, err = h.svc.AcceptTrip(ctx, tr.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, tr.Status)
	assert.Equal(t, "m1", tr.AssignedMoverID)
	m, _ := h.svc.GetMover("m1")
	assert.False(t, m.Available)

	_, err = h.svc.StartTracking(ctx, tr.ID, "m1")
	require.NoError(t, err)

	base := time.Now()
	status := func() models.Status {
		got, err := h.svc.GetTrip(ctx, tr.ID)
		require.NoError(t, err)
		return got.Status
	}
	require.NoError(t, h.svc.IngestLocation(ctx, tr.ID, at(base, 0.01, 1)))
	assert.Equal(t, models.StatusAccepted, status())
	require.NoError(t, h.svc.IngestLocation(ctx, tr.ID, at(base, 0.004, 2)))
	assert.Equal(t, models.StatusArriving, status())
	require.NoError(t, h.svc.IngestLocation(ctx, tr.ID, at(base, 0.0008, 3)))
	assert.Equal(t, models.StatusArrived, status())
	require.NoError(t, h.svc.IngestLocation(ctx, tr.ID, at(base, 0.018, 4)))
	assert.Equal(t, models.StatusArrived, status(), "moving 2 km away never reverts the trip")

	_, err = h.svc.CancelTrip(ctx, tr.ID, "too late")
	assert.ErrorIs(t, err, errs.ErrNotCancellable)

	tr, err = h.svc.StartTrip(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, tr.Status)
	tr, err = h.svc.CompleteTrip(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tr.Status)

	m, _ = h.svc.GetMover("m1")
	assert.True(t, m.Available, "completion releases the mover")

	seen := observer.statuses()
	assert.Equal(t, []models.Status{
		models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusInProgress, models.StatusCompleted,
	}, seen)
	assert.True(t, isLifecycleSubsequence(seen))
	assert.Len(t, observer.ofType(fanout.EventLocationUpdate), 4)
	assert.Len(t, observer.ofType(fanout.EventTripTerminated), 1)
	assert.Equal(t, 0, h.svc.Hub().Subscribers(tr.ID))

	logged := h.store.Statuses(tr.ID)
	require.Len(t, logged, 6)
	assert.Equal(t, models.StatusRequested, logged[0].Status)
	assert.Equal(t, models.StatusCompleted, logged[5].Status)
	assert.Len(t, h.store.Locations(tr.ID), 4)

	assert.Eventually(t, func() bool {
		held, captured, _ := h.pay.snapshot()
		return len(held) == 1 && len(captured) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotSurvivesLastUnsubscribe(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	id := res.Trip.ID
	_, err = h.svc.AcceptTrip(ctx, id, "m1")
	require.NoError(t, err)
	_, err = h.svc.StartTracking(ctx, id, "")
	require.NoError(t, err)

	h.connect("o1")
	require.NoError(t, h.svc.Subscribe(ctx, id, "o1"))
	require.NoError(t, h.svc.IngestLocation(ctx, id, at(time.Now(), 0.01, 0)))
	h.svc.Unsubscribe(id, "o1")
	h.svc.Disconnect("o1")

	snap, err := h.svc.Snapshot(ctx, id, 0)
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 0, snap.Subscribers)

	require.NoError(t, h.svc.StopTracking(ctx, id))
	_, err = h.svc.Snapshot(ctx, id, 0)
	assert.ErrorIs(t, err, errs.ErrUnknownSession)
}

func TestCancelReleasesMoverAndPayment(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	id := res.Trip.ID
	_, err = h.svc.AcceptTrip(ctx, id, "m1")
	require.NoError(t, err)

	tr, err := h.svc.CancelTrip(ctx, id, "rider cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tr.Status)
	assert.Equal(t, "rider cancelled", tr.CancellationReason)
	require.NotNil(t, tr.CancelledAt)

	m, _ := h.svc.GetMover("m1")
	assert.True(t, m.Available)

	assert.Eventually(t, func() bool {
		_, _, canceled := h.pay.snapshot()
		return len(canceled) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = h.svc.CompleteTrip(ctx, id)
	assert.ErrorIs(t, err, errs.ErrIllegalTransition)
	_, err = h.svc.AcceptTrip(ctx, id, "m1")
	assert.ErrorIs(t, err, errs.ErrTripNotAssignable)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01), standard("m2", 0, 0.02))
	ctx := context.Background()
	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, mover := range []string{"m1", "m2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = h.svc.AcceptTrip(ctx, res.Trip.ID, mover)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, errs.ErrTripNotAssignable) || errors.Is(err, errs.ErrMoverUnavailable), err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.svc.Dispatcher().Directory().CountAvailable(models.VehicleStandard))
}

func TestRequestTripSurgeWithoutSupply(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.RequestTrip(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Trip.Price.SurgeMultiplier)
	assert.Empty(t, res.Candidates)
}

func TestRequestTripValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := rideRequest()
	bad.Pickup = models.Coord{Lat: -91}
	_, err := h.svc.RequestTrip(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrInvalidLocation)

	bad = rideRequest()
	bad.Kind = "BOAT"
	_, err = h.svc.RequestTrip(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	bad = rideRequest()
	bad.VehicleClass = "limo"
	_, err = h.svc.RequestTrip(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrUnknownVehicleClass)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	h.connect("o1")

	assert.ErrorIs(t, h.svc.Subscribe(ctx, "nope", "o1"), errs.ErrTripNotFound)

	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.Subscribe(ctx, res.Trip.ID, "ghost"), fanout.ErrUnknownConnection)

	_, err = h.svc.CancelTrip(ctx, res.Trip.ID, "")
	require.NoError(t, err)
	late := h.connect("late")
	require.NoError(t, h.svc.Subscribe(ctx, res.Trip.ID, "late"))
	assert.Len(t, late.ofType(fanout.EventSubscriptionAck), 1)
	assert.Len(t, late.ofType(fanout.EventTripTerminated), 1)
	assert.Equal(t, 0, h.svc.Hub().Subscribers(res.Trip.ID))
}

func TestMoverManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RegisterMover(ctx, models.Mover{ID: "m9", VehicleClass: "limo"})
	assert.ErrorIs(t, err, errs.ErrUnknownVehicleClass)

	m, err := h.svc.RegisterMover(ctx, standard("m9", 0, 0.003))
	require.NoError(t, err)
	assert.True(t, m.Available)

	near, err := h.svc.FindNearby(ctx, models.Coord{}, "", 1, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)

	require.NoError(t, h.svc.UpdateMoverLocation(ctx, models.LocationSample{MoverID: "m9", Lat: 0, Lon: 0.5, Timestamp: time.Now().Add(time.Minute)}))
	near, err = h.svc.FindNearby(ctx, models.Coord{}, models.VehicleStandard, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, near)

	assert.ErrorIs(t, h.svc.UpdateMoverLocation(ctx, models.LocationSample{MoverID: "ghost"}), errs.ErrMoverNotFound)
	assert.ErrorIs(t, h.svc.UpdateMoverLocation(ctx, models.LocationSample{MoverID: "m9", Lat: 100}), errs.ErrInvalidLocation)

	require.NoError(t, h.svc.RemoveMover(ctx, "m9"))
	assert.ErrorIs(t, h.svc.RemoveMover(ctx, "m9"), errs.ErrMoverNotFound)

	stored, err := h.store.LoadMovers(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 0, "the memory store is not wired as mover store here")
}

func TestCloseReleasesMovers(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	_, err = h.svc.AcceptTrip(ctx, res.Trip.ID, "m1")
	require.NoError(t, err)
	_, err = h.svc.StartTracking(ctx, res.Trip.ID, "")
	require.NoError(t, err)

	require.NoError(t, h.svc.Close(ctx))
	m, _ := h.svc.GetMover("m1")
	assert.True(t, m.Available)
	assert.Equal(t, 0, h.svc.Registry().ActiveSessions())
}

func TestRemoveMoverOnTripIsRefused(t *testing.T) {
	h := newHarness(t, standard("m1", 0, 0.01))
	ctx := context.Background()
	res, err := h.svc.RequestTrip(ctx, rideRequest())
	require.NoError(t, err)
	_, err = h.svc.AcceptTrip(ctx, res.Trip.ID, "m1")
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.RemoveMover(ctx, "m1"), errs.ErrMoverUnavailable)
	_, err = h.svc.RegisterMover(ctx, standard("m1", 0, 0.02))
	require.NoError(t, err)
	m, err := h.svc.GetMover("m1")
	require.NoError(t, err)
	assert.False(t, m.Available)

	_, err = h.svc.CancelTrip(ctx, res.Trip.ID, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.RemoveMover(ctx, "m1"))
}
