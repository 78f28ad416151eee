// Package tracking owns live trips. Each trip id is served by one goroutine
// that holds the Trip and its Session; every operation on the trip is
// queued to that goroutine, which gives a total order per trip without a
// lock shared across trips.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/fanout"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/trip"
)

const (
	DefaultHistoryCapacity = 200
	DefaultRetention       = 15 * time.Minute
)

var ErrClosed = errors.New("tracking registry closed")

var errNotLive = errors.New("trip not live")

// Publisher is the fan-out side of a session; the subscriber set of a trip
// is the publisher topic named after the trip id.
type Publisher interface {
	Publish(topic string, ev fanout.Event) int
	Subscribe(topic, connID string) error
	Send(connID string, ev fanout.Event) bool
	CloseTopic(topic string) []string
	Subscribers(topic string) int
}

// Movers is the mover directory as seen from a trip.
type Movers interface {
	MoverMoved(moverID string, c models.Coord, at time.Time)
	Release(moverID string)
}

type LocationSink interface {
	AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error
}

type Config struct {
	HistoryCapacity int
	AssumedSpeedKmh float64
	Retention       time.Duration
}

type request struct {
	fn    func(a *actor) error
	reply chan error
}

type actor struct {
	trip    models.Trip
	session *session
	inbox   chan request
	done    chan struct{}
	stop    bool
}

type finishedTrip struct {
	trip models.Trip
	at   time.Time
}

type Registry struct {
	cfg     Config
	machine *trip.Machine
	pub     Publisher
	movers  Movers
	sink    LocationSink
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	actors   map[string]*actor
	finished map[string]finishedTrip
	closed   bool

	sessions atomic.Int64
	wg       sync.WaitGroup
}

// NewRegistry builds a registry. pub, movers and sink may be nil.
func NewRegistry(cfg Config, machine *trip.Machine, pub Publisher, movers Movers, sink LocationSink, logger *slog.Logger) *Registry {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.AssumedSpeedKmh <= 0 {
		cfg.AssumedSpeedKmh = geo.DefaultSpeedKmh
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		machine:  machine,
		pub:      pub,
		movers:   movers,
		sink:     sink,
		logger:   logger.With("component", "tracking"),
		now:      time.Now,
		actors:   make(map[string]*actor),
		finished: make(map[string]finishedTrip),
	}
}

// SetClock overrides time.Now, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// CreateTrip starts the goroutine that owns t.
func (r *Registry) CreateTrip(t models.Trip) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty trip id", errs.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.actors[t.ID]; ok {
		return fmt.Errorf("%w: duplicate trip id %s", errs.ErrInvalidRequest, t.ID)
	}
	if _, ok := r.finished[t.ID]; ok {
		return fmt.Errorf("%w: duplicate trip id %s", errs.ErrInvalidRequest, t.ID)
	}
	a := &actor{trip: t, inbox: make(chan request), done: make(chan struct{})}
	r.actors[t.ID] = a
	r.wg.Add(1)
	go r.run(a)
	return nil
}

func (r *Registry) run(a *actor) {
	defer r.wg.Done()
	defer close(a.done)
	for req := range a.inbox {
		err := r.call(a, req.fn)
		exit := true
		switch {
		case a.trip.Status.Terminal():
			r.retire(a)
		case a.stop:
			r.mu.Lock()
			delete(r.actors, a.trip.ID)
			r.mu.Unlock()
		default:
			exit = false
		}
		req.reply <- err
		if exit {
			return
		}
	}
}

func (r *Registry) call(a *actor, fn func(a *actor) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in trip actor", "trip_id", a.trip.ID, "panic", rec)
			err = fmt.Errorf("trip %s: internal error", a.trip.ID)
		}
	}()
	return fn(a)
}

// retire ends the session of a trip that reached a terminal state and moves
// the trip to the finished table.
func (r *Registry) retire(a *actor) {
	r.endSession(a, a.trip.CancellationReason)
	r.mu.Lock()
	delete(r.actors, a.trip.ID)
	r.finished[a.trip.ID] = finishedTrip{trip: a.trip, at: r.now()}
	r.mu.Unlock()
	r.logger.Info("trip finished", "trip_id", a.trip.ID, "status", a.trip.Status)
}

func (r *Registry) endSession(a *actor, reason string) {
	if a.session == nil {
		return
	}
	a.session = nil
	r.sessions.Add(-1)
	observability.ActiveSessions.Dec()
	if r.pub == nil {
		return
	}
	r.pub.Publish(a.trip.ID, fanout.Event{
		Type:    fanout.EventTripTerminated,
		TripID:  a.trip.ID,
		Payload: fanout.TerminatedPayload{Status: string(a.trip.Status), Reason: reason},
	})
	r.pub.CloseTopic(a.trip.ID)
}

// exec runs fn on the trip's goroutine and waits for its result. It returns
// errNotLive when no goroutine owns tripID.
func (r *Registry) exec(ctx context.Context, tripID string, fn func(a *actor) error) error {
	for {
		r.mu.RLock()
		a, ok := r.actors[tripID]
		r.mu.RUnlock()
		if !ok {
			return errNotLive
		}
		req := request{fn: fn, reply: make(chan error, 1)}
		select {
		case a.inbox <- req:
		case <-a.done:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-req.reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) finishedTrip(tripID string) (models.Trip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.finished[tripID]
	return f.trip, ok
}

// Update runs fn against the live trip with exclusive access. A finished
// trip is handed over as a copy; no transition is legal from a terminal
// state so fn cannot change it.
func (r *Registry) Update(ctx context.Context, tripID string, fn func(t *models.Trip) error) error {
	err := r.exec(ctx, tripID, func(a *actor) error { return fn(&a.trip) })
	if !errors.Is(err, errNotLive) {
		return err
	}
	t, ok := r.finishedTrip(tripID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrTripNotFound, tripID)
	}
	return fn(&t)
}

// Trip returns a copy of the trip, live or recently finished.
func (r *Registry) Trip(ctx context.Context, tripID string) (models.Trip, error) {
	var out models.Trip
	err := r.exec(ctx, tripID, func(a *actor) error {
		out = a.trip
		return nil
	})
	if errors.Is(err, errNotLive) {
		t, ok := r.finishedTrip(tripID)
		if !ok {
			return models.Trip{}, fmt.Errorf("%w: %s", errs.ErrTripNotFound, tripID)
		}
		return t, nil
	}
	return out, err
}

// StartTracking opens the session of a live trip. moverID may be empty, in
// which case samples are attributed to the assigned mover.
func (r *Registry) StartTracking(ctx context.Context, tripID, moverID string) (Handle, error) {
	var h Handle
	err := r.exec(ctx, tripID, func(a *actor) error {
		if a.session != nil {
			return fmt.Errorf("%w: %s", errs.ErrAlreadyTracking, tripID)
		}
		if moverID == "" {
			moverID = a.trip.AssignedMoverID
		}
		if err := checkMover(a.trip, moverID); err != nil {
			return err
		}
		h = Handle{TripID: tripID, MoverID: moverID, StartedAt: r.now()}
		a.session = newSession(h, r.cfg.HistoryCapacity)
		r.sessions.Add(1)
		observability.ActiveSessions.Inc()
		return nil
	})
	if errors.Is(err, errNotLive) {
		if t, ok := r.finishedTrip(tripID); ok {
			return Handle{}, fmt.Errorf("%w: trip %s is %s", errs.ErrIllegalTransition, tripID, t.Status)
		}
		return Handle{}, fmt.Errorf("%w: %s", errs.ErrTripNotFound, tripID)
	}
	if err != nil {
		return Handle{}, err
	}
	r.logger.Info("tracking started", "trip_id", tripID, "mover_id", moverID)
	return h, nil
}

// StopTracking ends the session and releases its subscribers. Stopping a
// trip that is not tracked is a no-op.
func (r *Registry) StopTracking(ctx context.Context, tripID string) error {
	err := r.exec(ctx, tripID, func(a *actor) error {
		if a.session != nil {
			r.endSession(a, "stopped")
			r.logger.Info("tracking stopped", "trip_id", tripID)
		}
		return nil
	})
	if errors.Is(err, errNotLive) {
		return nil
	}
	return err
}

// IngestLocation accepts one sample for the trip. Samples older than the
// last accepted one are rejected with ErrStaleSample and change nothing.
func (r *Registry) IngestLocation(ctx context.Context, tripID string, sample models.LocationSample) error {
	err := r.exec(ctx, tripID, func(a *actor) error { return r.ingest(a, sample) })
	if errors.Is(err, errNotLive) {
		err = fmt.Errorf("%w: %s", errs.ErrUnknownSession, tripID)
	}
	if err != nil {
		observability.SamplesTotal.WithLabelValues(errs.Code(err)).Inc()
		return err
	}
	observability.SamplesTotal.WithLabelValues("accepted").Inc()
	return nil
}

// checkMover rejects a mover other than the one assigned to t. Before
// assignment any mover is accepted.
func checkMover(t models.Trip, moverID string) error {
	if t.AssignedMoverID == "" || moverID == "" || moverID == t.AssignedMoverID {
		return nil
	}
	return fmt.Errorf("%w: mover %s on trip %s", errs.ErrMoverMismatch, moverID, t.ID)
}

func (r *Registry) ingest(a *actor, sample models.LocationSample) error {
	s := a.session
	if s == nil {
		return fmt.Errorf("%w: %s", errs.ErrUnknownSession, a.trip.ID)
	}
	if err := geo.ValidateCoord(sample.Coord()); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	if sample.MoverID == "" {
		sample.MoverID = s.handle.MoverID
	}
	if sample.MoverID == "" {
		sample.MoverID = a.trip.AssignedMoverID
	}
	if err := checkMover(a.trip, sample.MoverID); err != nil {
		r.logger.Warn("sample from unassigned mover rejected", "trip_id", a.trip.ID,
			"mover_id", sample.MoverID, "assigned_mover_id", a.trip.AssignedMoverID)
		return err
	}
	if s.last != nil && sample.Timestamp.Before(s.last.Timestamp) {
		r.logger.Debug("stale sample dropped", "trip_id", a.trip.ID, "mover_id", sample.MoverID,
			"sample_at", sample.Timestamp, "last_at", s.last.Timestamp)
		return fmt.Errorf("%w: trip %s", errs.ErrStaleSample, a.trip.ID)
	}

	if r.machine != nil {
		r.machine.Advance(&a.trip, geo.DistanceKm(sample.Coord(), a.trip.Pickup))
	}
	s.record(sample)

	if r.movers != nil && sample.MoverID != "" {
		r.movers.MoverMoved(sample.MoverID, sample.Coord(), sample.Timestamp)
	}
	ev := models.NewLocationEvent(a.trip.ID, sample)
	if r.sink != nil {
		if err := r.sink.AppendLocationEvent(context.Background(), ev); err != nil {
			r.logger.Warn("location sink append failed", "trip_id", a.trip.ID, "error", err)
		}
	}
	if r.pub != nil {
		r.pub.Publish(a.trip.ID, fanout.Event{Type: fanout.EventLocationUpdate, TripID: a.trip.ID, Payload: ev})
	}
	return nil
}

// Snapshot returns the session state with at most historyLimit samples;
// historyLimit <= 0 returns the whole buffer.
func (r *Registry) Snapshot(ctx context.Context, tripID string, historyLimit int) (Snapshot, error) {
	var snap Snapshot
	err := r.exec(ctx, tripID, func(a *actor) error {
		s := a.session
		if s == nil {
			return fmt.Errorf("%w: %s", errs.ErrUnknownSession, tripID)
		}
		snap = Snapshot{
			TripID:  tripID,
			Status:  a.trip.Status,
			MoverID: s.handle.MoverID,
			History: s.history.tail(historyLimit),
			Stats:   s.stats,
		}
		if snap.MoverID == "" {
			snap.MoverID = a.trip.AssignedMoverID
		}
		if s.last != nil {
			last := *s.last
			snap.Last = &last
			eta := geo.EstimateEtaMinutes(geo.DistanceKm(last.Coord(), target(a.trip)), r.cfg.AssumedSpeedKmh)
			snap.EtaMinutes = &eta
		}
		if r.pub != nil {
			snap.Subscribers = r.pub.Subscribers(tripID)
		}
		return nil
	})
	if errors.Is(err, errNotLive) {
		return Snapshot{}, fmt.Errorf("%w: %s", errs.ErrUnknownSession, tripID)
	}
	return snap, err
}

// target is where the mover is heading: the pickup until the trip starts,
// the destination afterwards.
func target(t models.Trip) models.Coord {
	if t.Status.Rank() >= models.StatusInProgress.Rank() {
		return t.Destination
	}
	return t.Pickup
}

// AckPayload confirms a subscription with the trip's current state.
type AckPayload struct {
	Status models.Status         `json:"status"`
	Last   *models.LocationEvent `json:"last,omitempty"`
}

// Subscribe joins connID to the trip's topic and sends it a subscriptionAck
// with the current status and last known location. It runs on the trip's
// goroutine, so the ack precedes every later event and a subscription can
// not outlive the session teardown. A finished trip is acknowledged and
// terminated at once without joining the topic.
func (r *Registry) Subscribe(ctx context.Context, tripID, connID string) error {
	if r.pub == nil {
		return nil
	}
	err := r.exec(ctx, tripID, func(a *actor) error {
		ack := AckPayload{Status: a.trip.Status}
		if a.session != nil && a.session.last != nil {
			ev := models.NewLocationEvent(tripID, *a.session.last)
			ack.Last = &ev
		}
		if err := r.pub.Subscribe(tripID, connID); err != nil {
			return err
		}
		r.pub.Send(connID, fanout.Event{Type: fanout.EventSubscriptionAck, TripID: tripID, Payload: ack})
		return nil
	})
	if !errors.Is(err, errNotLive) {
		return err
	}
	t, ok := r.finishedTrip(tripID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrTripNotFound, tripID)
	}
	r.pub.Send(connID, fanout.Event{Type: fanout.EventSubscriptionAck, TripID: tripID, Payload: AckPayload{Status: t.Status}})
	r.pub.Send(connID, fanout.Event{Type: fanout.EventTripTerminated, TripID: tripID,
		Payload: fanout.TerminatedPayload{Status: string(t.Status), Reason: t.CancellationReason}})
	return nil
}

// ActiveSessions is the number of open sessions.
func (r *Registry) ActiveSessions() int { return int(r.sessions.Load()) }

// Live is the number of trips owned by a goroutine.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// PurgeFinished forgets finished trips older than the retention window and
// returns how many were removed.
func (r *Registry) PurgeFinished() int {
	cutoff := r.now().Add(-r.cfg.Retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, f := range r.finished {
		if f.at.Before(cutoff) {
			delete(r.finished, id)
			n++
		}
	}
	return n
}

// Close stops every trip goroutine. Open sessions are terminated and movers
// assigned to unfinished trips are released.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	shutdown := func(a *actor) error {
		r.endSession(a, "shutdown")
		if r.movers != nil && a.trip.AssignedMoverID != "" {
			r.movers.Release(a.trip.AssignedMoverID)
		}
		a.stop = true
		return nil
	}
	var failed []error
	for _, id := range ids {
		r.mu.RLock()
		a, ok := r.actors[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		req := request{fn: shutdown, reply: make(chan error, 1)}
		select {
		case a.inbox <- req:
			continue
		default:
		}
		select {
		case a.inbox <- req:
		case <-a.done:
		case <-ctx.Done():
			failed = append(failed, fmt.Errorf("stop trip %s: %w", id, ctx.Err()))
			// the trip is still cleaned up once its goroutine frees up
			go func(a *actor) {
				select {
				case a.inbox <- req:
				case <-a.done:
				}
			}(a)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return errors.Join(failed...)
	case <-ctx.Done():
		return errors.Join(append(failed, ctx.Err())...)
	}
}
