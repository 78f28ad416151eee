// Package engine is the request-level boundary of the dispatch core. It
// wires the trip goroutines, the mover directory, pricing and fan-out
// together and is what the HTTP and websocket handlers call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/fanout"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/tracking"
	"github.com/example/trip-dispatch/internal/trip"
)

const paymentTimeout = 10 * time.Second

// Payments holds a fare on acceptance and settles it when the trip ends.
type Payments interface {
	Hold(ctx context.Context, req payments.HoldRequest) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// MoverStore persists directory changes made through the API.
type MoverStore interface {
	UpsertMover(ctx context.Context, m models.Mover) error
}

type Config struct {
	Trip          trip.Config
	Tracking      tracking.Config
	Dispatch      dispatch.Config
	SurgeWindow   time.Duration
	AreaPrecision uint
	Shards        int
}

// Deps are the collaborators of a Service. Any of them may be nil.
type Deps struct {
	Hub        *fanout.Hub
	Sink       ingest.Sink
	Payments   Payments
	MoverStore MoverStore
	Tariffs    map[models.VehicleClass]pricing.Tariff
	Logger     *slog.Logger
}

type Service struct {
	cfg        Config
	machine    *trip.Machine
	directory  *dispatch.Directory
	dispatcher *dispatch.Dispatcher
	registry   *tracking.Registry
	ledger     *pricing.DemandLedger
	estimator  *pricing.Estimator
	hub        *fanout.Hub
	sink       ingest.Sink
	payments   Payments
	moverStore MoverStore
	logger     *slog.Logger

	now   func() time.Time
	newID func() string

	settle sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	if cfg.AreaPrecision == 0 {
		cfg.AreaPrecision = geo.DefaultAreaPrecision
	}
	if cfg.Tracking.AssumedSpeedKmh <= 0 {
		cfg.Tracking.AssumedSpeedKmh = geo.DefaultSpeedKmh
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = fanout.NewHub(logger)
	}
	sink := deps.Sink
	if sink == nil {
		sink = ingest.Discard{}
	}
	tariffs := deps.Tariffs
	if tariffs == nil {
		tariffs = pricing.DefaultTariffs()
	}

	s := &Service{
		cfg:        cfg,
		hub:        hub,
		sink:       sink,
		payments:   deps.Payments,
		moverStore: deps.MoverStore,
		logger:     logger.With("component", "engine"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	s.machine = trip.NewMachine(cfg.Trip, s)
	s.directory = dispatch.NewDirectory(cfg.Shards)
	s.dispatcher = dispatch.New(s.directory, s.machine, cfg.Dispatch, logger)
	s.registry = tracking.NewRegistry(cfg.Tracking, s.machine, hub, s.dispatcher, sink, logger)
	s.dispatcher.SetTrips(s.registry)
	s.ledger = pricing.NewDemandLedger(cfg.SurgeWindow)
	s.estimator = pricing.NewEstimator(tariffs, s.ledger, s.directory)
	return s
}

func (s *Service) Hub() *fanout.Hub                { return s.hub }
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
func (s *Service) Registry() *tracking.Registry     { return s.registry }
func (s *Service) Ledger() *pricing.DemandLedger    { return s.ledger }

// EstimateRequest is the input of a quote.
type EstimateRequest struct {
	Pickup       models.Coord        `json:"pickup"`
	Destination  models.Coord        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicleClass"`
}

// EstimatePrice quotes a trip without creating it.
func (s *Service) EstimatePrice(ctx context.Context, req EstimateRequest) (models.PriceEstimate, error) {
	if req.VehicleClass == "" {
		req.VehicleClass = models.VehicleStandard
	}
	if err := geo.ValidateCoord(req.Pickup); err != nil {
		return models.PriceEstimate{}, fmt.Errorf("pickup: %w", err)
	}
	if err := geo.ValidateCoord(req.Destination); err != nil {
		return models.PriceEstimate{}, fmt.Errorf("destination: %w", err)
	}
	dist := geo.DistanceKm(req.Pickup, req.Destination)
	eta := geo.EstimateEtaMinutes(dist, s.cfg.Tracking.AssumedSpeedKmh)
	est, err := s.estimator.PriceEstimate(dist, eta, req.VehicleClass, geo.AreaOf(req.Pickup, s.cfg.AreaPrecision))
	if err != nil {
		return models.PriceEstimate{}, err
	}
	observability.SurgeMultiplier.Observe(est.SurgeMultiplier)
	return est, nil
}

// RequestResult is a created trip and the movers it was offered to.
type RequestResult struct {
	Trip       models.Trip          `json:"trip"`
	Candidates []models.NearbyMover `json:"candidates"`
}

// RequestTrip prices and creates a trip in requested and offers it to the
// nearest available movers of its class.
func (s *Service) RequestTrip(ctx context.Context, req models.TripRequest) (RequestResult, error) {
	if req.Kind == "" {
		req.Kind = models.KindRide
	}
	if !req.Kind.Valid() {
		return RequestResult{}, fmt.Errorf("%w: unknown kind %q", errs.ErrInvalidRequest, req.Kind)
	}
	if req.VehicleClass == "" {
		req.VehicleClass = models.VehicleStandard
	}
	price, err := s.EstimatePrice(ctx, EstimateRequest{Pickup: req.Pickup, Destination: req.Destination, VehicleClass: req.VehicleClass})
	if err != nil {
		return RequestResult{}, err
	}

	t := models.Trip{
		ID:           s.newID(),
		Kind:         req.Kind,
		RequesterID:  req.RequesterID,
		Status:       models.StatusRequested,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		VehicleClass: req.VehicleClass,
		Area:         geo.AreaOf(req.Pickup, s.cfg.AreaPrecision),
		Price:        price,
		CreatedAt:    s.now(),
	}
	if err := s.registry.CreateTrip(t); err != nil {
		return RequestResult{}, err
	}
	s.ledger.Record(t.ID, t.Area, t.CreatedAt, t.Status)
	observability.TripsCreated.WithLabelValues(string(t.Kind)).Inc()
	s.appendStatus(t.ID, t.Status, t.CreatedAt)

	candidates, err := s.dispatcher.FindNearby(t.Pickup, t.VehicleClass, 0, 0)
	if err != nil {
		return RequestResult{}, err
	}
	offer := fanout.Event{Type: fanout.EventTripOffer, TripID: t.ID, Payload: t}
	for _, c := range candidates {
		s.hub.Publish(fanout.MoverTopic(c.ID), offer)
	}
	s.logger.Info("trip requested", "trip_id", t.ID, "kind", t.Kind, "class", t.VehicleClass,
		"total", price.Total, "surge", price.SurgeMultiplier, "candidates", len(candidates))
	return RequestResult{Trip: t, Candidates: candidates}, nil
}

func (s *Service) GetTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return s.registry.Trip(ctx, tripID)
}

// AcceptTrip assigns moverID to the trip.
func (s *Service) AcceptTrip(ctx context.Context, tripID, moverID string) (models.Trip, error) {
	if err := s.dispatcher.Assign(ctx, tripID, moverID); err != nil {
		return models.Trip{}, err
	}
	return s.registry.Trip(ctx, tripID)
}

func (s *Service) StartTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return s.mutate(ctx, tripID, s.machine.Start)
}

func (s *Service) CompleteTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return s.mutate(ctx, tripID, s.machine.Complete)
}

func (s *Service) CancelTrip(ctx context.Context, tripID, reason string) (models.Trip, error) {
	return s.mutate(ctx, tripID, func(t *models.Trip) error { return s.machine.Cancel(t, reason) })
}

func (s *Service) mutate(ctx context.Context, tripID string, fn func(t *models.Trip) error) (models.Trip, error) {
	var out models.Trip
	err := s.registry.Update(ctx, tripID, func(t *models.Trip) error {
		if err := fn(t); err != nil {
			return err
		}
		out = *t
		return nil
	})
	return out, err
}

func (s *Service) StartTracking(ctx context.Context, tripID, moverID string) (tracking.Handle, error) {
	return s.registry.StartTracking(ctx, tripID, moverID)
}

func (s *Service) StopTracking(ctx context.Context, tripID string) error {
	return s.registry.StopTracking(ctx, tripID)
}

func (s *Service) IngestLocation(ctx context.Context, tripID string, sample models.LocationSample) error {
	return s.registry.IngestLocation(ctx, tripID, sample)
}

func (s *Service) Snapshot(ctx context.Context, tripID string, historyLimit int) (tracking.Snapshot, error) {
	return s.registry.Snapshot(ctx, tripID, historyLimit)
}

// Subscribe joins connID to the trip's updates. The connection first gets a
// subscriptionAck carrying the current status and last known location; a
// finished trip is acknowledged and immediately terminated.
func (s *Service) Subscribe(ctx context.Context, tripID, connID string) error {
	return s.registry.Subscribe(ctx, tripID, connID)
}

func (s *Service) Unsubscribe(tripID, connID string) { s.hub.Unsubscribe(tripID, connID) }

// SubscribeMover joins connID to the offers sent to moverID.
func (s *Service) SubscribeMover(moverID, connID string) error {
	if _, ok := s.directory.Get(moverID); !ok {
		return fmt.Errorf("%w: %s", errs.ErrMoverNotFound, moverID)
	}
	return s.hub.Subscribe(fanout.MoverTopic(moverID), connID)
}

func (s *Service) Disconnect(connID string) { s.hub.OnDisconnect(connID) }

func (s *Service) FindNearby(ctx context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.NearbyMover, error) {
	if class == "" {
		class = models.VehicleStandard
	}
	if _, ok := s.estimator.Tariff(class); !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownVehicleClass, class)
	}
	return s.dispatcher.FindNearby(origin, class, radiusKm, limit)
}

// RegisterMover adds or replaces a directory entry.
func (s *Service) RegisterMover(ctx context.Context, m models.Mover) (models.Mover, error) {
	if _, ok := s.estimator.Tariff(m.VehicleClass); !ok {
		return models.Mover{}, fmt.Errorf("%w: %q", errs.ErrUnknownVehicleClass, m.VehicleClass)
	}
	if m.Updated.IsZero() {
		m.Updated = s.now()
	}
	if err := s.directory.Register(m); err != nil {
		return models.Mover{}, err
	}
	if s.moverStore != nil {
		if err := s.moverStore.UpsertMover(ctx, m); err != nil {
			s.logger.Warn("persist mover failed", "mover_id", m.ID, "error", err)
		}
	}
	observability.MoversAvailable.Set(float64(s.directory.CountAvailable("")))
	stored, _ := s.directory.Get(m.ID)
	return stored, nil
}

func (s *Service) RemoveMover(ctx context.Context, moverID string) error {
	if err := s.directory.Remove(moverID); err != nil {
		return err
	}
	observability.MoversAvailable.Set(float64(s.directory.CountAvailable("")))
	return nil
}

// UpdateMoverLocation refreshes a mover's position outside any trip.
func (s *Service) UpdateMoverLocation(ctx context.Context, sample models.LocationSample) error {
	if err := geo.ValidateCoord(sample.Coord()); err != nil {
		return err
	}
	if _, ok := s.directory.Get(sample.MoverID); !ok {
		return fmt.Errorf("%w: %s", errs.ErrMoverNotFound, sample.MoverID)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	s.dispatcher.MoverMoved(sample.MoverID, sample.Coord(), sample.Timestamp)
	return nil
}

func (s *Service) GetMover(moverID string) (models.Mover, error) {
	m, ok := s.directory.Get(moverID)
	if !ok {
		return models.Mover{}, fmt.Errorf("%w: %s", errs.ErrMoverNotFound, moverID)
	}
	return m, nil
}

// Close stops every trip goroutine, releasing sessions and movers, then
// waits for in-flight payment calls.
func (s *Service) Close(ctx context.Context) error {
	if err := s.registry.Close(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.settle.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
