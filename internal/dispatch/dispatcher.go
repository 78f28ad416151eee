package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/trip"
)

const (
	DefaultRadiusKm = 5.0
	DefaultLimit    = 10
)

// Trips runs fn against the live trip with exclusive access.
type Trips interface {
	Update(ctx context.Context, tripID string, fn func(t *models.Trip) error) error
}

// Source loads the initial mover list at startup.
type Source interface {
	LoadMovers(ctx context.Context) ([]models.Mover, error)
}

type Config struct {
	RadiusKm float64
	Limit    int
}

type Dispatcher struct {
	dir     *Directory
	machine *trip.Machine
	trips   Trips
	cfg     Config
	logger  *slog.Logger
}

func New(dir *Directory, machine *trip.Machine, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{dir: dir, machine: machine, cfg: cfg, logger: logger.With("component", "dispatcher")}
}

// SetTrips wires the trip owner. Must be called before Assign.
func (d *Dispatcher) SetTrips(t Trips) { d.trips = t }

func (d *Dispatcher) Directory() *Directory { return d.dir }

// Seed registers every mover from src and returns how many were loaded.
func (d *Dispatcher) Seed(ctx context.Context, src Source) (int, error) {
	movers, err := src.LoadMovers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load movers: %w", err)
	}
	n := 0
	for _, m := range movers {
		if err := d.dir.Register(m); err != nil {
			d.logger.Warn("skipping mover from directory source", "mover_id", m.ID, "error", err)
			continue
		}
		n++
	}
	observability.MoversAvailable.Set(float64(d.dir.CountAvailable("")))
	return n, nil
}

// FindNearby returns available movers of class within radiusKm of origin,
// nearest first, ties broken by mover id. Non-positive radius or limit fall
// back to the configured defaults.
func (d *Dispatcher) FindNearby(origin models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.NearbyMover, error) {
	if err := geo.ValidateCoord(origin); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = d.cfg.RadiusKm
	}
	if limit <= 0 {
		limit = d.cfg.Limit
	}
	start := time.Now()
	out := d.dir.within(origin, class, radiusKm)
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	observability.NearbyQueryLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

// Assign is the only path that sets a trip's mover. The status check, the
// mover reservation and the accept transition all run while the trip is
// held exclusively, so two concurrent assigns for one trip cannot both win.
func (d *Dispatcher) Assign(ctx context.Context, tripID, moverID string) error {
	if d.trips == nil {
		return fmt.Errorf("dispatcher has no trip owner")
	}
	err := d.trips.Update(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.StatusRequested {
			return fmt.Errorf("%w: trip %s is %s", errs.ErrTripNotAssignable, t.ID, t.Status)
		}
		if err := d.dir.Reserve(moverID); err != nil {
			return err
		}
		if err := d.machine.Accept(t, moverID); err != nil {
			d.dir.Release(moverID)
			return err
		}
		return nil
	})
	if err != nil {
		observability.AssignmentsTotal.WithLabelValues(errs.Code(err)).Inc()
		return err
	}
	observability.AssignmentsTotal.WithLabelValues("ok").Inc()
	d.logger.Info("mover assigned", "trip_id", tripID, "mover_id", moverID)
	return nil
}

// Release returns the mover to the available pool. A second call for the
// same assignment is a no-op.
func (d *Dispatcher) Release(moverID string) {
	if moverID == "" {
		return
	}
	if d.dir.Release(moverID) {
		d.logger.Info("mover released", "mover_id", moverID)
	}
}

// MoverMoved refreshes the directory from an accepted location sample.
func (d *Dispatcher) MoverMoved(moverID string, c models.Coord, at time.Time) {
	if moverID == "" {
		return
	}
	d.dir.UpdateLocation(moverID, c, at)
}
