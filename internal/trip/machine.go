// Package trip implements the guarded lifecycle of a ride or parcel:
//
//	requested -> accepted -> arriving -> arrived -> in_progress -> completed
//
// with cancelled reachable from requested, accepted and arriving only.
// accepted -> arriving -> arrived is driven by the mover's distance to the
// pickup point, never by client-reported state.
package trip

import (
	"fmt"
	"time"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
)

const (
	DefaultArrivingRadiusKm = 0.5
	DefaultArrivedRadiusKm  = 0.1
)

var successors = map[models.Status][]models.Status{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArriving, models.StatusCancelled},
	models.StatusArriving:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress},
	models.StatusInProgress: {models.StatusCompleted},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to models.Status) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Notifier receives every transition after it has been applied.
type Notifier interface {
	StatusChanged(t models.Trip, from models.Status)
}

type Config struct {
	ArrivingRadiusKm float64
	ArrivedRadiusKm  float64
}

// Machine applies transitions to trips it is handed. It holds no trip state
// itself; callers serialize access to each trip.
type Machine struct {
	cfg      Config
	now      func() time.Time
	notifier Notifier
}

func NewMachine(cfg Config, n Notifier) *Machine {
	if cfg.ArrivingRadiusKm <= 0 {
		cfg.ArrivingRadiusKm = DefaultArrivingRadiusKm
	}
	if cfg.ArrivedRadiusKm <= 0 || cfg.ArrivedRadiusKm > cfg.ArrivingRadiusKm {
		cfg.ArrivedRadiusKm = min(DefaultArrivedRadiusKm, cfg.ArrivingRadiusKm)
	}
	return &Machine{cfg: cfg, now: time.Now, notifier: n}
}

// SetClock overrides time.Now, for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Accept records moverID and moves requested -> accepted.
func (m *Machine) Accept(t *models.Trip, moverID string) error {
	if moverID == "" {
		return fmt.Errorf("%w: empty mover id", errs.ErrInvalidRequest)
	}
	if err := m.guard(t, models.StatusAccepted); err != nil {
		return err
	}
	t.AssignedMoverID = moverID
	m.apply(t, models.StatusAccepted)
	return nil
}

// Start moves arrived -> in_progress.
func (m *Machine) Start(t *models.Trip) error { return m.Transition(t, models.StatusInProgress) }

// Complete moves in_progress -> completed.
func (m *Machine) Complete(t *models.Trip) error { return m.Transition(t, models.StatusCompleted) }

// Cancel is rejected with ErrNotCancellable once the mover has arrived.
func (m *Machine) Cancel(t *models.Trip, reason string) error {
	if !CanTransition(t.Status, models.StatusCancelled) {
		return fmt.Errorf("%w: trip %s is %s", errs.ErrNotCancellable, t.ID, t.Status)
	}
	t.CancellationReason = reason
	m.apply(t, models.StatusCancelled)
	return nil
}

// Transition applies a manual transition other than accept and cancel.
func (m *Machine) Transition(t *models.Trip, to models.Status) error {
	switch to {
	case models.StatusAccepted:
		return m.Accept(t, t.AssignedMoverID)
	case models.StatusCancelled:
		return m.Cancel(t, "")
	}
	if err := m.guard(t, to); err != nil {
		return err
	}
	m.apply(t, to)
	return nil
}

// Advance evaluates the proximity rule for one accepted location sample and
// returns the statuses entered, in order. It only moves forward; a mover
// already inside the tight radius goes through arriving to arrived at once.
func (m *Machine) Advance(t *models.Trip, distanceToPickupKm float64) []models.Status {
	var entered []models.Status
	if t.Status == models.StatusAccepted && distanceToPickupKm <= m.cfg.ArrivingRadiusKm {
		m.apply(t, models.StatusArriving)
		entered = append(entered, models.StatusArriving)
	}
	if t.Status == models.StatusArriving && distanceToPickupKm <= m.cfg.ArrivedRadiusKm {
		m.apply(t, models.StatusArrived)
		entered = append(entered, models.StatusArrived)
	}
	return entered
}

func (m *Machine) guard(t *models.Trip, to models.Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s on trip %s", errs.ErrIllegalTransition, t.Status, to, t.ID)
	}
	return nil
}

func (m *Machine) apply(t *models.Trip, to models.Status) {
	from := t.Status
	now := m.now()
	if last := t.LastStamp(); now.Before(last) {
		now = last
	}
	stamp := now
	switch to {
	case models.StatusAccepted:
		t.AcceptedAt = &stamp
	case models.StatusArriving:
		t.ArrivingAt = &stamp
	case models.StatusArrived:
		t.ArrivedAt = &stamp
	case models.StatusInProgress:
		t.StartedAt = &stamp
	case models.StatusCompleted:
		t.CompletedAt = &stamp
	case models.StatusCancelled:
		t.CancelledAt = &stamp
	}
	t.Status = to
	if m.notifier != nil {
		m.notifier.StatusChanged(*t, from)
	}
}
