package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// MemoryStore keeps the event log and mover table in memory. It backs the
// server when no database is configured, and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	locations map[string][]models.LocationEvent
	statuses  map[string][]models.StatusEvent
	movers    map[string]models.Mover
}

func NewMemoryStore(movers ...models.Mover) *MemoryStore {
	m := &MemoryStore{
		locations: make(map[string][]models.LocationEvent),
		statuses:  make(map[string][]models.StatusEvent),
		movers:    make(map[string]models.Mover),
	}
	for _, mv := range movers {
		m.movers[mv.ID] = mv
	}
	return m
}

func (m *MemoryStore) AppendLocationEvent(_ context.Context, ev models.LocationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[ev.TripID] = append(m.locations[ev.TripID], ev)
	return nil
}

func (m *MemoryStore) AppendStatusEvent(_ context.Context, ev models.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[ev.TripID] = append(m.statuses[ev.TripID], ev)
	return nil
}

func (m *MemoryStore) Locations(tripID string) []models.LocationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LocationEvent(nil), m.locations[tripID]...)
}

func (m *MemoryStore) Statuses(tripID string) []models.StatusEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.StatusEvent(nil), m.statuses[tripID]...)
}

func (m *MemoryStore) UpsertMover(_ context.Context, mv models.Mover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movers[mv.ID] = mv
	return nil
}

// LoadMovers returns the movers ordered by id.
func (m *MemoryStore) LoadMovers(context.Context) ([]models.Mover, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Mover, 0, len(m.movers))
	for _, mv := range m.movers {
		out = append(out, mv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
