package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

const DefaultShards = 32

// Directory is the in-memory MoverDirectory. Movers are spread over shards
// by id hash so location updates and nearby scans on different shards never
// contend.
type Directory struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	movers   map[string]*models.Mover
	reserved map[string]struct{}
}

func NewDirectory(shards int) *Directory {
	if shards <= 0 {
		shards = DefaultShards
	}
	d := &Directory{shards: make([]*shard, shards)}
	for i := range d.shards {
		d.shards[i] = &shard{movers: make(map[string]*models.Mover), reserved: make(map[string]struct{})}
	}
	return d
}

func (d *Directory) shardFor(id string) *shard {
	return d.shards[xxhash.Sum64String(id)%uint64(len(d.shards))]
}

// Register adds or replaces a mover. A mover holding an assignment stays
// unavailable until it is released.
func (d *Directory) Register(m models.Mover) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty mover id", errs.ErrInvalidRequest)
	}
	if m.VehicleClass == "" {
		return fmt.Errorf("%w: mover %s has no vehicle class", errs.ErrInvalidRequest, m.ID)
	}
	if err := geo.ValidateCoord(m.Loc); err != nil {
		return err
	}
	if m.Updated.IsZero() {
		m.Updated = time.Now()
	}
	s := d.shardFor(m.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[m.ID]; ok {
		m.Available = false
	}
	s.movers[m.ID] = &m
	return nil
}

// Remove deletes a mover. A mover holding a reservation stays until its
// trip releases it.
func (d *Directory) Remove(id string) error {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.movers[id]; !ok {
		return fmt.Errorf("%w: %s", errs.ErrMoverNotFound, id)
	}
	if _, ok := s.reserved[id]; ok {
		return fmt.Errorf("%w: %s is on a trip", errs.ErrMoverUnavailable, id)
	}
	delete(s.movers, id)
	return nil
}

func (d *Directory) Get(id string) (models.Mover, bool) {
	s := d.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.movers[id]
	if !ok {
		return models.Mover{}, false
	}
	return *m, true
}

// UpdateLocation moves a known mover. Fixes older than the stored one are
// ignored. Unknown movers are not created since their vehicle class is not
// known; the return value reports whether the entry changed.
func (d *Directory) UpdateLocation(id string, c models.Coord, at time.Time) bool {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.movers[id]
	if !ok || at.Before(m.Updated) {
		return false
	}
	m.Loc = c
	m.Updated = at
	return true
}

// Reserve flips an available mover to unavailable.
func (d *Directory) Reserve(id string) error {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.movers[id]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrMoverNotFound, id)
	}
	if !m.Available {
		return fmt.Errorf("%w: %s", errs.ErrMoverUnavailable, id)
	}
	m.Available = false
	s.reserved[id] = struct{}{}
	return nil
}

// Release ends a reservation and makes the mover available again. It
// reports whether a reservation was held.
func (d *Directory) Release(id string) bool {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[id]; !ok {
		return false
	}
	delete(s.reserved, id)
	if m, ok := s.movers[id]; ok {
		m.Available = true
	}
	return true
}

// CountAvailable counts available movers of class. An empty class counts
// every available mover.
func (d *Directory) CountAvailable(class models.VehicleClass) int {
	n := 0
	for _, s := range d.shards {
		s.mu.RLock()
		for _, m := range s.movers {
			if m.Available && (class == "" || m.VehicleClass == class) {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

func (d *Directory) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.RLock()
		n += len(s.movers)
		s.mu.RUnlock()
	}
	return n
}

// within returns available movers of class no farther than radiusKm from
// origin, unordered. Each shard is only read-locked while it is scanned.
func (d *Directory) within(origin models.Coord, class models.VehicleClass, radiusKm float64) []models.NearbyMover {
	var out []models.NearbyMover
	for _, s := range d.shards {
		s.mu.RLock()
		for _, m := range s.movers {
			if !m.Available || m.VehicleClass != class {
				continue
			}
			dist := geo.DistanceKm(origin, m.Loc)
			if dist > radiusKm {
				continue
			}
			out = append(out, models.NearbyMover{Mover: *m, DistanceKm: dist})
		}
		s.mu.RUnlock()
	}
	return out
}
