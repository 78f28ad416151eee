package pricing

import (
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

const DefaultWindow = 30 * time.Minute

// DemandLedger remembers recent trips per area so demand can be counted
// without asking the trip actors.
type DemandLedger struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]demandEntry
}

type demandEntry struct {
	area      string
	createdAt time.Time
	status    models.Status
}

func NewDemandLedger(window time.Duration) *DemandLedger {
	if window <= 0 {
		window = DefaultWindow
	}
	return &DemandLedger{window: window, now: time.Now, entries: make(map[string]demandEntry)}
}

// SetClock overrides time.Now, for tests.
func (l *DemandLedger) SetClock(now func() time.Time) { l.now = now }

func (l *DemandLedger) Record(tripID, area string, createdAt time.Time, status models.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[tripID] = demandEntry{area: area, createdAt: createdAt, status: status}
}

// SetStatus updates a recorded trip; unknown trips are ignored.
func (l *DemandLedger) SetStatus(tripID string, status models.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[tripID]
	if !ok {
		return
	}
	e.status = status
	l.entries[tripID] = e
}

// Demand counts trips in area that are requested or accepted and were
// created within the window.
func (l *DemandLedger) Demand(area string) int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.area != area || e.createdAt.Before(cutoff) {
			continue
		}
		if e.status == models.StatusRequested || e.status == models.StatusAccepted {
			n++
		}
	}
	return n
}

// Prune drops entries that can no longer count toward demand and returns
// how many were removed.
func (l *DemandLedger) Prune() int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		if e.createdAt.Before(cutoff) || e.status.Rank() > models.StatusAccepted.Rank() || e.status == models.StatusCancelled {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

func (l *DemandLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
