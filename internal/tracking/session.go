package tracking

import (
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// Handle identifies a live tracking session.
type Handle struct {
	TripID    string    `json:"tripId"`
	MoverID   string    `json:"moverId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type Stats struct {
	SampleCount int       `json:"sampleCount"`
	DistanceKm  float64   `json:"distanceKm"`
	AvgSpeedKmh float64   `json:"avgSpeedKmh"`
	FirstAt     time.Time `json:"firstAt,omitempty"`
	LastAt      time.Time `json:"lastAt,omitempty"`
}

// Snapshot is a read-only view of a session. EtaMinutes is nil until the
// first sample arrives.
type Snapshot struct {
	TripID      string                  `json:"tripId"`
	Status      models.Status           `json:"status"`
	MoverID     string                  `json:"moverId,omitempty"`
	Last        *models.LocationSample  `json:"last,omitempty"`
	History     []models.LocationSample `json:"history"`
	EtaMinutes  *float64                `json:"etaMinutes,omitempty"`
	Subscribers int                     `json:"subscribers"`
	Stats       Stats                   `json:"stats"`
}

type session struct {
	handle  Handle
	last    *models.LocationSample
	history *history
	stats   Stats
}

func newSession(h Handle, capacity int) *session {
	return &session{handle: h, history: newHistory(capacity)}
}

func (s *session) record(sample models.LocationSample) {
	if s.last != nil {
		s.stats.DistanceKm += geo.DistanceKm(s.last.Coord(), sample.Coord())
	} else {
		s.stats.FirstAt = sample.Timestamp
	}
	s.stats.SampleCount++
	s.stats.LastAt = sample.Timestamp
	if hours := s.stats.LastAt.Sub(s.stats.FirstAt).Hours(); hours > 0 {
		s.stats.AvgSpeedKmh = s.stats.DistanceKm / hours
	}
	last := sample
	s.last = &last
	s.history.push(sample)
}

// history keeps the most recent samples; the oldest is evicted first.
type history struct {
	buf  []models.LocationSample
	head int
	n    int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &history{buf: make([]models.LocationSample, capacity)}
}

func (h *history) push(s models.LocationSample) {
	if h.n == len(h.buf) {
		h.buf[h.head] = s
		h.head = (h.head + 1) % len(h.buf)
		return
	}
	h.buf[(h.head+h.n)%len(h.buf)] = s
	h.n++
}

// tail returns up to k samples, oldest first. k <= 0 means all of them.
func (h *history) tail(k int) []models.LocationSample {
	if k <= 0 || k > h.n {
		k = h.n
	}
	out := make([]models.LocationSample, 0, k)
	for i := h.n - k; i < h.n; i++ {
		out = append(out, h.buf[(h.head+i)%len(h.buf)])
	}
	return out
}
