package models

import "time"

// LocationEvent is the wire shape of a location update shared by the
// transport and the persistence sink.
type LocationEvent struct {
	TripID      string  `json:"tripId"`
	MoverID     string  `json:"moverId,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Accuracy    float64 `json:"accuracy"`
	Speed       float64 `json:"speed"`
	Heading     float64 `json:"heading"`
	TimestampMs int64   `json:"timestampMs"`
}

type StatusEvent struct {
	TripID      string `json:"tripId"`
	Status      Status `json:"status"`
	TimestampMs int64  `json:"timestampMs"`
}

func NewLocationEvent(tripID string, s LocationSample) LocationEvent {
	return LocationEvent{
		TripID:      tripID,
		MoverID:     s.MoverID,
		Lat:         s.Lat,
		Lon:         s.Lon,
		Accuracy:    s.Accuracy,
		Speed:       s.Speed,
		Heading:     s.Heading,
		TimestampMs: s.Timestamp.UnixMilli(),
	}
}

func (e LocationEvent) Sample() LocationSample {
	return LocationSample{
		MoverID:   e.MoverID,
		Lat:       e.Lat,
		Lon:       e.Lon,
		Accuracy:  e.Accuracy,
		Speed:     e.Speed,
		Heading:   e.Heading,
		Timestamp: time.UnixMilli(e.TimestampMs).UTC(),
	}
}

func NewStatusEvent(tripID string, status Status, at time.Time) StatusEvent {
	return StatusEvent{TripID: tripID, Status: status, TimestampMs: at.UnixMilli()}
}

func (e StatusEvent) Time() time.Time { return time.UnixMilli(e.TimestampMs).UTC() }
