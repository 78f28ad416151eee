package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Kind tags what a trip moves.
type Kind string

const (
	KindRide   Kind = "RIDE"
	KindParcel Kind = "PARCEL"
)

func (k Kind) Valid() bool { return k == KindRide || k == KindParcel }

type VehicleClass string

const (
	VehicleStandard   VehicleClass = "standard"
	VehicleComfort    VehicleClass = "comfort"
	VehiclePremium    VehicleClass = "premium"
	VehicleVan        VehicleClass = "van"
	VehicleMotorcycle VehicleClass = "motorcycle"
)

// LocationSample is one GPS fix reported by a mover. Timestamp is the
// client-side fix time and is what ordering is decided on.
type LocationSample struct {
	MoverID   string    `json:"moverId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// Mover is a MoverDirectory entry.
type Mover struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	Available    bool         `json:"available"`
	VehicleClass VehicleClass `json:"vehicleClass"`
	Updated      time.Time    `json:"updated"`
}

// NearbyMover is a FindNearby result row.
type NearbyMover struct {
	Mover
	DistanceKm float64 `json:"distanceKm"`
}

type PriceEstimate struct {
	Base            float64 `json:"base"`
	DistanceFee     float64 `json:"distanceFee"`
	TimeFee         float64 `json:"timeFee"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	Total           float64 `json:"total"`
	Currency        string  `json:"currency"`
	DistanceKm      float64 `json:"distanceKm"`
	EtaMinutes      float64 `json:"etaMinutes"`
}

type TripRequest struct {
	Kind         Kind         `json:"kind"`
	RequesterID  string       `json:"requesterId"`
	Pickup       Coord        `json:"pickup"`
	Destination  Coord        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicleClass"`
}

// Trip is a ride or parcel shipment. Timestamp fields stay nil until the
// matching status is entered.
type Trip struct {
	ID              string        `json:"id"`
	Kind            Kind          `json:"kind"`
	RequesterID     string        `json:"requesterId,omitempty"`
	Status          Status        `json:"status"`
	Pickup          Coord         `json:"pickup"`
	Destination     Coord         `json:"destination"`
	VehicleClass    VehicleClass  `json:"vehicleClass"`
	Area            string        `json:"area"`
	AssignedMoverID string        `json:"assignedMoverId,omitempty"`
	Price           PriceEstimate `json:"price"`
	PaymentRef      string        `json:"paymentRef,omitempty"`

	CancellationReason string `json:"cancellationReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	ArrivingAt  *time.Time `json:"arrivingAt,omitempty"`
	ArrivedAt   *time.Time `json:"arrivedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// LastStamp returns the latest timestamp recorded on the trip.
func (t *Trip) LastStamp() time.Time {
	last := t.CreatedAt
	for _, ts := range []*time.Time{t.AcceptedAt, t.ArrivingAt, t.ArrivedAt, t.StartedAt, t.CompletedAt, t.CancelledAt} {
		if ts != nil && ts.After(last) {
			last = *ts
		}
	}
	return last
}
