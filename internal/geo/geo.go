package geo

import (
	"fmt"
	"math"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
)

const (
	earthRadiusKm = 6371.0

	// DefaultSpeedKmh is the average city speed assumed when none is configured.
	DefaultSpeedKmh = 30.0
)

// DistanceKm is the great-circle (haversine) distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// IsValidCoordinate accepts latitudes in [-90, 90] and longitudes in
// [-180, 180]. NaN and infinities are rejected.
func IsValidCoordinate(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidateCoord never clamps: out of range input is an error.
func ValidateCoord(c models.Coord) error {
	if !IsValidCoordinate(c.Lat, c.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", errs.ErrInvalidLocation, c.Lat, c.Lon)
	}
	return nil
}

// EstimateEtaMinutes is a straight-line estimate at a constant assumed
// speed. It is not a routing engine and ignores roads and traffic.
func EstimateEtaMinutes(distanceKm, assumedSpeedKmh float64) float64 {
	if assumedSpeedKmh <= 0 {
		assumedSpeedKmh = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return distanceKm / assumedSpeedKmh * 60
}
