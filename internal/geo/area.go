package geo

import (
	"github.com/mmcloughlin/geohash"

	"github.com/example/trip-dispatch/internal/models"
)

// DefaultAreaPrecision gives roughly 5 km cells.
const DefaultAreaPrecision = 5

// AreaOf returns the geohash cell containing c. Trips sharing a cell share
// a demand bucket for surge pricing.
func AreaOf(c models.Coord, precision uint) string {
	if precision == 0 || precision > 12 {
		precision = DefaultAreaPrecision
	}
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, precision)
}
