package pricing

import "github.com/example/trip-dispatch/internal/models"

// Tariff is the static fare table row for one vehicle class. Amounts are in
// whole currency units.
type Tariff struct {
	Base        float64
	PerKm       float64
	PerMinute   float64
	MinimumFare float64
	Currency    string
}

const DefaultCurrency = "XAF"

// DefaultTariffs mirrors the production fare table.
func DefaultTariffs() map[models.VehicleClass]Tariff {
	return map[models.VehicleClass]Tariff{
		models.VehicleStandard:   {Base: 500, PerKm: 150, PerMinute: 10, MinimumFare: 1000, Currency: DefaultCurrency},
		models.VehicleComfort:    {Base: 700, PerKm: 180, PerMinute: 12, MinimumFare: 1200, Currency: DefaultCurrency},
		models.VehiclePremium:    {Base: 1200, PerKm: 300, PerMinute: 20, MinimumFare: 2000, Currency: DefaultCurrency},
		models.VehicleVan:        {Base: 1500, PerKm: 250, PerMinute: 18, MinimumFare: 2500, Currency: DefaultCurrency},
		models.VehicleMotorcycle: {Base: 300, PerKm: 100, PerMinute: 8, MinimumFare: 800, Currency: DefaultCurrency},
	}
}
