package pricing

import (
	"fmt"
	"math"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
)

// Supply reports how many movers of a class can take a trip right now.
type Supply interface {
	CountAvailable(class models.VehicleClass) int
}

type Estimator struct {
	tariffs map[models.VehicleClass]Tariff
	ledger  *DemandLedger
	supply  Supply
}

func NewEstimator(tariffs map[models.VehicleClass]Tariff, ledger *DemandLedger, supply Supply) *Estimator {
	if tariffs == nil {
		tariffs = DefaultTariffs()
	}
	return &Estimator{tariffs: tariffs, ledger: ledger, supply: supply}
}

// SurgeMultiplier is a four-step function of demand and supply; existing
// pricing expectations depend on these exact tiers.
func SurgeMultiplier(demand, supply int) float64 {
	switch {
	case supply == 0:
		return 2.0
	case demand > 2*supply:
		return 1.5
	case demand > supply:
		return 1.2
	default:
		return 1.0
	}
}

func (e *Estimator) Tariff(class models.VehicleClass) (Tariff, bool) {
	t, ok := e.tariffs[class]
	return t, ok
}

// PriceEstimate prices a trip of distanceKm taking etaMinutes from
// originArea. The total is rounded to whole units and never below the
// class minimum fare.
func (e *Estimator) PriceEstimate(distanceKm, etaMinutes float64, class models.VehicleClass, originArea string) (models.PriceEstimate, error) {
	tariff, ok := e.tariffs[class]
	if !ok {
		return models.PriceEstimate{}, fmt.Errorf("%w: %q", errs.ErrUnknownVehicleClass, class)
	}
	demand, supply := 0, 0
	if e.ledger != nil {
		demand = e.ledger.Demand(originArea)
	}
	if e.supply != nil {
		supply = e.supply.CountAvailable(class)
	}
	surge := SurgeMultiplier(demand, supply)

	p := models.PriceEstimate{
		Base:            tariff.Base,
		DistanceFee:     math.Round(distanceKm * tariff.PerKm),
		TimeFee:         math.Round(etaMinutes * tariff.PerMinute),
		SurgeMultiplier: surge,
		Currency:        tariff.Currency,
		DistanceKm:      math.Round(distanceKm*100) / 100,
		EtaMinutes:      math.Round(etaMinutes*10) / 10,
	}
	p.Total = math.Max(math.Round((p.Base+p.DistanceFee+p.TimeFee)*surge), tariff.MinimumFare)
	return p, nil
}
