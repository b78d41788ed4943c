package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

var half = decimal.NewFromFloat(0.5)

// Evaluate compares the per-km cost of driving on electricity bought at
// currentPrice against driving on petrol. Costs are rounded half-up to two
// decimals; an equal cost recommends charging.
func Evaluate(params VehicleParams, currentPrice decimal.Decimal) (Evaluation, error) {
	kmPerKwh, petrol, err := Economics(params)
	if err != nil {
		return Evaluation{}, err
	}

	electric := roundHalfUp(currentPrice.Div(kmPerKwh), 2)

	return Evaluation{
		CurrentPrice:      currentPrice,
		KmPerKwh:          kmPerKwh,
		ElectricCostPerKm: electric,
		PetrolCostPerKm:   petrol,
		ShouldCharge:      electric.LessThanOrEqual(petrol),
	}, nil
}

// Economics returns the price-independent half of an evaluation: km driven
// per kWh and the petrol cost per km, rounded half-up to two decimals.
func Economics(params VehicleParams) (kmPerKwh, petrolCostPerKm decimal.Decimal, err error) {
	if params.BatteryCapacityKwh.IsZero() || params.FuelEconomyKmPerLiter.IsZero() {
		return decimal.Zero, decimal.Zero, ErrDivisionUndefined
	}

	kmPerKwh = params.ElectricRangeKm.Div(params.BatteryCapacityKwh)
	if kmPerKwh.IsZero() {
		return decimal.Zero, decimal.Zero, ErrDivisionUndefined
	}

	return kmPerKwh, roundHalfUp(params.PetrolPricePerLiter.Div(params.FuelEconomyKmPerLiter), 2), nil
}

// EvaluateAt resolves the current-hour price from series and evaluates it
func EvaluateAt(params VehicleParams, series PriceSeries, now time.Time) (Evaluation, error) {
	current, err := FindCurrentPrice(series, now)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluate(params, current.Price)
}

// FindCurrentPrice returns the record whose time is exactly the hour that
// contains now. Neighbouring hours are never substituted.
func FindCurrentPrice(series PriceSeries, now time.Time) (PriceRecord, error) {
	hour := now.UTC().Truncate(time.Hour)
	for _, r := range series {
		if r.Time.Equal(hour) {
			return r, nil
		}
	}
	return PriceRecord{}, ErrNoCurrentPrice
}

// RoundPrice rounds a price half-up to two decimals
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return roundHalfUp(d, 2)
}

// roundHalfUp rounds toward +infinity on a tie, including for negative values
func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Shift(places).Add(half).Floor().Shift(-places)
}
