package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one hourly spot price, already normalized to currency per kWh
type PriceRecord struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// PriceSeries is a time-ordered set of price records, unique by Time.
// Gaps between records are allowed.
type PriceSeries []PriceRecord

// NewPriceSeries sorts records by time and drops duplicates, keeping the
// first record seen for each hour
func NewPriceSeries(records []PriceRecord) PriceSeries {
	seen := make(map[int64]struct{}, len(records))
	series := make(PriceSeries, 0, len(records))
	for _, r := range records {
		key := r.Time.UTC().Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.Time = r.Time.UTC()
		series = append(series, r)
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Time.Before(series[j].Time)
	})

	return series
}

// Window is a candidate charging interval [Start, End) with the mean price of
// the records inside it. MeanPrice is invalid when no record falls inside.
type Window struct {
	Start        time.Time           `json:"start"`
	End          time.Time           `json:"end"`
	MeanPrice    decimal.NullDecimal `json:"mean_price"`
	Cheapest     bool                `json:"cheapest"`
	TooExpensive bool                `json:"too_expensive"`
}

// Hours returns the window length in whole hours
func (w Window) Hours() int {
	return int(w.End.Sub(w.Start) / time.Hour)
}

// VehicleParams are the user-supplied vehicle economics
type VehicleParams struct {
	PetrolPricePerLiter   decimal.Decimal `json:"petrol_price_per_liter"`
	FuelEconomyKmPerLiter decimal.Decimal `json:"fuel_economy_km_per_liter"`
	BatteryCapacityKwh    decimal.Decimal `json:"battery_capacity_kwh"`
	ElectricRangeKm       decimal.Decimal `json:"electric_range_km"`
	ChargeDurationHours   int             `json:"charge_duration_hours"`
}

// WindowHours is the charge duration used as a window length, never below one hour
func (p VehicleParams) WindowHours() int {
	return clampHours(p.ChargeDurationHours)
}

// Evaluation is the outcome of comparing electric and petrol cost per km
type Evaluation struct {
	CurrentPrice      decimal.Decimal `json:"current_price"`
	KmPerKwh          decimal.Decimal `json:"km_per_kwh"`
	ElectricCostPerKm decimal.Decimal `json:"electric_cost_per_km"`
	PetrolCostPerKm   decimal.Decimal `json:"petrol_cost_per_km"`
	ShouldCharge      bool            `json:"should_charge"`
}

// KmPerKwhDisplay is KmPerKwh rounded to a whole number, for display only
func (e Evaluation) KmPerKwhDisplay() decimal.Decimal {
	return roundHalfUp(e.KmPerKwh, 0)
}
