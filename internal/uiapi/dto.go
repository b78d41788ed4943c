package uiapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/awaistahir/smart-charge/internal/engine"
)

// Money values go out as two-decimal strings. Undefined values are null.

type priceDTO struct {
	Time  time.Time `json:"time"`
	Price string    `json:"price"`
}

func newPriceDTO(r engine.PriceRecord) priceDTO {
	return priceDTO{Time: r.Time, Price: money(r.Price)}
}

type windowDTO struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Hours        int       `json:"hours"`
	MeanPrice    *string   `json:"mean_price"`
	Cheapest     bool      `json:"cheapest"`
	TooExpensive bool      `json:"too_expensive"`
}

func newWindowDTOs(windows []engine.Window) []windowDTO {
	out := make([]windowDTO, len(windows))
	for i, w := range windows {
		out[i] = windowDTO{
			Start:        w.Start,
			End:          w.End,
			Hours:        w.Hours(),
			MeanPrice:    nullMoney(w.MeanPrice),
			Cheapest:     w.Cheapest,
			TooExpensive: w.TooExpensive,
		}
	}
	return out
}

type evaluationDTO struct {
	CurrentPrice      string `json:"current_price"`
	KmPerKwh          string `json:"km_per_kwh"`
	KmPerKwhDisplay   string `json:"km_per_kwh_display"`
	ElectricCostPerKm string `json:"electric_cost_per_km"`
	PetrolCostPerKm   string `json:"petrol_cost_per_km"`
	ShouldCharge      bool   `json:"should_charge"`
}

func newEvaluationDTO(e engine.Evaluation) evaluationDTO {
	return evaluationDTO{
		CurrentPrice:      money(e.CurrentPrice),
		KmPerKwh:          money(e.KmPerKwh),
		KmPerKwhDisplay:   e.KmPerKwhDisplay().String(),
		ElectricCostPerKm: money(e.ElectricCostPerKm),
		PetrolCostPerKm:   money(e.PetrolCostPerKm),
		ShouldCharge:      e.ShouldCharge,
	}
}

type overviewResponse struct {
	Now          time.Time            `json:"now"`
	State        string               `json:"state"`
	CurrentPrice *priceDTO            `json:"current_price"`
	Evaluation   *evaluationDTO       `json:"evaluation"`
	Settings     engine.VehicleParams `json:"settings"`
	Saving       bool                 `json:"saving"`
	Windows      []windowDTO          `json:"windows"`
}

type windowsResponse struct {
	Start    time.Time   `json:"start"`
	Hours    int         `json:"hours"`
	Previous time.Time   `json:"previous"`
	Next     time.Time   `json:"next"`
	Windows  []windowDTO `json:"windows"`
}

type settingsResponse struct {
	engine.VehicleParams
	Saving bool `json:"saving"`
}

type evaluateRequest struct {
	VehicleParams *engine.VehicleParams `json:"vehicle,omitempty"`
	Price         *decimal.Decimal      `json:"price,omitempty"`
}

func money(d decimal.Decimal) string {
	return engine.RoundPrice(d).StringFixed(2)
}

func nullMoney(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := money(d.Decimal)
	return &s
}
