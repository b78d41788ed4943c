package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput      = errors.New("invalid input parameters")
	ErrDivisionUndefined = errors.New("cannot compute: vehicle parameter is zero")
	ErrNoCurrentPrice    = errors.New("no price for the current hour")
)

// DailyWindows builds one window of durationHours per anchor, in anchor order.
// Windows whose start shares a calendar day (in the anchor's location) are
// ranked together and every window holding that day's minimum mean is flagged
// Cheapest.
func DailyWindows(series PriceSeries, anchors []time.Time, durationHours int) []Window {
	hours := clampHours(durationHours)
	length := time.Duration(hours) * time.Hour

	windows := make([]Window, len(anchors))
	for i, a := range anchors {
		windows[i] = Window{
			Start:     a,
			End:       a.Add(length),
			MeanPrice: MeanPrice(series, a, a.Add(length)),
		}
	}

	// Group by calendar day; anchors are chronological so days are contiguous
	for from := 0; from < len(windows); {
		to := from + 1
		for to < len(windows) && sameDay(windows[from].Start, windows[to].Start) {
			to++
		}
		flagMinimum(windows[from:to])
		from = to
	}

	return windows
}

// WindowsFromInstant builds windows that all begin at start and last
// 1..maxHours hours. The global minimum across the sequence is flagged.
func WindowsFromInstant(series PriceSeries, start time.Time, maxHours int) []Window {
	if maxHours <= 0 {
		return []Window{}
	}

	windows := make([]Window, maxHours)
	for i := range windows {
		end := start.Add(time.Duration(i+1) * time.Hour)
		windows[i] = Window{
			Start:     start,
			End:       end,
			MeanPrice: MeanPrice(series, start, end),
		}
	}

	flagMinimum(windows)
	return windows
}

// MeanPrice averages the records with Time in [start, end). The result is
// invalid when no record falls inside the interval.
func MeanPrice(series PriceSeries, start, end time.Time) decimal.NullDecimal {
	sum := decimal.Zero
	count := 0
	for _, r := range series {
		if r.Time.Before(start) || !r.Time.Before(end) {
			continue
		}
		sum = sum.Add(r.Price)
		count++
	}

	if count == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(count))))
}

// MarkTooExpensive flags windows whose implied electric cost per km is above
// the petrol cost per km of eval. The same evaluation applies to every window.
func MarkTooExpensive(windows []Window, eval Evaluation) {
	for i := range windows {
		windows[i].TooExpensive = tooExpensive(windows[i].MeanPrice, eval.KmPerKwh, eval.PetrolCostPerKm)
	}
}

func tooExpensive(mean decimal.NullDecimal, kmPerKwh, petrolCostPerKm decimal.Decimal) bool {
	if !mean.Valid || kmPerKwh.IsZero() {
		return false
	}
	return mean.Decimal.Div(kmPerKwh).GreaterThan(petrolCostPerKm)
}

// HourlyAnchors returns hourly instants from the start of now's calendar day
// through the last hour of the days-th day, in now's location
func HourlyAnchors(now time.Time, days int) []time.Time {
	if days <= 0 {
		return []time.Time{}
	}

	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	until := time.Date(y, m, d+days, 0, 0, 0, 0, now.Location())

	anchors := make([]time.Time, 0, days*24)
	for t := from; t.Before(until); t = t.Add(time.Hour) {
		anchors = append(anchors, t)
	}
	return anchors
}

// flagMinimum marks every window holding the minimum valid mean.
// Ties are all flagged; a group with no valid mean gets no flag.
func flagMinimum(windows []Window) {
	var lowest decimal.NullDecimal
	for _, w := range windows {
		if !w.MeanPrice.Valid {
			continue
		}
		if !lowest.Valid || w.MeanPrice.Decimal.LessThan(lowest.Decimal) {
			lowest = w.MeanPrice
		}
	}

	if !lowest.Valid {
		return
	}
	for i := range windows {
		if windows[i].MeanPrice.Valid && windows[i].MeanPrice.Decimal.Equal(lowest.Decimal) {
			windows[i].Cheapest = true
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func clampHours(h int) int {
	if h < 1 {
		return 1
	}
	return h
}
