package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 {
	return &f
}

func TestNormalize(t *testing.T) {
	rate := decimal.RequireFromString("7.44")
	factor := decimal.NewFromInt(2)

	tests := []struct {
		name   string
		dkk    *float64
		eur    *float64
		want   string
		wantOK bool
	}{
		{"dkk per MWh", ptr(650.0), ptr(87.37), "1.30", true},
		{"rounds half up", ptr(652.5), nil, "1.31", true},
		{"eur fallback when dkk missing", nil, ptr(100.0), "1.49", true}, // 744 / 1000 * 2 = 1.488
		{"eur fallback when dkk zero", ptr(0), ptr(50.0), "0.74", true},
		{"zero dkk without eur", ptr(0), nil, "0", true},
		{"negative price", ptr(-12.0), nil, "-0.02", true},
		{"no price", nil, nil, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.dkk, tt.eur, rate, factor)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s, want %s", got, tt.want)
			}
		})
	}
}

const feedBody = `{
  "total": 4,
  "dataset": "Elspotprices",
  "records": [
    {"HourUTC": "2024-12-01T00:00:00", "HourDK": "2024-12-01T01:00:00", "PriceArea": "DK1", "SpotPriceDKK": 500.0, "SpotPriceEUR": 67.0},
    {"HourUTC": "2024-12-01T01:00:00", "HourDK": "2024-12-01T02:00:00", "PriceArea": "DK1", "SpotPriceDKK": null, "SpotPriceEUR": 100.0},
    {"HourUTC": "2024-12-01T00:00:00", "HourDK": "2024-12-01T01:00:00", "PriceArea": "DK1", "SpotPriceDKK": 999.0, "SpotPriceEUR": 1.0},
    {"HourUTC": "not-a-time", "HourDK": "", "PriceArea": "DK1", "SpotPriceDKK": 1.0, "SpotPriceEUR": 1.0},
    {"HourUTC": "2024-12-01T02:00:00", "HourDK": "2024-12-01T03:00:00", "PriceArea": "DK1", "SpotPriceDKK": null, "SpotPriceEUR": null}
  ]
}`

func TestClientHourly(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dataset/Elspotprices", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"start":  q.Get("start"),
			"end":    q.Get("end"),
			"filter": q.Get("filter"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	from := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

	series, err := client.Hourly(context.Background(), from, from.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "2024-12-01T00:00", gotQuery["start"])
	assert.Equal(t, "2024-12-03T00:00", gotQuery["end"])
	assert.Equal(t, `{"PriceArea":["DK1"]}`, gotQuery["filter"])

	require.Len(t, series, 2)
	assert.True(t, series[0].Time.Equal(from))
	assert.True(t, decimal.RequireFromString("1.00").Equal(series[0].Price), "first duplicate is kept")
	assert.True(t, series[1].Time.Equal(from.Add(time.Hour)))
	assert.True(t, decimal.RequireFromString("1.49").Equal(series[1].Price))
}

func TestClientHourlyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, PriceArea: "DK2"})
	assert.Equal(t, "DK2", client.PriceArea())

	_, err := client.Hourly(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestFetchTodayAndTomorrowRange(t *testing.T) {
	var start, end string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start = r.URL.Query().Get("start")
		end = r.URL.Query().Get("end")
		_, _ = w.Write([]byte(`{"total":0,"records":[]}`))
	}))
	defer srv.Close()

	cet := time.FixedZone("CET", 3600)
	now := time.Date(2024, 12, 1, 15, 30, 0, 0, cet)

	series, err := NewClient(Options{BaseURL: srv.URL}).FetchTodayAndTomorrow(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, series)

	// local midnight in CET is 23:00 UTC the day before
	assert.Equal(t, "2024-11-30T23:00", start)
	assert.Equal(t, "2024-12-02T23:00", end)
}
