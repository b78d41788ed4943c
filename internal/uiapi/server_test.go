package uiapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/metrics"
	"github.com/awaistahir/smart-charge/internal/store"
)

var testNow = time.Date(2024, 12, 1, 13, 30, 0, 0, time.UTC)

type fakePrices struct {
	series    engine.PriceSeries
	refreshed time.Time
}

func (f *fakePrices) GetPrices(_ string, from, to time.Time) (engine.PriceSeries, error) {
	out := engine.PriceSeries{}
	for _, r := range f.series {
		if !r.Time.Before(from) && r.Time.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakePrices) LastRefresh(string) (time.Time, int, error) {
	if f.refreshed.IsZero() {
		return time.Time{}, 0, store.ErrNotFound
	}
	return f.refreshed, len(f.series), nil
}

type fakeSettings struct {
	mu        sync.Mutex
	params    engine.VehicleParams
	submitted []engine.VehicleParams
}

func (f *fakeSettings) Current() (engine.VehicleParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params, nil
}

func (f *fakeSettings) Submit(p engine.VehicleParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, p)
}

func (f *fakeSettings) IsSaving() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted) > 0
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) RunOnce(context.Context) (int, error) {
	f.calls++
	return 24, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultParams() engine.VehicleParams {
	return engine.VehicleParams{
		PetrolPricePerLiter:   dec("14.5"),
		FuelEconomyKmPerLiter: dec("11.6"),
		BatteryCapacityKwh:    dec("10"),
		ElectricRangeKm:       dec("30"),
		ChargeDurationHours:   8,
	}
}

// todaySeries prices every hour of 2024-12-01 at 1.00, except 13:00 at 3.75
// and 20:00-23:00 at 0.50. Tomorrow is unpublished.
func todaySeries() engine.PriceSeries {
	day := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	records := make([]engine.PriceRecord, 24)
	for h := range records {
		price := "1.00"
		switch {
		case h == 13:
			price = "3.75"
		case h >= 20:
			price = "0.50"
		}
		records[h] = engine.PriceRecord{Time: day.Add(time.Duration(h) * time.Hour), Price: dec(price)}
	}
	return engine.NewPriceSeries(records)
}

type testEnv struct {
	prices    *fakePrices
	settings  *fakeSettings
	refresher *fakeRefresher
	registry  *prometheus.Registry
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		prices:    &fakePrices{series: todaySeries()},
		settings:  &fakeSettings{params: defaultParams()},
		refresher: &fakeRefresher{},
		registry:  prometheus.NewRegistry(),
	}
	srv := NewServer(env.prices, env.settings, env.refresher, metrics.New(env.registry), Options{
		PriceArea:       "DK1",
		RefreshInterval: time.Hour,
		Location:        time.UTC,
		Gatherer:        env.registry,
	}).WithClock(func() time.Time { return testNow })
	env.handler = srv.Handler()

	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp overviewResponse
	decodeBody(t, rec, &resp)

	assert.Equal(t, stateOK, resp.State)
	require.NotNil(t, resp.CurrentPrice)
	assert.Equal(t, "3.75", resp.CurrentPrice.Price)

	require.NotNil(t, resp.Evaluation)
	assert.Equal(t, "3.00", resp.Evaluation.KmPerKwh)
	assert.Equal(t, "3", resp.Evaluation.KmPerKwhDisplay)
	assert.Equal(t, "1.25", resp.Evaluation.ElectricCostPerKm)
	assert.Equal(t, "1.25", resp.Evaluation.PetrolCostPerKm)
	assert.True(t, resp.Evaluation.ShouldCharge)

	require.Len(t, resp.Windows, 48)
	for i, w := range resp.Windows {
		assert.Equal(t, 8, w.Hours)
		assert.False(t, w.TooExpensive, "window %d", i)
		// anchors 20..23 all average 0.50
		assert.Equal(t, i >= 20 && i <= 23, w.Cheapest, "window %d", i)
	}

	require.NotNil(t, resp.Windows[19].MeanPrice)
	assert.Equal(t, "0.60", *resp.Windows[19].MeanPrice)

	// tomorrow has no data: null, never 0.00
	assert.Nil(t, resp.Windows[24].MeanPrice)
	assert.Nil(t, resp.Windows[47].MeanPrice)
	assert.Contains(t, rec.Body.String(), `"mean_price":null`)
}

func TestOverviewTooExpensive(t *testing.T) {
	env := newTestEnv(t)
	// petrol 2.32 / 11.6 = 0.20 per km, so windows above 0.60 are too expensive
	env.settings.params.PetrolPricePerLiter = dec("2.32")

	rec := env.do(t, http.MethodGet, "/api/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp overviewResponse
	decodeBody(t, rec, &resp)

	require.NotNil(t, resp.Evaluation)
	assert.False(t, resp.Evaluation.ShouldCharge)

	for i := 0; i <= 18; i++ {
		assert.True(t, resp.Windows[i].TooExpensive, "window %d", i)
	}
	// exactly at the threshold is not too expensive
	assert.False(t, resp.Windows[19].TooExpensive)
	assert.False(t, resp.Windows[20].TooExpensive)
	assert.False(t, resp.Windows[30].TooExpensive)
}

func TestOverviewNoData(t *testing.T) {
	env := newTestEnv(t)
	env.prices.series = engine.PriceSeries{}

	rec := env.do(t, http.MethodGet, "/api/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp overviewResponse
	decodeBody(t, rec, &resp)

	assert.Equal(t, stateNoData, resp.State)
	assert.Nil(t, resp.CurrentPrice)
	assert.Nil(t, resp.Evaluation)
	require.Len(t, resp.Windows, 48)
	for _, w := range resp.Windows {
		assert.Nil(t, w.MeanPrice)
		assert.False(t, w.Cheapest)
	}

	rec = env.do(t, http.MethodGet, "/api/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), stateNoData)
}

func TestOverviewCannotCompute(t *testing.T) {
	env := newTestEnv(t)
	env.settings.params.BatteryCapacityKwh = decimal.Zero

	rec := env.do(t, http.MethodGet, "/api/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp overviewResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, stateCannotCompute, resp.State)
	assert.Nil(t, resp.Evaluation)
	assert.NotNil(t, resp.CurrentPrice)
}

func TestWindowsFromTime(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/windows/2024-12-01T18:00:00Z?hours=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp windowsResponse
	decodeBody(t, rec, &resp)

	assert.True(t, resp.Previous.Equal(time.Date(2024, 12, 1, 17, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Next.Equal(time.Date(2024, 12, 1, 19, 0, 0, 0, time.UTC)))
	require.Len(t, resp.Windows, 3)

	means := []string{}
	for _, w := range resp.Windows {
		require.NotNil(t, w.MeanPrice)
		means = append(means, *w.MeanPrice)
	}
	assert.Equal(t, []string{"1.00", "1.00", "0.83"}, means)
	assert.Equal(t, []bool{false, false, true}, []bool{resp.Windows[0].Cheapest, resp.Windows[1].Cheapest, resp.Windows[2].Cheapest})
}

func TestWindowsFromTimeDefaultsAndErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/windows/2024-12-01T18:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp windowsResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Windows, 8)

	tests := []struct {
		name string
		path string
	}{
		{"bad time", "/api/windows/yesterday"},
		{"zero hours", "/api/windows/2024-12-01T18:00:00Z?hours=0"},
		{"too many hours", "/api/windows/2024-12-01T18:00:00Z?hours=49"},
		{"non numeric hours", "/api/windows/2024-12-01T18:00:00Z?hours=many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, tt.path, "").Code)
		})
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCharge bool
	}{
		{"stored params and current price", `{}`, http.StatusOK, true},
		{"explicit price", `{"price":"3.80"}`, http.StatusOK, false},
		{
			"zero battery",
			`{"vehicle":{"petrol_price_per_liter":"14.5","fuel_economy_km_per_liter":"11.6","battery_capacity_kwh":"0","electric_range_km":"30","charge_duration_hours":8}}`,
			http.StatusUnprocessableEntity, false,
		},
		{"malformed", `{`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/evaluate", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp evaluationDTO
			decodeBody(t, rec, &resp)
			assert.Equal(t, tt.wantCharge, resp.ShouldCharge)
		})
	}
}

func TestEvaluateEndpointCannotCompute(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/evaluate",
		`{"vehicle":{"petrol_price_per_liter":"14.5","fuel_economy_km_per_liter":"11.6","battery_capacity_kwh":"10","electric_range_km":"0"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), stateCannotCompute)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"saving":false`)
	assert.Contains(t, rec.Body.String(), `"charge_duration_hours":8`)

	rec = env.do(t, http.MethodPut, "/api/settings",
		`{"petrol_price_per_liter":"15","fuel_economy_km_per_liter":"12","battery_capacity_kwh":"10","electric_range_km":"40","charge_duration_hours":4}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"saving":true`)
	require.Len(t, env.settings.submitted, 1)
	assert.Equal(t, 4, env.settings.submitted[0].ChargeDurationHours)
	assert.True(t, dec("40").Equal(env.settings.submitted[0].ElectricRangeKm))

	rec = env.do(t, http.MethodPut, "/api/settings", `{"petrol_price_per_liter":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.settings.submitted, 1)
}

func TestRefreshIsThrottled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":24`)

	rec = env.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, env.refresher.calls)
}

func TestStatusAndPrices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":0`)
	assert.Contains(t, rec.Body.String(), `"last_refresh":null`)

	env.prices.refreshed = testNow
	rec = env.do(t, http.MethodGet, "/api/status", "")
	assert.Contains(t, rec.Body.String(), `"records":24`)
	assert.Contains(t, rec.Body.String(), `"price_area":"DK1"`)

	rec = env.do(t, http.MethodGet, "/api/prices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var prices []priceDTO
	decodeBody(t, rec, &prices)
	require.Len(t, prices, 24)
	assert.Equal(t, "3.75", prices[13].Price)
	assert.Equal(t, "0.50", prices[23].Price)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/api/overview", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `smartcharge_requests_total{route="/api/overview",status="200"} 1`)
	assert.Contains(t, body, "smartcharge_current_price 3.75")
	assert.Contains(t, body, "smartcharge_should_charge 1")
}
