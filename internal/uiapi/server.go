package uiapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/metrics"
	"github.com/awaistahir/smart-charge/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stateOK            = "ok"
	stateNoData        = "no data"
	stateCannotCompute = "cannot compute"

	maxExploreHours = 48
)

// PriceStore reads the cached price series
type PriceStore interface {
	GetPrices(area string, from, to time.Time) (engine.PriceSeries, error)
	LastRefresh(area string) (time.Time, int, error)
}

// Settings reads and debounces vehicle settings
type Settings interface {
	Current() (engine.VehicleParams, error)
	Submit(p engine.VehicleParams)
	IsSaving() bool
}

// Refresher pulls fresh prices from the feed on demand
type Refresher interface {
	RunOnce(ctx context.Context) (int, error)
}

// Options tunes the API
type Options struct {
	PriceArea string
	// ExploreHours is the default window count on the time page
	ExploreHours int
	// RefreshInterval is the minimum spacing between manual refreshes
	RefreshInterval time.Duration
	// Location decides calendar days for grouping windows
	Location *time.Location
	// Gatherer backs /metrics; nil disables the route
	Gatherer prometheus.Gatherer
}

type Server struct {
	prices    PriceStore
	settings  Settings
	refresher Refresher
	metrics   *metrics.Metrics
	opts      Options
	limiter   *rate.Limiter
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewServer wires the API. m may be nil.
func NewServer(prices PriceStore, settings Settings, refresher Refresher, m *metrics.Metrics, opts Options) *Server {
	if opts.ExploreHours <= 0 {
		opts.ExploreHours = 8
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	return &Server{
		prices:    prices,
		settings:  settings,
		refresher: refresher,
		metrics:   m,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(opts.RefreshInterval), 1),
		now:       time.Now,
		log:       logrus.WithField("component", "uiapi"),
	}
}

// WithClock replaces the wall clock, for tests
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logrus.StandardLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	// CORS for local development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/prices", s.handleGetPrices)
		r.Get("/current", s.handleCurrent)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Get("/overview", s.handleOverview)
		r.Get("/windows/{time}", s.handleWindows)
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/refresh", s.handleRefresh)
	})

	return r
}

// instrument counts requests by route pattern and status
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.metrics.RequestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":     "ok",
		"price_area": s.opts.PriceArea,
		"saving":     s.settings.IsSaving(),
	}

	at, count, err := s.prices.LastRefresh(s.opts.PriceArea)
	switch {
	case err == nil:
		resp["last_refresh"] = at
		resp["records"] = count
	case errors.Is(err, store.ErrNotFound):
		resp["last_refresh"] = nil
		resp["records"] = 0
	default:
		s.serverError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	series, err := s.todayAndTomorrow(s.now())
	if err != nil {
		s.serverError(w, err)
		return
	}

	out := make([]priceDTO, len(series))
	for i, rec := range series {
		out[i] = newPriceDTO(rec)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	series, err := s.todayAndTomorrow(now)
	if err != nil {
		s.serverError(w, err)
		return
	}

	current, err := engine.FindCurrentPrice(series, now)
	if err != nil {
		respondError(w, http.StatusNotFound, stateNoData)
		return
	}
	respondJSON(w, http.StatusOK, newPriceDTO(current))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	params, err := s.settings.Current()
	if err != nil {
		s.serverError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settingsResponse{VehicleParams: params, Saving: s.settings.IsSaving()})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var params engine.VehicleParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateParams(params); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.settings.Submit(params)
	respondJSON(w, http.StatusAccepted, settingsResponse{VehicleParams: params, Saving: true})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	now := s.now().In(s.opts.Location)

	params, err := s.settings.Current()
	if err != nil {
		s.serverError(w, err)
		return
	}
	series, err := s.todayAndTomorrow(now)
	if err != nil {
		s.serverError(w, err)
		return
	}

	resp := overviewResponse{
		Now:      now,
		State:    stateOK,
		Settings: params,
		Saving:   s.settings.IsSaving(),
	}

	windows := engine.DailyWindows(series, engine.HourlyAnchors(now, 2), params.WindowHours())

	if current, err := engine.FindCurrentPrice(series, now); err == nil {
		p := newPriceDTO(current)
		resp.CurrentPrice = &p
	}

	eval, err := engine.EvaluateAt(params, series, now)
	switch {
	case err == nil:
		e := newEvaluationDTO(eval)
		resp.Evaluation = &e
		engine.MarkTooExpensive(windows, eval)
	case errors.Is(err, engine.ErrDivisionUndefined):
		resp.State = stateCannotCompute
	case errors.Is(err, engine.ErrNoCurrentPrice):
		resp.State = stateNoData
		// the threshold does not depend on the current price
		if kmPerKwh, petrol, err := engine.Economics(params); err == nil {
			engine.MarkTooExpensive(windows, engine.Evaluation{KmPerKwh: kmPerKwh, PetrolCostPerKm: petrol})
		}
	default:
		s.serverError(w, err)
		return
	}

	if s.metrics != nil && resp.Evaluation != nil {
		f, _ := eval.CurrentPrice.Float64()
		s.metrics.CurrentPrice.Set(f)
		if eval.ShouldCharge {
			s.metrics.ShouldCharge.Set(1)
		} else {
			s.metrics.ShouldCharge.Set(0)
		}
	}

	resp.Windows = newWindowDTOs(windows)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, chi.URLParam(r, "time"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "time must be RFC3339")
		return
	}
	start = start.Truncate(time.Hour)

	hours := s.opts.ExploreHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err = strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > maxExploreHours {
			respondError(w, http.StatusBadRequest, "hours must be between 1 and 48")
			return
		}
	}

	series, err := s.prices.GetPrices(s.opts.PriceArea, start, start.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		s.serverError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, windowsResponse{
		Start:    start,
		Hours:    hours,
		Previous: start.Add(-time.Hour),
		Next:     start.Add(time.Hour),
		Windows:  newWindowDTOs(engine.WindowsFromInstant(series, start, hours)),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := req.VehicleParams
	if req.VehicleParams == nil {
		current, err := s.settings.Current()
		if err != nil {
			s.serverError(w, err)
			return
		}
		params = &current
	}

	price := req.Price
	if price == nil {
		now := s.now()
		series, err := s.todayAndTomorrow(now)
		if err != nil {
			s.serverError(w, err)
			return
		}
		current, err := engine.FindCurrentPrice(series, now)
		if err != nil {
			respondError(w, http.StatusNotFound, stateNoData)
			return
		}
		price = &current.Price
	}

	eval, err := engine.Evaluate(*params, *price)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, stateCannotCompute)
		return
	}
	respondJSON(w, http.StatusOK, newEvaluationDTO(eval))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "refresh rate limited")
		return
	}

	n, err := s.refresher.RunOnce(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("manual refresh failed")
		respondError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"records": n})
}

// todayAndTomorrow reads the cached series from the start of today through tomorrow
func (s *Server) todayAndTomorrow(now time.Time) (engine.PriceSeries, error) {
	local := now.In(s.opts.Location)
	y, m, d := local.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
	return s.prices.GetPrices(s.opts.PriceArea, from, from.AddDate(0, 0, 2))
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("request failed")
	respondError(w, http.StatusInternalServerError, "internal error")
}

func validateParams(p engine.VehicleParams) error {
	fields := map[string]decimal.Decimal{
		"petrol_price_per_liter":    p.PetrolPricePerLiter,
		"fuel_economy_km_per_liter": p.FuelEconomyKmPerLiter,
		"battery_capacity_kwh":      p.BatteryCapacityKwh,
		"electric_range_km":         p.ElectricRangeKm,
	}
	for name, v := range fields {
		if v.IsNegative() {
			return errors.Newf("%s must not be negative", name)
		}
	}
	if p.ChargeDurationHours < 0 || p.ChargeDurationHours > 24 {
		return errors.New("charge_duration_hours must be between 0 and 24")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
