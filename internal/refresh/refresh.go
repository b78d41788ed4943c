// Package refresh keeps the cached price series current by polling the feed on a schedule.
package refresh

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/metrics"
)

// DefaultSchedule polls the feed once a minute
const DefaultSchedule = "@every 60s"

const runTimeout = 90 * time.Second

// Fetcher supplies today's and tomorrow's prices
type Fetcher interface {
	FetchTodayAndTomorrow(ctx context.Context, now time.Time) (engine.PriceSeries, error)
	PriceArea() string
}

// Sink stores fetched prices
type Sink interface {
	SavePrices(area string, series engine.PriceSeries, refreshedAt time.Time) error
	PruneBefore(area string, cutoff time.Time) (int64, error)
}

// Refresher fetches prices and writes them to a Sink
type Refresher struct {
	fetcher Fetcher
	sink    Sink
	metrics *metrics.Metrics
	now     func() time.Time
	keep    time.Duration
	log     logrus.FieldLogger

	cron *cron.Cron
}

// New creates a refresher. m may be nil.
func New(fetcher Fetcher, sink Sink, m *metrics.Metrics) *Refresher {
	return &Refresher{
		fetcher: fetcher,
		sink:    sink,
		metrics: m,
		now:     time.Now,
		keep:    7 * 24 * time.Hour,
		log:     logrus.WithFields(logrus.Fields{"component": "refresh", "area": fetcher.PriceArea()}),
	}
}

// WithClock replaces the wall clock, for tests
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// RunOnce fetches today and tomorrow and stores the result. Records older
// than the retention period are pruned afterwards.
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	now := r.now()

	series, err := r.fetcher.FetchTodayAndTomorrow(ctx, now)
	if err != nil {
		r.count("error")
		return 0, errors.Wrap(err, "refreshing prices")
	}

	if err := r.sink.SavePrices(r.fetcher.PriceArea(), series, now); err != nil {
		r.count("error")
		return 0, errors.Wrap(err, "storing prices")
	}

	pruned, err := r.sink.PruneBefore(r.fetcher.PriceArea(), now.Add(-r.keep))
	if err != nil {
		r.log.WithError(err).Warn("pruning old prices")
	}

	r.count("ok")
	if r.metrics != nil {
		r.metrics.RecordsFetched.Set(float64(len(series)))
	}
	r.log.WithFields(logrus.Fields{"records": len(series), "pruned": pruned}).Info("refreshed spot prices")

	return len(series), nil
}

// Start runs an immediate refresh and then one per schedule tick
func (r *Refresher) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, r.tick); err != nil {
		return errors.Wrapf(err, "invalid refresh schedule %q", schedule)
	}

	r.log.WithField("schedule", schedule).Info("starting price refresh")
	go r.tick()

	c.Start()
	r.cron = c
	return nil
}

// Stop halts scheduling and waits for a running refresh to finish
func (r *Refresher) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.log.WithError(err).Error("price refresh failed")
	}
}

func (r *Refresher) count(result string) {
	if r.metrics != nil {
		r.metrics.RefreshTotal.WithLabelValues(result).Inc()
	}
}
