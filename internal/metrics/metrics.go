// Package metrics holds the Prometheus collectors shared by the refresher and the API
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported on /metrics
type Metrics struct {
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RefreshTotal    *prometheus.CounterVec
	RecordsFetched  prometheus.Gauge
	CurrentPrice    prometheus.Gauge
	ShouldCharge    prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcharge_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartcharge_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcharge_feed_refresh_total",
				Help: "Price feed refresh attempts by result",
			},
			[]string{"result"},
		),
		RecordsFetched: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcharge_feed_records",
				Help: "Number of price records returned by the last successful refresh",
			},
		),
		CurrentPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcharge_current_price",
				Help: "Spot price for the current hour, per kWh",
			},
		),
		ShouldCharge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcharge_should_charge",
				Help: "1 when charging is cheaper per km than petrol at the last evaluation",
			},
		),
	}

	reg.MustRegister(
		m.RequestCounter,
		m.RequestDuration,
		m.RefreshTotal,
		m.RecordsFetched,
		m.CurrentPrice,
		m.ShouldCharge,
	)

	return m
}
