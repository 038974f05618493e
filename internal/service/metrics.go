package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TradesIngested  *prometheus.CounterVec
	IngestDuration  prometheus.Histogram
	Registrations   *prometheus.CounterVec
	ClaimsTotal     *prometheus.CounterVec
	ClaimDuration   prometheus.Histogram
	ClaimAmount     prometheus.Histogram
	QueriesTotal    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TradesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_trades_ingested_total",
				Help: "Total trade ingestions by outcome.",
			},
			[]string{"status"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "referral_ingest_duration_seconds",
				Help:    "Trade ingestion duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_registrations_total",
				Help: "Total referral registrations by outcome.",
			},
			[]string{"status"},
		),
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_claims_total",
				Help: "Total claim operations by action and outcome.",
			},
			[]string{"action", "status"},
		),
		ClaimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "referral_claim_duration_seconds",
				Help:    "Claim execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ClaimAmount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "referral_claim_amount",
				Help:    "Settled claim amounts.",
				Buckets: prometheus.ExponentialBuckets(0.01, 10, 8),
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_queries_total",
				Help: "Total read queries by type and outcome.",
			},
			[]string{"query", "status"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_events_published_total",
				Help: "Total domain events published.",
			},
			[]string{"topic"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_event_publish_failures_total",
				Help: "Total domain event publish failures.",
			},
			[]string{"topic"},
		),
	}

	registry.MustRegister(
		m.TradesIngested,
		m.IngestDuration,
		m.Registrations,
		m.ClaimsTotal,
		m.ClaimDuration,
		m.ClaimAmount,
		m.QueriesTotal,
		m.EventsPublished,
		m.PublishFailures,
	)
	return m
}
