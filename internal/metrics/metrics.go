package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Payments
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "card_payments_total",
			Help: "Card payment saga outcomes",
		},
		[]string{"outcome"}, // completed|insufficient_funds|swap_failed|authorization_failed|error
	)
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Reservations released after a failed step",
		},
		[]string{"step", "result"}, // swap|authorize|transfer|sweep ; ok|error
	)
	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Latency of calls to the custody gateway",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"op", "result"},
	)
	QuoteFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fx_quote_fallbacks_total",
			Help: "Quotes priced from a cached or static rate",
		},
	)

	// Webhooks
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Gateway webhook events by class and result",
		},
		[]string{"class", "result"}, // charge|transfer|refund|card|unknown ; applied|duplicate|stale|bad_signature|uncorrelated|error
	)

	// Idempotency
	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Guarded requests by outcome",
		},
		[]string{"outcome"}, // first|replayed|in_progress
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current worker queue depth",
		},
	)

	// Observers
	ObserversConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "observers_connected",
			Help: "Open websocket observer connections",
		},
	)
)

// Handler serves /metrics.
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		PaymentsTotal,
		CompensationsTotal,
		GatewayDuration,
		QuoteFallbacks,
		WebhookEvents,
		IdempotencyOutcomes,
		WorkerQueueDepth,
		ObserversConnected,
	)
}
