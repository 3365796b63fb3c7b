// Package metrics defines the Prometheus metric collectors for the ingestion
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestor.
type Metrics struct {
	EventsConsumedTotal    *prometheus.CounterVec
	EventsProcessedTotal   *prometheus.CounterVec
	DecodeFailuresTotal    *prometheus.CounterVec
	ProcessingDuration     *prometheus.HistogramVec
	InFlightTransactions   prometheus.Gauge
	AuditWriteFailures     prometheus.Counter
	SchemaRegistryLookups  *prometheus.CounterVec
	IdempotencyCacheHits   prometheus.Counter
	IdempotencyCacheMisses prometheus.Counter
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all collectors and registers them with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_events_consumed_total",
				Help: "Total CRM events fetched from Kafka by topic.",
			},
			[]string{"topic"},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_events_processed_total",
				Help: "Total CRM events by terminal status (processed, skipped, failed).",
			},
			[]string{"status"},
		),
		DecodeFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_decode_failures_total",
				Help: "Total messages that could not be decoded, by topic.",
			},
			[]string{"topic"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_event_processing_seconds",
				Help:    "Per-event pipeline latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"topic"},
		),
		InFlightTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crm_inflight_transactions",
				Help: "Number of event transactions currently holding a connection.",
			},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crm_audit_write_failures_total",
				Help: "Total failures writing to the ingestion audit log.",
			},
		),
		SchemaRegistryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_schema_registry_lookups_total",
				Help: "Schema registry lookups by result (hit, fetch, error).",
			},
			[]string{"result"},
		),
		IdempotencyCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crm_idempotency_cache_hits_total",
				Help: "Idempotency checks answered by the Redis fast path.",
			},
		),
		IdempotencyCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crm_idempotency_cache_misses_total",
				Help: "Idempotency checks that fell through to PostgreSQL.",
			},
		),
	}

	reg.MustRegister(
		m.EventsConsumedTotal,
		m.EventsProcessedTotal,
		m.DecodeFailuresTotal,
		m.ProcessingDuration,
		m.InFlightTransactions,
		m.AuditWriteFailures,
		m.SchemaRegistryLookups,
		m.IdempotencyCacheHits,
		m.IdempotencyCacheMisses,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
