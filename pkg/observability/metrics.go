package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the search core
type Metrics struct {
	// Ingestion metrics
	DocumentsIndexedTotal *prometheus.CounterVec
	IngestBatchesTotal    *prometheus.CounterVec
	IngestRetriesTotal    prometheus.Counter
	IngestDroppedTotal    prometheus.Counter
	QueueDepth            prometheus.Gauge

	// Search metrics
	SearchRequestsTotal *prometheus.CounterVec
	SearchDuration      prometheus.Histogram

	// Sweep metrics
	SweepDeletedTotal    prometheus.Counter
	SweepBackfilledTotal prometheus.Counter
	SweepDuration        prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
// If registry is nil a private registry is created.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		DocumentsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchcore_documents_indexed_total",
				Help: "Total number of documents written to the search index",
			},
			[]string{"model"},
		),
		IngestBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchcore_ingest_batches_total",
				Help: "Total number of ingestion batches by outcome",
			},
			[]string{"outcome"},
		),
		IngestRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searchcore_ingest_retries_total",
				Help: "Total number of ingestion batch retries",
			},
		),
		IngestDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searchcore_ingest_dropped_total",
				Help: "Total number of queue entries dropped under backpressure",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "searchcore_queue_depth",
				Help: "Current number of pending ingestion entries",
			},
		),
		SearchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchcore_search_requests_total",
				Help: "Total number of search requests by outcome",
			},
			[]string{"outcome"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "searchcore_search_duration_seconds",
				Help:    "Search request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searchcore_sweep_deleted_total",
				Help: "Total number of orphaned documents removed by the sweep",
			},
		),
		SweepBackfilledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searchcore_sweep_backfilled_total",
				Help: "Total number of missing documents backfilled by the sweep",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "searchcore_sweep_duration_seconds",
				Help:    "Sweep run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.DocumentsIndexedTotal,
		m.IngestBatchesTotal,
		m.IngestRetriesTotal,
		m.IngestDroppedTotal,
		m.QueueDepth,
		m.SearchRequestsTotal,
		m.SearchDuration,
		m.SweepDeletedTotal,
		m.SweepBackfilledTotal,
		m.SweepDuration,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
