// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	ingestAccepted   *prometheus.CounterVec
	ingestDuplicates *prometheus.CounterVec
	ingestRejected   *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec

	rowsQuarantined prometheus.Counter
	linkCoverage    prometheus.Gauge
	freshnessLag    *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medallion",
			Subsystem: "ingest",
			Name:      "events_accepted_total",
			Help:      "Raw events accepted into the bronze layer.",
		}, []string{"store_id"}),
		ingestDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medallion",
			Subsystem: "ingest",
			Name:      "events_duplicate_total",
			Help:      "Raw events suppressed as re-deliveries.",
		}, []string{"store_id"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medallion",
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Raw events rejected before the bronze layer.",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medallion",
			Subsystem: "pipeline",
			Name:      "job_duration_seconds",
			Help:      "Wall time of pipeline job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medallion",
			Subsystem: "pipeline",
			Name:      "job_errors_total",
			Help:      "Pipeline job runs that returned an error.",
		}, []string{"job"}),
		rowsQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medallion",
			Subsystem: "silver",
			Name:      "rows_quarantined_total",
			Help:      "Bronze rows diverted to the quarantine table.",
		}),
		linkCoverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medallion",
			Subsystem: "catalog",
			Name:      "link_coverage_ratio",
			Help:      "Share of recent line items resolved to a catalog product.",
		}),
		freshnessLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medallion",
			Subsystem: "pipeline",
			Name:      "freshness_lag_seconds",
			Help:      "Age of the oldest data not yet covered by a stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.ingestAccepted,
		m.ingestDuplicates,
		m.ingestRejected,
		m.jobDuration,
		m.jobErrors,
		m.rowsQuarantined,
		m.linkCoverage,
		m.freshnessLag,
	)
	return m
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) IncIngestAccepted(storeID string) {
	m.ingestAccepted.WithLabelValues(storeID).Inc()
}

func (m *Metrics) IncIngestDuplicate(storeID string) {
	m.ingestDuplicates.WithLabelValues(storeID).Inc()
}

func (m *Metrics) IncIngestRejected(reason string) {
	m.ingestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, seconds float64) {
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}

func (m *Metrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) AddQuarantined(n int) {
	m.rowsQuarantined.Add(float64(n))
}

func (m *Metrics) SetLinkCoverage(ratio float64) {
	m.linkCoverage.Set(ratio)
}

func (m *Metrics) SetFreshnessLag(stage string, seconds float64) {
	m.freshnessLag.WithLabelValues(stage).Set(seconds)
}

var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)
