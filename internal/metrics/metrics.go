// Package metrics owns the prometheus collectors of the engine.
//
// Every method is safe on a nil *Metrics so components can run without a
// registry in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	imported        *prometheus.CounterVec
	updated         *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	edgesInserted   *prometheus.CounterVec
	edgesRetracted  prometheus.Counter
	clusters        prometheus.Gauge
	changefeedLag   prometheus.Counter
	dedupDecisions  *prometheus.CounterVec
	stageFailures   *prometheus.CounterVec
	feedQuarantined *prometheus.GaugeVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		imported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_indicators_imported_total",
			Help: "Indicators created by feed syncs",
		}, []string{"feed"}),
		updated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_indicators_updated_total",
			Help: "Indicators corroborated by feed syncs",
		}, []string{"feed"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_indicators_skipped_total",
			Help: "Items skipped by parsers or filters",
		}, []string{"feed"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiace_sync_duration_seconds",
			Help:    "Duration of feed sync jobs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"feed", "status"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "tiace_jobs_in_flight",
			Help: "Sync jobs currently running",
		}),
		edgesInserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_correlation_edges_inserted_total",
			Help: "Relationships inserted by correlation",
		}, []string{"type"}),
		edgesRetracted: f.NewCounter(prometheus.CounterOpts{
			Name: "tiace_correlation_edges_retracted_total",
			Help: "Relationships retracted",
		}),
		clusters: f.NewGauge(prometheus.GaugeOpts{
			Name: "tiace_clusters",
			Help: "Clusters with more than one member",
		}),
		changefeedLag: f.NewCounter(prometheus.CounterOpts{
			Name: "tiace_changefeed_lag_events_total",
			Help: "Change events missed by dropped subscribers",
		}),
		dedupDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_dedup_decisions_total",
			Help: "Identity resolver decisions",
		}, []string{"decision"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiace_enrichment_stage_failures_total",
			Help: "Enrichment stage failures",
		}, []string{"stage"}),
		feedQuarantined: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiace_feed_quarantined",
			Help: "1 while a feed is quarantined",
		}, []string{"feed"}),
	}
}

// Registry exposes the registry, e.g. for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SyncCounts adds the per-feed counters of one job
func (m *Metrics) SyncCounts(feed string, imported, updated, skipped int) {
	if m == nil {
		return
	}
	m.imported.WithLabelValues(feed).Add(float64(imported))
	m.updated.WithLabelValues(feed).Add(float64(updated))
	m.skipped.WithLabelValues(feed).Add(float64(skipped))
}

// ObserveSync records the duration of a finished job
func (m *Metrics) ObserveSync(feed, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(feed, status).Observe(d.Seconds())
}

// JobStarted and JobFinished track in-flight jobs
func (m *Metrics) JobStarted() {
	if m != nil {
		m.jobsInFlight.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.jobsInFlight.Dec()
	}
}

// EdgeInserted counts a correlation edge
func (m *Metrics) EdgeInserted(edgeType string) {
	if m != nil {
		m.edgesInserted.WithLabelValues(edgeType).Inc()
	}
}

// EdgesRetracted counts removed edges
func (m *Metrics) EdgesRetracted(n int) {
	if m != nil {
		m.edgesRetracted.Add(float64(n))
	}
}

// SetClusters sets the cluster gauge
func (m *Metrics) SetClusters(n int) {
	if m != nil {
		m.clusters.Set(float64(n))
	}
}

// Lagged counts events missed by a dropped subscriber
func (m *Metrics) Lagged(missed uint64) {
	if m != nil {
		m.changefeedLag.Add(float64(missed))
	}
}

// Decision counts one identity decision
func (m *Metrics) Decision(decision string) {
	if m != nil {
		m.dedupDecisions.WithLabelValues(decision).Inc()
	}
}

// StageFailed counts a failed enrichment stage
func (m *Metrics) StageFailed(stage string) {
	if m != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// Quarantined flags or clears a quarantined feed
func (m *Metrics) Quarantined(feed string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.feedQuarantined.WithLabelValues(feed).Set(v)
}
