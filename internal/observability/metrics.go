package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// correlation engine.
type Metrics struct {
	RecordsIngested   *prometheus.CounterVec // labels: source
	RecordsDropped    *prometheus.CounterVec // labels: source, reason={parse_error,sentinel,duplicate}
	SeriesProcessed   prometheus.Counter
	PartitionsSkipped prometheus.Counter
	EngineRunning     prometheus.Gauge

	// Per-event linking metrics.
	EventsLinked      *prometheus.CounterVec // labels: outcome={linked,empty,error}
	EventsSkipped     prometheus.Counter
	LinkedStations    prometheus.Histogram
	LinkDuration      prometheus.Histogram
	JoinCoverage      prometheus.Histogram
	AnomaliesFlagged  prometheus.Counter
	BaselinesDegraded *prometheus.CounterVec // labels: method
	ScoresPublished   prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RecordsIngested,
		m.RecordsDropped,
		m.SeriesProcessed,
		m.PartitionsSkipped,
		m.EngineRunning,
		m.EventsLinked,
		m.EventsSkipped,
		m.LinkedStations,
		m.LinkDuration,
		m.JoinCoverage,
		m.AnomaliesFlagged,
		m.BaselinesDegraded,
		m.ScoresPublished,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "records_ingested_total",
			Help:      "Canonical records accepted into the quality pipeline.",
		}, []string{"source"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "records_dropped_total",
			Help:      "Records dropped during sanitation by source and reason.",
		}, []string{"source", "reason"}),
		SeriesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "series_processed_total",
			Help:      "Series that completed the quality pipeline.",
		}),
		PartitionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "partitions_skipped_total",
			Help:      "Store partitions skipped because the manifest marks them done.",
		}),
		EngineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geosignal",
			Name:      "engine_running",
			Help:      "1 while the run is active, 0 after shutdown.",
		}),
		EventsLinked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "events_linked_total",
			Help:      "Catalog events processed by outcome.",
		}, []string{"outcome"}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "events_skipped_total",
			Help:      "Events skipped because artifacts exist under the same parameters.",
		}),
		LinkedStations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geosignal",
			Name:      "linked_stations",
			Help:      "Stations linked per event.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		LinkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geosignal",
			Name:      "link_duration_seconds",
			Help:      "Duration of one event link-align-score cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		JoinCoverage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geosignal",
			Name:      "join_coverage",
			Help:      "Fraction of grid timestamps covered by two or more sources.",
			Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		}),
		AnomaliesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "anomalies_flagged_total",
			Help:      "Feature scores crossing the anomaly threshold.",
		}),
		BaselinesDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "baselines_degraded_total",
			Help:      "Baseline selections that fell back past the primary window.",
		}, []string{"method"}),
		ScoresPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geosignal",
			Name:      "scores_published_total",
			Help:      "Anomaly scores published to the sink topic.",
		}),
	}
}
