package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wrf_run"

// Metrics holds the Prometheus counters, histograms, and gauges for pipeline runs.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // labels: result={succeeded,failed}
	RunInProgress prometheus.Gauge

	// Stage metrics.
	StageDuration *prometheus.HistogramVec // labels: stage
	StageOutcomes *prometheus.CounterVec   // labels: stage, status

	// GFS acquisition metrics.
	GfsFiles         *prometheus.CounterVec // labels: result={downloaded,cached,failed}
	GfsDownloadBytes prometheus.Counter

	OutputsMoved *prometheus.CounterVec // labels: result={moved,failed,mirrored}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RunInProgress,
		m.StageDuration,
		m.StageOutcomes,
		m.GfsFiles,
		m.GfsDownloadBytes,
		m.OutputsMoved,
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
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed pipeline runs by result.",
		}, []string{"result"}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a pipeline run is executing, 0 otherwise.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"stage"}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Terminal stage outcomes by stage and status.",
		}, []string{"stage", "status"}),
		GfsFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gfs_files_total",
			Help:      "GFS files handled by the fetcher by result.",
		}, []string{"result"}),
		GfsDownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gfs_download_bytes_total",
			Help:      "Bytes of GFS data downloaded.",
		}),
		OutputsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_moved_total",
			Help:      "Model output files handled by the collector by result.",
		}, []string{"result"}),
	}
}
