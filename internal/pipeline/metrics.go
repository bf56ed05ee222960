package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors for a pipeline. All methods accept a
// nil receiver.
type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	runsTotal   *prometheus.CounterVec
	qcVerdicts  *prometheus.CounterVec
	missing     prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fovpipe_fov_jobs_total",
			Help: "Per-FOV statistics jobs by final status",
		}, []string{"status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fovpipe_fov_job_duration_seconds",
			Help:    "Per-FOV statistics job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"status"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "fovpipe_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fovpipe_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
		qcVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fovpipe_qc_verdicts_total",
			Help: "Z-order QC verdicts",
		}, []string{"verdict"}),
		missing: f.NewCounter(prometheus.CounterOpts{
			Name: "fovpipe_missing_artifacts_total",
			Help: "Catalog rows without a statistics artifact at consolidation",
		}),
	}
}

func (m *Metrics) queued(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

func (m *Metrics) observeJob(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) observeRun(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) observeQC(pass, fail int) {
	if m == nil {
		return
	}
	m.qcVerdicts.WithLabelValues("pass").Add(float64(pass))
	m.qcVerdicts.WithLabelValues("fail").Add(float64(fail))
}

func (m *Metrics) observeMissing(n int) {
	if m == nil {
		return
	}
	m.missing.Add(float64(n))
}
