package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	processing    prometheus.Gauge
	pending       prometheus.Gauge
	jobDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	projectsTotal *prometheus.CounterVec
	citations     prometheus.Counter
	rewrites      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genpaper_queue_jobs_total",
			Help: "Processing jobs reaching a status, by status.",
		}, []string{"status"}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genpaper_queue_processing",
			Help: "Jobs currently being processed.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genpaper_queue_pending",
			Help: "Jobs waiting in the queue.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genpaper_queue_job_duration_seconds",
			Help:    "Wall time of one processing attempt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genpaper_pipeline_stage_duration_seconds",
			Help:    "Generation pipeline stage durations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		projectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genpaper_projects_total",
			Help: "Generation runs by outcome and error category.",
		}, []string{"status", "category"}),
		citations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genpaper_citations_created_total",
			Help: "New project citations recorded.",
		}),
		rewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genpaper_section_rewrites_total",
			Help: "Sections rewritten for excessive overlap.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsTotal, m.processing, m.pending, m.jobDuration,
			m.stageDuration, m.projectsTotal, m.citations, m.rewrites)
	}
	return m
}

func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.jobDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueDepth(pending, processing int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.processing.Set(float64(processing))
}

func (m *Metrics) StageDone(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ProjectFinished(status, category string) {
	if m == nil {
		return
	}
	m.projectsTotal.WithLabelValues(status, category).Inc()
}

func (m *Metrics) CitationCreated() {
	if m == nil {
		return
	}
	m.citations.Inc()
}

func (m *Metrics) SectionRewritten() {
	if m == nil {
		return
	}
	m.rewrites.Inc()
}
