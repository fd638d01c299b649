// Package jobs runs periodic maintenance work and records its metrics.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobItemsTotal  = "background_job_items_total"
)

// Job type constants for labeling.
const (
	JobTypeSessionSweep     = "session_sweep"
	JobTypeRateLimitCleanup = "rate_limit_cleanup"
	JobTypeDemoSeed         = "demo_seed"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for background jobs.
// All operations are thread-safe. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	jobItems     *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Total number of background job errors by type",
			},
			[]string{"job_type"},
		),
		jobItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobItemsTotal,
				Help: "Total number of items a background job removed or created",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.jobItems,
	}
}

func (m *Metrics) observe(jobType string, seconds float64, items int, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		m.jobErrors.WithLabelValues(jobType).Inc()
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
	if items > 0 {
		m.jobItems.WithLabelValues(jobType).Add(float64(items))
	}
}
