// Package metrics exposes prometheus instruments for background jobs and
// the named-lock primitive.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type JobMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	itemErrors   *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	lockOutcomes *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *JobMetrics
)

// Jobs returns the process-wide job metrics, registering them on first use.
func Jobs() *JobMetrics {
	once.Do(func() {
		instance = &JobMetrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "membercore",
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Background job executions by job name.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "membercore",
				Subsystem: "scheduler",
				Name:      "job_errors_total",
				Help:      "Fatal job failures by job name.",
			}, []string{"job"}),
			itemErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "membercore",
				Subsystem: "scheduler",
				Name:      "job_item_errors_total",
				Help:      "Per-item failures that did not abort the batch.",
			}, []string{"job"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "membercore",
				Subsystem: "scheduler",
				Name:      "job_duration_seconds",
				Help:      "Background job wall time.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
			lockOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "membercore",
				Subsystem: "lock",
				Name:      "acquire_total",
				Help:      "Named lock acquisition attempts by outcome.",
			}, []string{"outcome"}),
		}
	})
	return instance
}

func (m *JobMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *JobMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *JobMetrics) AddItemErrors(job string, count int) {
	if count <= 0 {
		return
	}
	m.itemErrors.WithLabelValues(job).Add(float64(count))
}

func (m *JobMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *JobMetrics) IncLockOutcome(outcome string) {
	m.lockOutcomes.WithLabelValues(outcome).Inc()
}
