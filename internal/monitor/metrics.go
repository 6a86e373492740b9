package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spider"

// Metrics are the monitor's Prometheus collectors.
type Metrics struct {
	sweeps        prometheus.Counter
	sweepErrors   *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	timedOut      prometheus.Counter
	deadWorkers   prometheus.Counter
	jobResets     prometheus.Counter
	jobsExhausted prometheus.Counter
	skipped       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Number of completed monitor sweeps.",
		}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweep_errors_total",
			Help:      "Number of sweeps that failed, by sweep.",
		}, []string{"sweep"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full monitor sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "timed_out_task_instances_total",
			Help:      "Number of task instances failed for running past their timeout.",
		}),
		deadWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "dead_workers_total",
			Help:      "Number of workers detected as dead.",
		}),
		jobResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "job_resets_total",
			Help:      "Number of failed jobs scheduled for retry.",
		}),
		jobsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "jobs_exhausted_total",
			Help:      "Number of failed jobs that ran out of retries.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "skipped_actions_total",
			Help:      "Number of per-item actions skipped after a storage error, by sweep.",
		}, []string{"sweep"}),
	}
	reg.MustRegister(
		m.sweeps,
		m.sweepErrors,
		m.sweepDuration,
		m.timedOut,
		m.deadWorkers,
		m.jobResets,
		m.jobsExhausted,
		m.skipped,
	)
	return m
}
