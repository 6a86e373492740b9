// Package monitor runs the periodic liveness and retry sweeps over a job
// store: task instances past their timeout are failed, workers that stopped
// heartbeating are reported and failed jobs with retries left are reset.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/spider/internal/events"
	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/persistence"
)

// Store is the part of the storage protocol the monitor drives.
type Store interface {
	FetchTimedOutTaskInstances(ctx context.Context, timeout time.Duration, limit int) ([]persistence.TaskInstanceInfo, error)
	FailTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, msg string) error
	FetchDeadWorkers(ctx context.Context, heartbeatTimeout time.Duration) ([]ids.WorkerID, error)
	FetchFailedJobs(ctx context.Context, maxRetries, limit int) ([]persistence.FailedJob, error)
	FetchExhaustedJobs(ctx context.Context, maxRetries int, after persistence.JobCursor, limit int) ([]persistence.FailedJob, error)
	ResetFailedJob(ctx context.Context, job ids.JobID) error
}

var _ Store = (*persistence.SQLiteStore)(nil)

// Config configures the sweeps.
type Config struct {
	Interval         time.Duration // Time between sweeps
	TaskTimeout      time.Duration // Age after which a task instance is failed
	HeartbeatTimeout time.Duration // Heartbeat age after which a worker is dead
	MaxJobRetries    int           // Retries granted to a failed job
	BatchSize        int           // Items fetched per sweep; <= 0 means all
	Retry            RetryConfig
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		TaskTimeout:      10 * time.Minute,
		HeartbeatTimeout: 30 * time.Second,
		MaxJobRetries:    3,
		BatchSize:        100,
		Retry:            DefaultRetryConfig(),
	}
}

// Report counts what one sweep did.
type Report struct {
	TimedOut    int
	DeadWorkers int
	Reset       int
	Exhausted   int
	Duration    time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes monitor events on bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithRegisterer registers the monitor's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.metrics = NewMetrics(reg) }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithClock sets the clock used for event timestamps and sweep durations.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type Monitor struct {
	store   Store
	cfg     Config
	bus     *events.Bus
	metrics *Metrics
	log     logrus.FieldLogger
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	dead      map[ids.WorkerID]struct{}
	exhausted persistence.JobCursor // last exhausted job reported
}

func New(store Store, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		store: store,
		cfg:   cfg,
		log:   logrus.WithField("component", "monitor"),
		now:   time.Now,
		dead:  make(map[ids.WorkerID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(prometheus.NewRegistry())
	}
	m.breaker = newStorageBreaker(m.log)
	return m
}

// Run sweeps every Interval until ctx is cancelled. Sweep errors are logged
// and the next tick tries again.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", m.cfg.Interval)
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.WithField("interval", m.cfg.Interval).Info("monitor started")
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs the three sweeps concurrently once.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	start := m.now()
	var report Report

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.failTimedOut(gctx)
		report.TimedOut = n
		return m.sweepError("timeouts", err)
	})
	g.Go(func() error {
		n, err := m.reportDeadWorkers(gctx)
		report.DeadWorkers = n
		return m.sweepError("workers", err)
	})
	g.Go(func() error {
		reset, exhausted, err := m.retryFailedJobs(gctx)
		report.Reset, report.Exhausted = reset, exhausted
		return m.sweepError("retries", err)
	})
	err := g.Wait()

	report.Duration = m.now().Sub(start)
	m.metrics.sweepDuration.Observe(report.Duration.Seconds())
	if err != nil {
		return report, err
	}
	m.metrics.sweeps.Inc()
	m.publish(events.TopicMonitor, events.SweepCompletedEvent{
		TimedOut:    report.TimedOut,
		DeadWorkers: report.DeadWorkers,
		Reset:       report.Reset,
		Duration:    report.Duration,
		Timestamp:   m.now(),
	})
	return report, nil
}

func (m *Monitor) sweepError(sweep string, err error) error {
	if err == nil {
		return nil
	}
	m.metrics.sweepErrors.WithLabelValues(sweep).Inc()
	return fmt.Errorf("%s sweep: %w", sweep, err)
}

func (m *Monitor) publish(topic string, ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}

// skip records a per-item failure. The item is picked up again by a later
// sweep if it still qualifies.
func (m *Monitor) skip(sweep string, log logrus.FieldLogger, err error, msg string) {
	m.metrics.skipped.WithLabelValues(sweep).Inc()
	log.WithError(err).Warn(msg)
}

func (m *Monitor) failTimedOut(ctx context.Context) (int, error) {
	instances, err := call(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) ([]persistence.TaskInstanceInfo, error) {
		return m.store.FetchTimedOutTaskInstances(ctx, m.cfg.TaskTimeout, m.cfg.BatchSize)
	})
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, info := range instances {
		log := m.log.WithFields(logrus.Fields{
			"task-instance-id": info.Instance.ID,
			"task-id":          info.Task,
			"worker-id":        info.Worker,
		})
		msg := fmt.Sprintf("task instance timed out after %s", m.cfg.TaskTimeout)
		err := exec(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) error {
			return m.store.FailTaskInstance(ctx, info.Instance, msg)
		})
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			m.skip("timeouts", log, err, "failed to fail timed out task instance")
			continue
		}

		failed++
		m.metrics.timedOut.Inc()
		log.WithField("started-at", info.StartedAt).Info("failed timed out task instance")
		m.publish(events.TopicTask, events.TaskTimedOutEvent{
			Instance:  info.Instance.ID,
			Task:      info.Task,
			Worker:    info.Worker,
			StartedAt: info.StartedAt,
			Timestamp: m.now(),
		})
	}
	return failed, nil
}

// reportDeadWorkers reports each worker once when it goes silent. A worker
// that heartbeats again is reported again if it goes silent later.
func (m *Monitor) reportDeadWorkers(ctx context.Context) (int, error) {
	workers, err := call(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) ([]ids.WorkerID, error) {
		return m.store.FetchDeadWorkers(ctx, m.cfg.HeartbeatTimeout)
	})
	if err != nil {
		return 0, err
	}

	current := make(map[ids.WorkerID]struct{}, len(workers))
	var fresh []ids.WorkerID

	m.mu.Lock()
	for _, w := range workers {
		current[w] = struct{}{}
		if _, seen := m.dead[w]; !seen {
			fresh = append(fresh, w)
		}
	}
	m.dead = current
	m.mu.Unlock()

	for _, w := range fresh {
		m.metrics.deadWorkers.Inc()
		m.log.WithField("worker-id", w).Warn("worker stopped heartbeating")
		m.publish(events.TopicWorker, events.WorkerDeadEvent{Worker: w, Timestamp: m.now()})
	}
	return len(fresh), nil
}

// retryFailedJobs resets failed jobs that have retries left, then reports
// the jobs that ran out of retries since the last report.
func (m *Monitor) retryFailedJobs(ctx context.Context) (int, int, error) {
	jobs, err := call(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) ([]persistence.FailedJob, error) {
		return m.store.FetchFailedJobs(ctx, m.cfg.MaxJobRetries, m.cfg.BatchSize)
	})
	if err != nil {
		return 0, 0, err
	}

	reset := 0
	for _, job := range jobs {
		log := m.log.WithFields(logrus.Fields{
			"job-id":  job.Job,
			"retries": job.Retries,
		})

		err := exec(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) error {
			return m.store.ResetFailedJob(ctx, job.Job)
		})
		if err != nil {
			if ctx.Err() != nil {
				return reset, 0, ctx.Err()
			}
			m.skip("retries", log, err, "failed to reset job")
			continue
		}

		reset++
		m.metrics.jobResets.Inc()
		log.Info("reset failed job for retry")
		m.publish(events.TopicJob, events.JobResetEvent{
			Job:       job.Job,
			Attempt:   job.Retries + 1,
			LastError: job.Error,
			Timestamp: m.now(),
		})
	}

	exhausted, err := m.reportExhausted(ctx)
	return reset, exhausted, err
}

// reportExhausted reports each job out of retries once, in failure order.
func (m *Monitor) reportExhausted(ctx context.Context) (int, error) {
	m.mu.Lock()
	after := m.exhausted
	m.mu.Unlock()

	jobs, err := call(ctx, m.breaker, m.cfg.Retry, func(ctx context.Context) ([]persistence.FailedJob, error) {
		return m.store.FetchExhaustedJobs(ctx, m.cfg.MaxJobRetries, after, m.cfg.BatchSize)
	})
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		m.metrics.jobsExhausted.Inc()
		m.log.WithFields(logrus.Fields{
			"job-id":  job.Job,
			"retries": job.Retries,
			"error":   job.Error,
		}).Warn("job failed with no retries left")
		m.publish(events.TopicJob, events.JobExhaustedEvent{
			Job:       job.Job,
			Retries:   job.Retries,
			LastError: job.Error,
			Timestamp: m.now(),
		})
	}
	if len(jobs) > 0 {
		m.mu.Lock()
		m.exhausted = jobs[len(jobs)-1].Cursor()
		m.mu.Unlock()
	}
	return len(jobs), nil
}
