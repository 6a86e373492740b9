package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"

	"github.com/aristath/spider/internal/events"
	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/persistence"
	"github.com/aristath/spider/internal/taskgraph"
	"github.com/aristath/spider/internal/typedesc"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      100 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	return cfg
}

func quietLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

type env struct {
	store  *persistence.SQLiteStore
	clock  *fakeClock
	bus    *events.Bus
	rg     ids.ResourceGroupID
	worker ids.WorkerID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	store, err := persistence.NewMemoryStore(ctx, persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	worker, err := store.RegisterWorker(ctx, "10.0.0.7:7000")
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return &env{store: store, clock: clock, bus: bus, rg: ids.New[ids.ResourceGroup](), worker: worker}
}

func (e *env) monitor(cfg Config) *Monitor {
	return New(e.store, cfg, WithBus(e.bus), WithClock(e.clock.Now), WithLogger(quietLogger()))
}

// submit stores a one-task job and returns the task's signed id.
func (e *env) submit(t *testing.T) (ids.SignedJobID, ids.SignedTaskID) {
	t.Helper()
	ctx := context.Background()
	g := taskgraph.New()
	if _, err := g.InsertTask(taskgraph.TaskDescriptor{
		TDLPackage:  "demo",
		TDLFunction: "echo",
		Inputs:      []typedesc.DataType{typedesc.Value(typedesc.Bytes())},
		Outputs:     []typedesc.DataType{typedesc.Value(typedesc.Bytes())},
	}); err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	job, err := e.store.SubmitJob(ctx, e.rg, g, []persistence.TaskInput{persistence.InlineValue([]byte("hi"))})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	tasks, err := e.store.ListTasks(ctx, job)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks = %v, %v", tasks, err)
	}
	return job, ids.Sign(e.rg, tasks[0].ID)
}

func (e *env) start(t *testing.T, task ids.SignedTaskID) ids.SignedTaskInstanceID {
	t.Helper()
	inst, err := e.store.CreateTaskInstance(context.Background(), task, e.worker)
	if err != nil {
		t.Fatalf("CreateTaskInstance failed: %v", err)
	}
	return inst
}

func (e *env) jobState(t *testing.T, job ids.SignedJobID) persistence.JobState {
	t.Helper()
	state, err := e.store.GetJobState(context.Background(), job)
	if err != nil {
		t.Fatalf("GetJobState failed: %v", err)
	}
	return state
}

func sweep(t *testing.T, m *Monitor) Report {
	t.Helper()
	report, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	return report
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSweepFailsTimedOutInstances(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.MaxJobRetries = 1
	m := e.monitor(cfg)
	taskCh := e.bus.Subscribe(events.TopicTask, 10)
	workerCh := e.bus.Subscribe(events.TopicWorker, 10)

	job, task := e.submit(t)
	inst := e.start(t, task)

	// Nothing is old enough yet.
	if report := sweep(t, m); report.TimedOut != 0 || report.DeadWorkers != 0 || report.Reset != 0 {
		t.Fatalf("first sweep = %+v, want nothing to do", report)
	}

	e.clock.Advance(cfg.TaskTimeout + time.Second)
	first := sweep(t, m)
	if first.TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", first.TimedOut)
	}
	if first.DeadWorkers != 1 {
		t.Errorf("DeadWorkers = %d, want 1", first.DeadWorkers)
	}

	// The retry sweep runs concurrently with the timeout sweep, so the job
	// is reset by this sweep or the next.
	second := sweep(t, m)
	if got := first.Reset + second.Reset; got != 1 {
		t.Errorf("jobs reset over two sweeps = %d, want 1", got)
	}
	if second.TimedOut != 0 || second.DeadWorkers != 0 {
		t.Errorf("second sweep = %+v, want no repeated timeouts or dead workers", second)
	}
	if state := e.jobState(t, job); state != persistence.JobPendingRetry {
		t.Errorf("job state = %s, want pending_retry", state)
	}

	timedOut := drain(taskCh)
	if len(timedOut) != 1 {
		t.Fatalf("task events = %v, want one", timedOut)
	}
	ev, ok := timedOut[0].(events.TaskTimedOutEvent)
	if !ok {
		t.Fatalf("expected TaskTimedOutEvent, got %T", timedOut[0])
	}
	if ev.Instance != inst.ID || ev.Task != task.ID || ev.Worker != e.worker {
		t.Errorf("unexpected event %+v", ev)
	}
	if dead := drain(workerCh); len(dead) != 1 || dead[0].Subject() != e.worker.String() {
		t.Errorf("worker events = %v", dead)
	}

	if got := testutil.ToFloat64(m.metrics.timedOut); got != 1 {
		t.Errorf("timed out counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.sweeps); got != 3 {
		t.Errorf("sweeps counter = %v, want 3", got)
	}
}

func TestSweepRetriesUntilExhausted(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.MaxJobRetries = 2
	m := e.monitor(cfg)
	jobCh := e.bus.Subscribe(events.TopicJob, 10)
	ctx := context.Background()

	job, task := e.submit(t)
	for attempt := 1; attempt <= 3; attempt++ {
		inst := e.start(t, task)
		if err := e.store.FailTaskInstance(ctx, inst, "exit status 1"); err != nil {
			t.Fatalf("attempt %d: FailTaskInstance failed: %v", attempt, err)
		}
		report := sweep(t, m)
		wantReset := 1
		if attempt == 3 {
			wantReset = 0
		}
		if report.Reset != wantReset {
			t.Errorf("attempt %d: Reset = %d, want %d", attempt, report.Reset, wantReset)
		}
	}

	if state := e.jobState(t, job); state != persistence.JobFailed {
		t.Errorf("job state = %s, want failed", state)
	}
	if report := sweep(t, m); report.Exhausted != 0 {
		t.Errorf("exhausted job reported again: %+v", report)
	}

	var got []string
	var attempts []int
	for _, ev := range drain(jobCh) {
		got = append(got, ev.EventType())
		if reset, ok := ev.(events.JobResetEvent); ok {
			attempts = append(attempts, reset.Attempt)
			if reset.LastError != "task 0 failed: exit status 1" {
				t.Errorf("LastError = %q", reset.LastError)
			}
		}
	}
	want := []string{events.EventTypeJobReset, events.EventTypeJobReset, events.EventTypeJobExhausted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("job events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(m.metrics.jobResets); got != 2 {
		t.Errorf("job resets counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.metrics.jobsExhausted); got != 1 {
		t.Errorf("jobs exhausted counter = %v, want 1", got)
	}
}

// failOnce starts an instance of task and fails it a second after the last
// failure, so failures are ordered by time.
func (e *env) failOnce(t *testing.T, task ids.SignedTaskID) {
	t.Helper()
	e.clock.Advance(time.Second)
	if err := e.store.FailTaskInstance(context.Background(), e.start(t, task), "exit status 1"); err != nil {
		t.Fatalf("FailTaskInstance failed: %v", err)
	}
}

func TestExhaustedJobsDoNotBlockRetries(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.MaxJobRetries = 1
	cfg.BatchSize = 2
	m := e.monitor(cfg)
	ctx := context.Background()

	// More jobs out of retries than fit in one batch.
	for i := 0; i < 3; i++ {
		job, task := e.submit(t)
		e.failOnce(t, task)
		if err := e.store.ResetFailedJob(ctx, job.ID); err != nil {
			t.Fatalf("ResetFailedJob failed: %v", err)
		}
		e.failOnce(t, task)
	}
	fresh, task := e.submit(t)
	e.failOnce(t, task)

	report := sweep(t, m)
	if report.Reset != 1 || report.Exhausted != 2 {
		t.Errorf("first sweep = %+v, want 1 reset and 2 exhausted", report)
	}
	if state := e.jobState(t, fresh); state != persistence.JobPendingRetry {
		t.Errorf("fresh job state = %s, want pending_retry", state)
	}

	if report := sweep(t, m); report.Reset != 0 || report.Exhausted != 1 {
		t.Errorf("second sweep = %+v, want the last exhausted job", report)
	}
	if report := sweep(t, m); report.Reset != 0 || report.Exhausted != 0 {
		t.Errorf("idle sweep = %+v", report)
	}
	if got := testutil.ToFloat64(m.metrics.jobsExhausted); got != 3 {
		t.Errorf("jobs exhausted counter = %v, want 3", got)
	}
}

func TestDeadWorkerReportedAgainAfterRecovery(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	m := e.monitor(cfg)

	e.clock.Advance(cfg.HeartbeatTimeout + time.Second)
	if report := sweep(t, m); report.DeadWorkers != 1 {
		t.Fatalf("DeadWorkers = %d, want 1", report.DeadWorkers)
	}
	if report := sweep(t, m); report.DeadWorkers != 0 {
		t.Fatalf("DeadWorkers = %d on repeat, want 0", report.DeadWorkers)
	}

	if err := e.store.UpdateHeartbeat(context.Background(), e.worker); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}
	if report := sweep(t, m); report.DeadWorkers != 0 {
		t.Fatalf("DeadWorkers = %d after heartbeat, want 0", report.DeadWorkers)
	}

	e.clock.Advance(cfg.HeartbeatTimeout + time.Second)
	if report := sweep(t, m); report.DeadWorkers != 1 {
		t.Fatalf("DeadWorkers = %d after going silent again, want 1", report.DeadWorkers)
	}
	if got := testutil.ToFloat64(m.metrics.deadWorkers); got != 2 {
		t.Errorf("dead workers counter = %v, want 2", got)
	}
}

// stubStore serves fixed results and counts calls.
type stubStore struct {
	mu         sync.Mutex
	instances  []persistence.TaskInstanceInfo
	fetchErrs  []error
	failErr    error
	fetchCalls int
	failCalls  int
}

func (s *stubStore) FetchTimedOutTaskInstances(ctx context.Context, timeout time.Duration, limit int) ([]persistence.TaskInstanceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		return nil, err
	}
	return s.instances, nil
}

func (s *stubStore) FailTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls++
	return s.failErr
}

func (s *stubStore) FetchDeadWorkers(ctx context.Context, heartbeatTimeout time.Duration) ([]ids.WorkerID, error) {
	return nil, nil
}

func (s *stubStore) FetchFailedJobs(ctx context.Context, maxRetries, limit int) ([]persistence.FailedJob, error) {
	return nil, nil
}

func (s *stubStore) FetchExhaustedJobs(ctx context.Context, maxRetries int, after persistence.JobCursor, limit int) ([]persistence.FailedJob, error) {
	return nil, nil
}

func (s *stubStore) ResetFailedJob(ctx context.Context, job ids.JobID) error {
	return nil
}

func internalErr(msg string) error {
	return &persistence.StorageError{Kind: persistence.ErrInternal, Msg: msg}
}

func TestSweepRetriesTransientStorageErrors(t *testing.T) {
	store := &stubStore{fetchErrs: []error{internalErr("database is locked"), internalErr("database is locked")}}
	m := New(store, testConfig(), WithLogger(quietLogger()))

	if _, err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if store.fetchCalls != 3 {
		t.Errorf("fetch calls = %d, want 3", store.fetchCalls)
	}
}

func TestSweepReportsPersistentStorageErrors(t *testing.T) {
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = internalErr("disk I/O error")
	}
	store := &stubStore{fetchErrs: errs}
	m := New(store, testConfig(), WithLogger(quietLogger()))

	_, err := m.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected sweep error")
	}
	// Five consecutive failures open the breaker, which ends the retries.
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if store.fetchCalls != 5 {
		t.Errorf("fetch calls = %d, want 5", store.fetchCalls)
	}
	if got := testutil.ToFloat64(m.metrics.sweepErrors.WithLabelValues("timeouts")); got != 1 {
		t.Errorf("timeouts sweep errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.sweeps); got != 0 {
		t.Errorf("sweeps counter = %v, want 0", got)
	}
}

func TestSweepSkipsRejectedInstances(t *testing.T) {
	rg := ids.New[ids.ResourceGroup]()
	store := &stubStore{
		instances: []persistence.TaskInstanceInfo{{
			Instance: ids.Sign(rg, ids.New[ids.TaskInstance]()),
			Task:     ids.New[ids.Task](),
		}},
		failErr: &persistence.StorageError{Kind: persistence.ErrInvalidState, Msg: "task is succeeded"},
	}
	logger, hook := test.NewNullLogger()
	m := New(store, testConfig(), WithLogger(logrus.NewEntry(logger)))

	report, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.TimedOut != 0 {
		t.Errorf("TimedOut = %d, want 0", report.TimedOut)
	}
	if store.failCalls != 1 {
		t.Errorf("fail calls = %d, want 1 (request errors are not retried)", store.failCalls)
	}
	if got := testutil.ToFloat64(m.metrics.skipped.WithLabelValues("timeouts")); got != 1 {
		t.Errorf("skipped counter = %v, want 1", got)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
	if _, ok := entry.Data["task-instance-id"]; !ok {
		t.Errorf("warning is missing task-instance-id: %v", entry.Data)
	}
}

func TestWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(&stubStore{}, testConfig(), WithRegisterer(reg), WithLogger(quietLogger()))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "spider_monitor_sweep_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("sweep duration histogram not registered")
	}
}

func TestRun(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	m := New(&stubStore{}, cfg, WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil on cancellation", err)
	}
	if got := testutil.ToFloat64(m.metrics.sweeps); got < 2 {
		t.Errorf("sweeps counter = %v, want at least 2", got)
	}
}

func TestRunRejectsZeroInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 0
	m := New(&stubStore{}, cfg, WithLogger(quietLogger()))
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
