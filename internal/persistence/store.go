package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/taskgraph"
)

// JobOrchestration is the client-facing job lifecycle.
type JobOrchestration interface {
	SubmitJob(ctx context.Context, rg ids.ResourceGroupID, graph *taskgraph.TaskGraph, inputs []TaskInput) (ids.SignedJobID, error)
	ListJobs(ctx context.Context, rg ids.ResourceGroupID) ([]JobSummary, error)
	GetJobState(ctx context.Context, job ids.SignedJobID) (JobState, error)
	GetJobResult(ctx context.Context, job ids.SignedJobID) (JobResult, error)
	GetJobGraph(ctx context.Context, job ids.SignedJobID) (*taskgraph.TaskGraph, error)
	ListTasks(ctx context.Context, job ids.SignedJobID) ([]TaskSummary, error)
	CancelJob(ctx context.Context, job ids.SignedJobID) error
	DeleteJob(ctx context.Context, job ids.SignedJobID) error
}

// TaskOrchestration is the worker-facing task lifecycle.
type TaskOrchestration interface {
	GetTaskInputs(ctx context.Context, task ids.SignedTaskID) ([]TaskInput, error)
	GetTaskOutputs(ctx context.Context, task ids.SignedTaskID) ([]TaskOutput, error)
	CreateTaskInstance(ctx context.Context, task ids.SignedTaskID, worker ids.WorkerID) (ids.SignedTaskInstanceID, error)
	CompleteTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, outputs []TaskOutput) error
	CancelTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID) error
	FailTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, msg string) error
}

// DataManagement stores shared values with owner reference counting.
type DataManagement interface {
	CreateData(ctx context.Context, owner DataOwner, data Data) (ids.DataID, error)
	GetData(ctx context.Context, owner DataOwner, id ids.DataID) (Data, error)
	AddDataRef(ctx context.Context, owner DataOwner, id ids.DataID) error
	RemoveDataRef(ctx context.Context, owner DataOwner, id ids.DataID) error
}

// Scheduling is what schedulers and the monitor poll.
type Scheduling interface {
	FetchReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error)
	FetchFailedJobs(ctx context.Context, maxRetries, limit int) ([]FailedJob, error)
	FetchExhaustedJobs(ctx context.Context, maxRetries int, after JobCursor, limit int) ([]FailedJob, error)
	ResetFailedJob(ctx context.Context, job ids.JobID) error
	FetchTimedOutTaskInstances(ctx context.Context, timeout time.Duration, limit int) ([]TaskInstanceInfo, error)
	FetchDeadWorkers(ctx context.Context, heartbeatTimeout time.Duration) ([]ids.WorkerID, error)
}

// Liveness tracks workers and schedulers.
type Liveness interface {
	RegisterWorker(ctx context.Context, addr string) (ids.WorkerID, error)
	RegisterScheduler(ctx context.Context, addr string, port int) (ids.SchedulerID, error)
	UpdateHeartbeat(ctx context.Context, worker ids.WorkerID) error
}

// Store is the full storage protocol.
type Store interface {
	JobOrchestration
	TaskOrchestration
	DataManagement
	Scheduling
	Liveness

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock replaces time.Now for timestamps and timeout checks.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr, opts)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every call gets its own named database.
func NewMemoryStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:spider-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr, opts)
}

func open(ctx context.Context, connStr string, opts []Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every operation is a single transaction, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction and commits if fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return internal(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return internal(err, "failed to commit transaction")
	}
	return nil
}

func (s *SQLiteStore) timestamp() int64 {
	return s.now().UnixNano()
}

func noLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
