package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/spider/internal/ids"
)

// FetchReadyTasks returns up to limit Ready tasks of active jobs, oldest job
// first. A limit of zero or less means no limit.
func (s *SQLiteStore) FetchReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, j.resource_group_id, t.job_id, t.task_idx, t.tdl_package, t.tdl_function
		FROM tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE t.state = ? AND j.state IN (?, ?)
		ORDER BY j.created_at, j.id, t.task_idx
		LIMIT ?
	`, TaskReady, JobRunning, JobPendingRetry, noLimit(limit))
	if err != nil {
		return nil, internal(err, "failed to query ready tasks")
	}
	defer rows.Close()

	var tasks []ReadyTask
	for rows.Next() {
		var t ReadyTask
		if err := rows.Scan(&t.Task.ID, &t.Task.Signature, &t.Job, &t.Index, &t.TDLPackage, &t.TDLFunction); err != nil {
			return nil, internal(err, "failed to scan ready task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating ready tasks")
	}
	return tasks, nil
}

// FetchFailedJobs returns up to limit failed jobs that have used fewer than
// maxRetries retries, longest failed first.
func (s *SQLiteStore) FetchFailedJobs(ctx context.Context, maxRetries, limit int) ([]FailedJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retry_count, error, updated_at
		FROM jobs
		WHERE state = ? AND retry_count < ?
		ORDER BY updated_at, id
		LIMIT ?
	`, JobFailed, maxRetries, noLimit(limit))
	if err != nil {
		return nil, internal(err, "failed to query failed jobs")
	}
	return scanFailedJobs(rows)
}

// FetchExhaustedJobs returns up to limit failed jobs that have used at least
// maxRetries retries and failed after the position marked by after. Passing
// the Cursor of the last job returned pages through every exhausted job once.
func (s *SQLiteStore) FetchExhaustedJobs(ctx context.Context, maxRetries int, after JobCursor, limit int) ([]FailedJob, error) {
	at, id := int64(-1), ""
	if !after.FailedAt.IsZero() {
		at = after.FailedAt.UnixNano()
	}
	if !after.Job.IsZero() {
		id = after.Job.String()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retry_count, error, updated_at
		FROM jobs
		WHERE state = ? AND retry_count >= ?
		  AND (updated_at > ? OR (updated_at = ? AND id > ?))
		ORDER BY updated_at, id
		LIMIT ?
	`, JobFailed, maxRetries, at, at, id, noLimit(limit))
	if err != nil {
		return nil, internal(err, "failed to query exhausted jobs")
	}
	return scanFailedJobs(rows)
}

func scanFailedJobs(rows *sql.Rows) ([]FailedJob, error) {
	defer rows.Close()

	var jobs []FailedJob
	for rows.Next() {
		var j FailedJob
		var failedAt int64
		if err := rows.Scan(&j.Job, &j.Retries, &j.Error, &failedAt); err != nil {
			return nil, internal(err, "failed to scan failed job")
		}
		j.FailedAt = time.Unix(0, failedAt)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating failed jobs")
	}
	return jobs, nil
}

// ResetFailedJob schedules a retry: the job moves to PendingRetry, its failed
// tasks become Ready and its retry count grows by one.
func (s *SQLiteStore) ResetFailedJob(ctx context.Context, job ids.JobID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJob(ctx, tx, job)
		if err != nil {
			return err
		}
		if row.state != JobFailed {
			return invalidStatef("job %s is %s; only failed jobs can be reset", job, row.state)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, error = '' WHERE job_id = ? AND state = ?
		`, TaskReady, job, TaskFailed); err != nil {
			return internal(err, "failed to reset tasks of job %s", job)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?
		`, JobPendingRetry, s.timestamp(), job); err != nil {
			return internal(err, "failed to reset job %s", job)
		}
		return nil
	})
}

// FetchTimedOutTaskInstances returns instances that started more than
// timeout ago, oldest first.
func (s *SQLiteStore) FetchTimedOutTaskInstances(ctx context.Context, timeout time.Duration, limit int) ([]TaskInstanceInfo, error) {
	cutoff := s.now().Add(-timeout).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, j.resource_group_id, i.task_id, i.worker_id, i.started_at
		FROM task_instances i
		JOIN tasks t ON t.id = i.task_id
		JOIN jobs j ON j.id = t.job_id
		WHERE i.started_at < ?
		ORDER BY i.started_at, i.id
		LIMIT ?
	`, cutoff, noLimit(limit))
	if err != nil {
		return nil, internal(err, "failed to query timed out task instances")
	}
	defer rows.Close()

	var instances []TaskInstanceInfo
	for rows.Next() {
		var info TaskInstanceInfo
		var startedAt int64
		if err := rows.Scan(&info.Instance.ID, &info.Instance.Signature, &info.Task, &info.Worker, &startedAt); err != nil {
			return nil, internal(err, "failed to scan task instance")
		}
		info.StartedAt = time.Unix(0, startedAt)
		instances = append(instances, info)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating task instances")
	}
	return instances, nil
}

// FetchDeadWorkers returns workers whose last heartbeat is older than
// heartbeatTimeout.
func (s *SQLiteStore) FetchDeadWorkers(ctx context.Context, heartbeatTimeout time.Duration) ([]ids.WorkerID, error) {
	cutoff := s.now().Add(-heartbeatTimeout).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workers WHERE last_heartbeat < ? ORDER BY last_heartbeat, id
	`, cutoff)
	if err != nil {
		return nil, internal(err, "failed to query dead workers")
	}
	defer rows.Close()

	var workers []ids.WorkerID
	for rows.Next() {
		var id ids.WorkerID
		if err := rows.Scan(&id); err != nil {
			return nil, internal(err, "failed to scan worker")
		}
		workers = append(workers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating workers")
	}
	return workers, nil
}

// RegisterWorker records a worker listening at addr and returns its new id.
func (s *SQLiteStore) RegisterWorker(ctx context.Context, addr string) (ids.WorkerID, error) {
	if addr == "" {
		return ids.WorkerID{}, invalidArgumentf("worker address must be set")
	}
	id := ids.New[ids.Worker]()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, address, last_heartbeat) VALUES (?, ?, ?)
	`, id, addr, s.timestamp()); err != nil {
		return ids.WorkerID{}, internal(err, "failed to register worker")
	}
	return id, nil
}

// RegisterScheduler records a scheduler reachable at addr:port.
func (s *SQLiteStore) RegisterScheduler(ctx context.Context, addr string, port int) (ids.SchedulerID, error) {
	if addr == "" {
		return ids.SchedulerID{}, invalidArgumentf("scheduler address must be set")
	}
	if port <= 0 || port > 65535 {
		return ids.SchedulerID{}, invalidArgumentf("invalid scheduler port %d", port)
	}
	id := ids.New[ids.Scheduler]()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO schedulers (id, address, port, last_heartbeat) VALUES (?, ?, ?, ?)
	`, id, addr, port, s.timestamp()); err != nil {
		return ids.SchedulerID{}, internal(err, "failed to register scheduler")
	}
	return id, nil
}

// UpdateHeartbeat stamps the worker's last heartbeat with the store clock.
// It fails with ErrNotFound for unknown workers.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, worker ids.WorkerID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ? WHERE id = ?
	`, s.timestamp(), worker)
	if err != nil {
		return internal(err, "failed to update heartbeat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internal(err, "failed to get rows affected")
	}
	if n == 0 {
		return notFoundf("worker %s", worker)
	}
	return nil
}
