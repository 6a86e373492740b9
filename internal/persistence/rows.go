package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/taskgraph"
	"github.com/aristath/spider/internal/typedesc"
)

type jobRow struct {
	id      ids.JobID
	rg      ids.ResourceGroupID
	state   JobState
	blob    []byte
	retries int
	errMsg  string
}

func (j *jobRow) graph() (*taskgraph.TaskGraph, error) {
	g, err := decodeGraph(j.blob)
	if err != nil {
		return nil, internal(err, "stored graph of job %s is unreadable", j.id)
	}
	return g, nil
}

type taskRow struct {
	id    ids.TaskID
	jobID ids.JobID
	idx   int
	state TaskState
}

type instanceRow struct {
	id     ids.TaskInstanceID
	taskID ids.TaskID
	worker ids.WorkerID
}

func loadJob(ctx context.Context, tx *sql.Tx, id ids.JobID) (jobRow, error) {
	row := jobRow{id: id}
	err := tx.QueryRowContext(ctx, `
		SELECT resource_group_id, state, graph, retry_count, error
		FROM jobs
		WHERE id = ?
	`, id).Scan(&row.rg, &row.state, &row.blob, &row.retries, &row.errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return jobRow{}, notFoundf("job %s", id)
	}
	if err != nil {
		return jobRow{}, internal(err, "failed to query job %s", id)
	}
	return row, nil
}

// authorizeJob loads the job and checks that the signature names its
// resource group.
func authorizeJob(ctx context.Context, tx *sql.Tx, job ids.SignedJobID) (jobRow, error) {
	row, err := loadJob(ctx, tx, job.ID)
	if err != nil {
		return jobRow{}, err
	}
	if row.rg != job.Signature {
		return jobRow{}, unauthorizedf("job %s is not owned by resource group %s", job.ID, job.Signature)
	}
	return row, nil
}

func loadTask(ctx context.Context, tx *sql.Tx, id ids.TaskID) (taskRow, error) {
	row := taskRow{id: id}
	err := tx.QueryRowContext(ctx, `
		SELECT job_id, task_idx, state
		FROM tasks
		WHERE id = ?
	`, id).Scan(&row.jobID, &row.idx, &row.state)
	if errors.Is(err, sql.ErrNoRows) {
		return taskRow{}, notFoundf("task %s", id)
	}
	if err != nil {
		return taskRow{}, internal(err, "failed to query task %s", id)
	}
	return row, nil
}

func authorizeTask(ctx context.Context, tx *sql.Tx, task ids.SignedTaskID) (taskRow, jobRow, error) {
	t, err := loadTask(ctx, tx, task.ID)
	if err != nil {
		return taskRow{}, jobRow{}, err
	}
	j, err := authorizeJob(ctx, tx, ids.Sign(task.Signature, t.jobID))
	if errors.Is(err, ErrUnauthorized) {
		return taskRow{}, jobRow{}, unauthorizedf("task %s is not owned by resource group %s", task.ID, task.Signature)
	}
	if err != nil {
		return taskRow{}, jobRow{}, err
	}
	return t, j, nil
}

func authorizeInstance(ctx context.Context, tx *sql.Tx, instance ids.SignedTaskInstanceID) (instanceRow, taskRow, jobRow, error) {
	inst := instanceRow{id: instance.ID}
	err := tx.QueryRowContext(ctx, `
		SELECT task_id, worker_id
		FROM task_instances
		WHERE id = ?
	`, instance.ID).Scan(&inst.taskID, &inst.worker)
	if errors.Is(err, sql.ErrNoRows) {
		return instanceRow{}, taskRow{}, jobRow{}, notFoundf("task instance %s", instance.ID)
	}
	if err != nil {
		return instanceRow{}, taskRow{}, jobRow{}, internal(err, "failed to query task instance %s", instance.ID)
	}
	t, j, err := authorizeTask(ctx, tx, ids.Sign(instance.Signature, inst.taskID))
	if errors.Is(err, ErrUnauthorized) {
		return instanceRow{}, taskRow{}, jobRow{}, unauthorizedf("task instance %s is not owned by resource group %s", instance.ID, instance.Signature)
	}
	if err != nil {
		return instanceRow{}, taskRow{}, jobRow{}, err
	}
	return inst, t, j, nil
}

func (s *SQLiteStore) setJobState(ctx context.Context, tx *sql.Tx, id ids.JobID, state JobState) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?
	`, state, s.timestamp(), id); err != nil {
		return internal(err, "failed to set job %s to %s", id, state)
	}
	return nil
}

func setTaskState(ctx context.Context, tx *sql.Tx, id ids.TaskID, state TaskState) error {
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ? WHERE id = ?`, state, id); err != nil {
		return internal(err, "failed to set task %s to %s", id, state)
	}
	return nil
}

// loadTaskStates returns the state of every task of the job, indexed by task
// index.
func loadTaskStates(ctx context.Context, tx *sql.Tx, jobID ids.JobID) ([]TaskState, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_idx, state FROM tasks WHERE job_id = ? ORDER BY task_idx
	`, jobID)
	if err != nil {
		return nil, internal(err, "failed to query tasks of job %s", jobID)
	}
	defer rows.Close()

	var states []TaskState
	for rows.Next() {
		var idx int
		var state TaskState
		if err := rows.Scan(&idx, &state); err != nil {
			return nil, internal(err, "failed to scan task state")
		}
		if idx != len(states) {
			return nil, internal(nil, "job %s has a gap at task index %d", jobID, len(states))
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating tasks")
	}
	return states, nil
}

// loadValues returns the stored values of the given dependencies, in the
// given order.
func loadValues(ctx context.Context, tx *sql.Tx, jobID ids.JobID, deps []taskgraph.DataflowDependencyIndex) ([]TaskIO, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT dep_idx, value, data_id FROM dependency_values WHERE job_id = ?
	`, jobID)
	if err != nil {
		return nil, internal(err, "failed to query values of job %s", jobID)
	}
	defer rows.Close()

	stored := make(map[int]TaskIO)
	for rows.Next() {
		var idx int
		var value []byte
		var dataID ids.DataID
		if err := rows.Scan(&idx, &value, &dataID); err != nil {
			return nil, internal(err, "failed to scan value")
		}
		if dataID.IsZero() {
			stored[idx] = InlineValue(value)
		} else {
			stored[idx] = DataRef(dataID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating values")
	}

	out := make([]TaskIO, 0, len(deps))
	for _, dep := range deps {
		v, ok := stored[dep]
		if !ok {
			return nil, internal(nil, "job %s has no value for dependency %d", jobID, dep)
		}
		out = append(out, v)
	}
	return out, nil
}

// checkValue verifies that v has the form typ requires: shared values by
// reference to existing data, plain values inline.
func checkValue(ctx context.Context, tx *sql.Tx, typ typedesc.DataType, v TaskIO, what string) error {
	if !typ.IsShared() {
		if v.Data != nil {
			return invalidArgumentf("%s of type %s must be an inline value", what, typ)
		}
		return nil
	}
	if v.Data == nil {
		return invalidArgumentf("%s of type %s must reference shared data", what, typ)
	}
	ok, err := dataExists(ctx, tx, *v.Data)
	if err != nil {
		return err
	}
	if !ok {
		return invalidArgumentf("%s references unknown data %s", what, *v.Data)
	}
	return nil
}

// storeValue records the value of one dependency. Referenced data gains a
// reference held by the job.
func storeValue(ctx context.Context, tx *sql.Tx, jobID ids.JobID, dep taskgraph.DataflowDependencyIndex, v TaskIO) error {
	var dataID ids.DataID
	if v.Data != nil {
		dataID = *v.Data
		if err := addRef(ctx, tx, dataID, ownerJob, jobID.String()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dependency_values (job_id, dep_idx, value, data_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, dep_idx) DO UPDATE SET
			value = excluded.value,
			data_id = excluded.data_id
	`, jobID, dep, v.Inline, dataID); err != nil {
		return internal(err, "failed to store value of dependency %d", dep)
	}
	return nil
}

func dataExists(ctx context.Context, tx *sql.Tx, id ids.DataID) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM data WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to query data %s", id)
	}
	return true, nil
}

func addRef(ctx context.Context, tx *sql.Tx, id ids.DataID, kind ownerKind, ownerID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO data_refs (data_id, owner_kind, owner_id) VALUES (?, ?, ?)
	`, id, kind, ownerID); err != nil {
		return internal(err, "failed to add reference to data %s", id)
	}
	return nil
}

// dropRef removes one reference and deletes the data once nothing references
// it. It reports whether the reference existed.
func dropRef(ctx context.Context, tx *sql.Tx, id ids.DataID, kind ownerKind, ownerID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM data_refs WHERE data_id = ? AND owner_kind = ? AND owner_id = ?
	`, id, kind, ownerID)
	if err != nil {
		return false, internal(err, "failed to remove reference to data %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal(err, "failed to get rows affected")
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM data
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM data_refs WHERE data_id = ?)
	`, id, id); err != nil {
		return false, internal(err, "failed to delete unreferenced data %s", id)
	}
	return true, nil
}
