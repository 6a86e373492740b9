package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/taskgraph"
)

// GetTaskInputs returns the task's positional inputs. They are available
// once every parent has succeeded.
func (s *SQLiteStore) GetTaskInputs(ctx context.Context, task ids.SignedTaskID) ([]TaskInput, error) {
	var inputs []TaskInput
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, j, err := authorizeTask(ctx, tx, task)
		if err != nil {
			return err
		}
		switch t.state {
		case TaskReady, TaskRunning, TaskSucceeded:
		default:
			return invalidStatef("inputs of task %s are not available while it is %s", task.ID, t.state)
		}
		gt, err := graphTask(&j, t.idx)
		if err != nil {
			return err
		}
		inputs, err = loadValues(ctx, tx, j.id, gt.InputDeps())
		return err
	})
	return inputs, err
}

// GetTaskOutputs returns the positional outputs of a succeeded task.
func (s *SQLiteStore) GetTaskOutputs(ctx context.Context, task ids.SignedTaskID) ([]TaskOutput, error) {
	var outputs []TaskOutput
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, j, err := authorizeTask(ctx, tx, task)
		if err != nil {
			return err
		}
		if t.state != TaskSucceeded {
			return invalidStatef("task %s is %s; outputs exist only after it succeeds", task.ID, t.state)
		}
		gt, err := graphTask(&j, t.idx)
		if err != nil {
			return err
		}
		outputs, err = loadValues(ctx, tx, j.id, gt.OutputDeps())
		return err
	})
	return outputs, err
}

func graphTask(j *jobRow, idx int) (*taskgraph.Task, error) {
	g, err := j.graph()
	if err != nil {
		return nil, err
	}
	gt, ok := g.Task(idx)
	if !ok {
		return nil, internal(nil, "job %s has no task %d in its graph", j.id, idx)
	}
	return gt, nil
}

// CreateTaskInstance starts one execution attempt of a Ready or Running task
// on worker. A job waiting for its retry resumes running.
func (s *SQLiteStore) CreateTaskInstance(ctx context.Context, task ids.SignedTaskID, worker ids.WorkerID) (ids.SignedTaskInstanceID, error) {
	var instance ids.SignedTaskInstanceID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, j, err := authorizeTask(ctx, tx, task)
		if err != nil {
			return err
		}
		if j.state != JobRunning && j.state != JobPendingRetry {
			return invalidStatef("job %s is %s", j.id, j.state)
		}
		if t.state != TaskReady && t.state != TaskRunning {
			return invalidStatef("task %s is %s", task.ID, t.state)
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM workers WHERE id = ?`, worker).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundf("worker %s", worker)
		}
		if err != nil {
			return internal(err, "failed to query worker %s", worker)
		}

		if j.state == JobPendingRetry {
			if err := s.setJobState(ctx, tx, j.id, JobRunning); err != nil {
				return err
			}
		}
		if err := setTaskState(ctx, tx, t.id, TaskRunning); err != nil {
			return err
		}

		id := ids.New[ids.TaskInstance]()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_instances (id, task_id, worker_id, started_at)
			VALUES (?, ?, ?, ?)
		`, id, t.id, worker, s.timestamp()); err != nil {
			return internal(err, "failed to insert task instance")
		}
		instance = ids.Sign(j.rg, id)
		return nil
	})
	return instance, err
}

// CompleteTaskInstance records the outputs of a running task. The task
// succeeds and its other instances are dropped; every child whose parents
// have all succeeded becomes Ready. The job succeeds with its last task.
func (s *SQLiteStore) CompleteTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, outputs []TaskOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, t, j, err := authorizeInstance(ctx, tx, instance)
		if err != nil {
			return err
		}
		if j.state != JobRunning {
			return invalidStatef("job %s is %s", j.id, j.state)
		}
		if t.state != TaskRunning {
			return invalidStatef("task %s is %s", t.id, t.state)
		}

		g, err := j.graph()
		if err != nil {
			return err
		}
		gt, ok := g.Task(t.idx)
		if !ok {
			return internal(nil, "job %s has no task %d in its graph", j.id, t.idx)
		}
		outputDeps := gt.OutputDeps()
		if len(outputs) != len(outputDeps) {
			return invalidArgumentf("task %s has %d outputs, %d provided", t.id, len(outputDeps), len(outputs))
		}
		for pos, depIdx := range outputDeps {
			dep, _ := g.Dependency(depIdx)
			if err := checkValue(ctx, tx, dep.Type(), outputs[pos], fmt.Sprintf("output %d", pos)); err != nil {
				return err
			}
		}
		for pos, depIdx := range outputDeps {
			if err := storeValue(ctx, tx, j.id, depIdx, outputs[pos]); err != nil {
				return err
			}
		}

		if err := setTaskState(ctx, tx, t.id, TaskSucceeded); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_instances WHERE task_id = ?`, t.id); err != nil {
			return internal(err, "failed to drop instances of task %s", t.id)
		}

		states, err := loadTaskStates(ctx, tx, j.id)
		if err != nil {
			return err
		}
		for _, childIdx := range gt.Children() {
			child, _ := g.Task(childIdx)
			if states[childIdx] != TaskPending || !allSucceeded(states, child.Parents()) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET state = ? WHERE job_id = ? AND task_idx = ?
			`, TaskReady, j.id, childIdx); err != nil {
				return internal(err, "failed to mark task %d ready", childIdx)
			}
		}

		if allSucceeded(states, nil) {
			return s.setJobState(ctx, tx, j.id, JobSucceeded)
		}
		return nil
	})
}

// allSucceeded reports whether every listed task succeeded; a nil list means
// every task.
func allSucceeded(states []TaskState, indices []taskgraph.TaskIndex) bool {
	if indices == nil {
		for _, st := range states {
			if st != TaskSucceeded {
				return false
			}
		}
		return true
	}
	for _, idx := range indices {
		if states[idx] != TaskSucceeded {
			return false
		}
	}
	return true
}

// CancelTaskInstance drops the instance. If it was the task's only instance
// the task and its job are cancelled.
func (s *SQLiteStore) CancelTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		last, t, j, err := s.dropInstance(ctx, tx, instance)
		if err != nil || !last {
			return err
		}
		if err := setTaskState(ctx, tx, t.id, TaskCancelled); err != nil {
			return err
		}
		return s.cancelJob(ctx, tx, j.id)
	})
}

// FailTaskInstance drops the instance. If it was the task's only instance
// the task fails with msg and the job fails. Other running tasks go back to
// Ready so a retry reruns them.
func (s *SQLiteStore) FailTaskInstance(ctx context.Context, instance ids.SignedTaskInstanceID, msg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		last, t, j, err := s.dropInstance(ctx, tx, instance)
		if err != nil || !last {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, error = ? WHERE id = ?
		`, TaskFailed, msg, t.id); err != nil {
			return internal(err, "failed to fail task %s", t.id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ? WHERE job_id = ? AND state = ?
		`, TaskReady, j.id, TaskRunning); err != nil {
			return internal(err, "failed to requeue running tasks of job %s", j.id)
		}
		if err := dropJobInstances(ctx, tx, j.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, error = ?, updated_at = ? WHERE id = ?
		`, JobFailed, fmt.Sprintf("task %d failed: %s", t.idx, msg), s.timestamp(), j.id); err != nil {
			return internal(err, "failed to fail job %s", j.id)
		}
		return nil
	})
}

// dropInstance deletes an instance of a running task and reports whether no
// other instance of the task remains.
func (s *SQLiteStore) dropInstance(ctx context.Context, tx *sql.Tx, instance ids.SignedTaskInstanceID) (bool, taskRow, jobRow, error) {
	inst, t, j, err := authorizeInstance(ctx, tx, instance)
	if err != nil {
		return false, taskRow{}, jobRow{}, err
	}
	if t.state != TaskRunning {
		return false, taskRow{}, jobRow{}, invalidStatef("task %s is %s", t.id, t.state)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_instances WHERE id = ?`, inst.id); err != nil {
		return false, taskRow{}, jobRow{}, internal(err, "failed to drop task instance %s", inst.id)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_instances WHERE task_id = ?
	`, t.id).Scan(&remaining); err != nil {
		return false, taskRow{}, jobRow{}, internal(err, "failed to count instances of task %s", t.id)
	}
	return remaining == 0, t, j, nil
}
