package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/taskgraph"
)

// SubmitJob stores graph as a new running job of rg. inputs supply the graph
// inputs one to one, in dependency order. Input tasks start Ready; every
// other task waits in Pending until its parents succeed.
func (s *SQLiteStore) SubmitJob(ctx context.Context, rg ids.ResourceGroupID, graph *taskgraph.TaskGraph, inputs []TaskInput) (ids.SignedJobID, error) {
	if rg.IsZero() {
		return ids.SignedJobID{}, invalidArgumentf("resource group must be set")
	}
	if graph == nil || graph.NumTasks() == 0 {
		return ids.SignedJobID{}, invalidArgumentf("cannot submit an empty task graph")
	}
	if err := graph.Validate(); err != nil {
		return ids.SignedJobID{}, &StorageError{Kind: ErrInvalidArgument, Msg: "task graph failed validation", Err: err}
	}
	graphInputs := graph.GraphInputs()
	if len(inputs) != len(graphInputs) {
		return ids.SignedJobID{}, invalidArgumentf("graph has %d inputs, %d provided", len(graphInputs), len(inputs))
	}

	blob, fingerprint, err := encodeGraph(graph)
	if err != nil {
		return ids.SignedJobID{}, internal(err, "failed to store graph")
	}

	jobID := ids.New[ids.Job]()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for i, depIdx := range graphInputs {
			dep, _ := graph.Dependency(depIdx)
			if err := checkValue(ctx, tx, dep.Type(), inputs[i], fmt.Sprintf("job input %d", i)); err != nil {
				return err
			}
		}

		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, resource_group_id, state, graph, graph_fingerprint, num_tasks, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, jobID, rg, JobRunning, blob, fingerprint, graph.NumTasks(), now, now); err != nil {
			return internal(err, "failed to insert job")
		}

		for idx := 0; idx < graph.NumTasks(); idx++ {
			task, _ := graph.Task(idx)
			state := TaskPending
			if task.IsInputTask() {
				state = TaskReady
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, job_id, task_idx, tdl_package, tdl_function, state)
				VALUES (?, ?, ?, ?, ?, ?)
			`, ids.New[ids.Task](), jobID, idx, task.TDLPackage(), task.TDLFunction(), state); err != nil {
				return internal(err, "failed to insert task %d", idx)
			}
		}

		for i, depIdx := range graphInputs {
			if err := storeValue(ctx, tx, jobID, depIdx, inputs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ids.SignedJobID{}, err
	}
	return ids.Sign(rg, jobID), nil
}

// ListJobs returns the jobs of rg, oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, rg ids.ResourceGroupID) ([]JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, num_tasks, retry_count, error, created_at
		FROM jobs
		WHERE resource_group_id = ?
		ORDER BY created_at, id
	`, rg)
	if err != nil {
		return nil, internal(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []JobSummary
	for rows.Next() {
		var job JobSummary
		var createdAt int64
		if err := rows.Scan(&job.ID, &job.State, &job.NumTasks, &job.Retries, &job.Error, &createdAt); err != nil {
			return nil, internal(err, "failed to scan job")
		}
		job.CreatedAt = time.Unix(0, createdAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "error iterating jobs")
	}
	return jobs, nil
}

// GetJobState returns the job's current state. The signature must match the
// job's resource group.
func (s *SQLiteStore) GetJobState(ctx context.Context, job ids.SignedJobID) (JobState, error) {
	var state JobState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := authorizeJob(ctx, tx, job)
		if err != nil {
			return err
		}
		state = row.state
		return nil
	})
	return state, err
}

// GetJobResult returns the graph outputs once the job has succeeded.
func (s *SQLiteStore) GetJobResult(ctx context.Context, job ids.SignedJobID) (JobResult, error) {
	var result JobResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := authorizeJob(ctx, tx, job)
		if err != nil {
			return err
		}
		switch row.state {
		case JobFailed, JobCancelled:
			result = JobResult{Kind: JobResultStopped}
			return nil
		case JobSucceeded:
		default:
			result = JobResult{Kind: JobResultNotReady}
			return nil
		}

		g, err := row.graph()
		if err != nil {
			return err
		}
		outputs, err := loadValues(ctx, tx, row.id, g.GraphOutputs())
		if err != nil {
			return err
		}
		result = JobResult{Kind: JobResultOutputs, Outputs: outputs}
		return nil
	})
	return result, err
}

// GetJobGraph decodes the task graph the job was submitted with.
func (s *SQLiteStore) GetJobGraph(ctx context.Context, job ids.SignedJobID) (*taskgraph.TaskGraph, error) {
	var g *taskgraph.TaskGraph
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := authorizeJob(ctx, tx, job)
		if err != nil {
			return err
		}
		g, err = row.graph()
		return err
	})
	return g, err
}

// ListTasks returns every task of the job in index order.
func (s *SQLiteStore) ListTasks(ctx context.Context, job ids.SignedJobID) ([]TaskSummary, error) {
	var tasks []TaskSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := authorizeJob(ctx, tx, job); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT t.id, t.task_idx, t.tdl_package, t.tdl_function, t.state, t.error,
				(SELECT COUNT(*) FROM task_instances i WHERE i.task_id = t.id)
			FROM tasks t
			WHERE t.job_id = ?
			ORDER BY t.task_idx
		`, job.ID)
		if err != nil {
			return internal(err, "failed to query tasks")
		}
		defer rows.Close()

		for rows.Next() {
			var t TaskSummary
			if err := rows.Scan(&t.ID, &t.Index, &t.TDLPackage, &t.TDLFunction, &t.State, &t.Error, &t.Instances); err != nil {
				return internal(err, "failed to scan task")
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return internal(err, "error iterating tasks")
		}
		return nil
	})
	return tasks, err
}

// CancelJob stops a job that has not reached a terminal state. Unfinished
// tasks are cancelled and their instances dropped.
func (s *SQLiteStore) CancelJob(ctx context.Context, job ids.SignedJobID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := authorizeJob(ctx, tx, job)
		if err != nil {
			return err
		}
		if row.state.IsTerminal() {
			return invalidStatef("job %s is already %s", job.ID, row.state)
		}
		return s.cancelJob(ctx, tx, row.id)
	})
}

func (s *SQLiteStore) cancelJob(ctx context.Context, tx *sql.Tx, jobID ids.JobID) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ? WHERE job_id = ? AND state IN (?, ?, ?)
	`, TaskCancelled, jobID, TaskPending, TaskReady, TaskRunning); err != nil {
		return internal(err, "failed to cancel tasks of job %s", jobID)
	}
	if err := dropJobInstances(ctx, tx, jobID); err != nil {
		return err
	}
	return s.setJobState(ctx, tx, jobID, JobCancelled)
}

func dropJobInstances(ctx context.Context, tx *sql.Tx, jobID ids.JobID) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_instances
		WHERE task_id IN (SELECT id FROM tasks WHERE job_id = ?)
	`, jobID); err != nil {
		return internal(err, "failed to drop task instances of job %s", jobID)
	}
	return nil
}

// DeleteJob removes a terminal job with its tasks and values. Data referenced
// only by the job is deleted too.
func (s *SQLiteStore) DeleteJob(ctx context.Context, job ids.SignedJobID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := authorizeJob(ctx, tx, job)
		if err != nil {
			return err
		}
		if !row.state.IsTerminal() {
			return invalidStatef("job %s is %s; only terminal jobs can be deleted", job.ID, row.state)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, row.id); err != nil {
			return internal(err, "failed to delete job %s", row.id)
		}

		refs, err := tx.QueryContext(ctx, `
			SELECT data_id FROM data_refs WHERE owner_kind = ? AND owner_id = ?
		`, ownerJob, row.id.String())
		if err != nil {
			return internal(err, "failed to query data references of job %s", row.id)
		}
		var dataIDs []ids.DataID
		for refs.Next() {
			var id ids.DataID
			if err := refs.Scan(&id); err != nil {
				refs.Close()
				return internal(err, "failed to scan data reference")
			}
			dataIDs = append(dataIDs, id)
		}
		refs.Close()
		if err := refs.Err(); err != nil {
			return internal(err, "error iterating data references")
		}

		for _, id := range dataIDs {
			if _, err := dropRef(ctx, tx, id, ownerJob, row.id.String()); err != nil {
				return err
			}
		}
		return nil
	})
}
