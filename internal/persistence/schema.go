package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps are
// Unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		resource_group_id TEXT NOT NULL,
		state INTEGER NOT NULL,
		graph BLOB NOT NULL,
		graph_fingerprint TEXT NOT NULL,
		num_tasks INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_resource_group ON jobs(resource_group_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		task_idx INTEGER NOT NULL,
		tdl_package TEXT NOT NULL,
		tdl_function TEXT NOT NULL,
		state INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		UNIQUE (job_id, task_idx),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

	CREATE TABLE IF NOT EXISTS dependency_values (
		job_id TEXT NOT NULL,
		dep_idx INTEGER NOT NULL,
		value BLOB,
		data_id TEXT,
		PRIMARY KEY (job_id, dep_idx),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_instances (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		worker_id TEXT,
		started_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_instances_task_id ON task_instances(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_instances_started_at ON task_instances(started_at);

	CREATE TABLE IF NOT EXISTS data (
		id TEXT PRIMARY KEY,
		value BLOB,
		persisted INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS data_refs (
		data_id TEXT NOT NULL,
		owner_kind INTEGER NOT NULL,
		owner_id TEXT NOT NULL,
		PRIMARY KEY (data_id, owner_kind, owner_id),
		FOREIGN KEY (data_id) REFERENCES data(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_data_refs_owner ON data_refs(owner_kind, owner_id);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedulers (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
