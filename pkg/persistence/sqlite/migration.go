package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT '',
				address TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK (status IN ('online', 'offline', 'unknown')),
				last_heartbeat TIMESTAMP,
				metadata TEXT,
				active BOOLEAN NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				device_id TEXT NOT NULL REFERENCES devices(id),
				kind TEXT NOT NULL,
				params TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'timeout', 'cancelled')),
				result TEXT,
				error TEXT NOT NULL DEFAULT '',
				timeout_seconds INTEGER NOT NULL,
				correlation_key TEXT NOT NULL DEFAULT '',
				execution_id TEXT NOT NULL DEFAULT '',
				step_id TEXT NOT NULL DEFAULT '',
				cancel_requested BOOLEAN NOT NULL DEFAULT 0,
				transfer TEXT,
				version INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				started_at TIMESTAMP,
				completed_at TIMESTAMP,
				deadline_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_tasks_device_created ON tasks(device_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_tasks_open_deadline ON tasks(deadline_at) WHERE status IN ('pending', 'running');
			CREATE INDEX IF NOT EXISTS idx_tasks_execution_id ON tasks(execution_id);
			CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks(completed_at);

			CREATE TABLE IF NOT EXISTS task_chunks (
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL,
				size INTEGER NOT NULL,
				expected_hash TEXT NOT NULL DEFAULT '',
				hash TEXT NOT NULL DEFAULT '',
				acknowledged BOOLEAN NOT NULL DEFAULT 0,
				acknowledged_at TIMESTAMP,
				PRIMARY KEY (task_id, chunk_index)
			);

			CREATE TABLE IF NOT EXISTS task_transitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				from_status TEXT NOT NULL DEFAULT '',
				to_status TEXT NOT NULL,
				source TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_task_transitions_task_id ON task_transitions(task_id);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				schedule TEXT NOT NULL DEFAULT '',
				failure_policy TEXT NOT NULL DEFAULT 'halt',
				status TEXT NOT NULL,
				config TEXT,
				next_run_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_next_run_at ON workflows(next_run_at) WHERE next_run_at IS NOT NULL;

			CREATE TABLE IF NOT EXISTS workflow_steps (
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				name TEXT NOT NULL,
				step_order INTEGER NOT NULL DEFAULT 0,
				action TEXT NOT NULL,
				depends_on TEXT NOT NULL,
				max_restarts INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				result TEXT,
				error TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (workflow_id, id)
			);

			CREATE TABLE IF NOT EXISTS workflow_executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				status TEXT NOT NULL,
				triggered_by TEXT NOT NULL DEFAULT '',
				steps TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP,
				updated_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);
		`,
	}
}
