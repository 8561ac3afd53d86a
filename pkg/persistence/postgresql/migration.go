package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE devices (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				type VARCHAR(100) NOT NULL DEFAULT '',
				address VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('online', 'offline', 'unknown')),
				last_heartbeat TIMESTAMP WITH TIME ZONE,
				metadata JSONB,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_devices_status ON devices(status);

			CREATE TABLE tasks (
				id VARCHAR(255) PRIMARY KEY,
				device_id VARCHAR(255) NOT NULL REFERENCES devices(id),
				kind VARCHAR(50) NOT NULL,
				params JSONB NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'timeout', 'cancelled')),
				result JSONB,
				error TEXT NOT NULL DEFAULT '',
				timeout_seconds INT NOT NULL,
				correlation_key VARCHAR(255) NOT NULL DEFAULT '',
				execution_id VARCHAR(255) NOT NULL DEFAULT '',
				step_id VARCHAR(255) NOT NULL DEFAULT '',
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				transfer JSONB,
				version INT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				deadline_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_tasks_device_created ON tasks(device_id, created_at DESC);
			CREATE INDEX idx_tasks_open_deadline ON tasks(deadline_at) WHERE status IN ('pending', 'running');
			CREATE INDEX idx_tasks_execution_id ON tasks(execution_id);
			CREATE INDEX idx_tasks_completed_at ON tasks(completed_at);

			CREATE TABLE task_chunks (
				task_id VARCHAR(255) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				chunk_index INT NOT NULL,
				size BIGINT NOT NULL,
				expected_hash VARCHAR(128) NOT NULL DEFAULT '',
				hash VARCHAR(128) NOT NULL DEFAULT '',
				acknowledged BOOLEAN NOT NULL DEFAULT false,
				acknowledged_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (task_id, chunk_index)
			);

			CREATE TABLE task_transitions (
				id BIGSERIAL PRIMARY KEY,
				task_id VARCHAR(255) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				from_status VARCHAR(20) NOT NULL DEFAULT '',
				to_status VARCHAR(20) NOT NULL,
				source VARCHAR(20) NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_task_transitions_task_id ON task_transitions(task_id);
		`,
		2: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				schedule VARCHAR(255) NOT NULL DEFAULT '',
				failure_policy VARCHAR(20) NOT NULL DEFAULT 'halt',
				status VARCHAR(20) NOT NULL,
				config JSONB,
				next_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_next_run_at ON workflows(next_run_at) WHERE next_run_at IS NOT NULL;

			CREATE TABLE workflow_steps (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				step_order INT NOT NULL DEFAULT 0,
				action JSONB NOT NULL,
				depends_on JSONB NOT NULL,
				max_restarts INT NOT NULL DEFAULT 0,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				result JSONB,
				error TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (workflow_id, id)
			);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				status VARCHAR(20) NOT NULL,
				triggered_by VARCHAR(50) NOT NULL DEFAULT '',
				steps JSONB NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				version INT NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
		`,
	}
}
