package postgresql

// migrations returns the ordered schema migrations for the state store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id TEXT PRIMARY KEY,
				group_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				name TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				data JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_definitions_group
				ON workflow_definitions (group_id, version);

			CREATE TABLE IF NOT EXISTS workflow_runs (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL REFERENCES workflow_definitions (id),
				namespace TEXT NOT NULL,
				status TEXT NOT NULL,
				input JSONB,
				variables JSONB,
				failed_node_id TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				finished_at TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_runs_namespace_status
				ON workflow_runs (namespace, status);

			CREATE TABLE IF NOT EXISTS node_states (
				run_id TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
				node_id TEXT NOT NULL,
				status TEXT NOT NULL,
				output JSONB,
				selected_branch TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMPTZ,
				finished_at TIMESTAMPTZ,
				PRIMARY KEY (run_id, node_id)
			);

			CREATE TABLE IF NOT EXISTS approval_requests (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
				node_id TEXT NOT NULL,
				namespace TEXT NOT NULL,
				approver_role TEXT NOT NULL,
				outcome TEXT NOT NULL DEFAULT 'pending',
				decided_by TEXT NOT NULL DEFAULT '',
				comment TEXT NOT NULL DEFAULT '',
				deadline TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				resolved_at TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_approval_requests_pending
				ON approval_requests (run_id) WHERE outcome = 'pending';

			CREATE TABLE IF NOT EXISTS namespaces (
				name TEXT PRIMARY KEY,
				description TEXT NOT NULL DEFAULT '',
				max_concurrent INTEGER NOT NULL,
				retention_seconds BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
		`,
	}
}
