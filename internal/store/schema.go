package store

import (
	"context"
)

// initSchema creates the tasks and orchestrations tables if absent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL,
		model_tier TEXT NOT NULL,
		working_dir TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		execution_prompt TEXT NOT NULL,
		summary_log_path TEXT NOT NULL DEFAULT '',
		detailed_log_path TEXT NOT NULL DEFAULT '',
		last_action TEXT NOT NULL DEFAULT '',
		final_summary TEXT,
		error_message TEXT,
		worker_pid INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT,
		orchestration_id INTEGER NOT NULL DEFAULT 0,
		identifier TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		wait_after_deps_seconds REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_orchestration ON tasks(orchestration_id);

	-- Task identifiers are unique within one orchestration.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_orch_identifier
		ON tasks(orchestration_id, identifier)
		WHERE orchestration_id != 0;

	CREATE TABLE IF NOT EXISTS orchestrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL DEFAULT 'pending',
		total_tasks INTEGER NOT NULL DEFAULT 0,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		failed_tasks INTEGER NOT NULL DEFAULT 0,
		skipped_tasks INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orchestrations_status ON orchestrations(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
