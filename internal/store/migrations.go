package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all dispatch tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS analysis_tasks (
		id                    TEXT PRIMARY KEY,
		slot_key              TEXT NOT NULL,
		attempt               INTEGER NOT NULL DEFAULT 0,
		workflow_execution_id TEXT NOT NULL DEFAULT '',
		app_id                TEXT NOT NULL DEFAULT '',
		analysis_minute       INTEGER NOT NULL DEFAULT 0,
		analysis_type         TEXT NOT NULL,
		cluster_level         INTEGER NOT NULL DEFAULT -1,
		is_continuous         INTEGER NOT NULL DEFAULT 0,
		tag                   TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT 'QUEUED',
		retry_count           INTEGER NOT NULL DEFAULT 0,
		priority              INTEGER,
		backoff_count         INTEGER NOT NULL DEFAULT 0,
		api_version           TEXT NOT NULL,
		cv_config_id          TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	)`,

	// At most one active task per dedup key. Inserts that would break this
	// are ignored, which closes the read-then-insert race.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_tasks_active_key
		ON analysis_tasks(slot_key, workflow_execution_id, tag)
		WHERE status IN ('QUEUED', 'RUNNING')`,
	// Claim query: version + status, then dispatch order.
	`CREATE INDEX IF NOT EXISTS idx_analysis_tasks_claim
		ON analysis_tasks(api_version, status, is_continuous, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_tasks_slot
		ON analysis_tasks(slot_key, analysis_type, attempt)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_tasks_cv_config
		ON analysis_tasks(cv_config_id, status, analysis_minute)`,

	`CREATE TABLE IF NOT EXISTS experimental_tasks (
		id                    TEXT PRIMARY KEY,
		slot_key              TEXT NOT NULL,
		workflow_execution_id TEXT NOT NULL DEFAULT '',
		app_id                TEXT NOT NULL DEFAULT '',
		experiment_name       TEXT NOT NULL,
		analysis_minute       INTEGER NOT NULL DEFAULT 0,
		analysis_type         TEXT NOT NULL,
		cluster_level         INTEGER NOT NULL DEFAULT -1,
		status                TEXT NOT NULL DEFAULT 'QUEUED',
		retry_count           INTEGER NOT NULL DEFAULT 0,
		api_version           TEXT NOT NULL,
		cv_config_id          TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_experimental_tasks_active_key
		ON experimental_tasks(slot_key, workflow_execution_id, experiment_name)
		WHERE status IN ('QUEUED', 'RUNNING')`,
	`CREATE INDEX IF NOT EXISTS idx_experimental_tasks_claim
		ON experimental_tasks(api_version, experiment_name, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS experiments (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		analysis_type TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_name_type
		ON experiments(analysis_type, name)`,

	`CREATE TABLE IF NOT EXISTS analysis_contexts (
		id                 TEXT PRIMARY KEY,
		state_execution_id TEXT NOT NULL,
		app_id             TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'QUEUED',
		retry_count        INTEGER NOT NULL DEFAULT 0,
		api_version        TEXT NOT NULL,
		control_nodes      TEXT NOT NULL DEFAULT '{}',
		test_nodes         TEXT NOT NULL DEFAULT '{}',
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_contexts_claim
		ON analysis_contexts(api_version, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_contexts_state_execution
		ON analysis_contexts(state_execution_id)`,

	`CREATE TABLE IF NOT EXISTS state_executions (
		id         TEXT PRIMARY KEY,
		service_id TEXT NOT NULL DEFAULT '',
		app_id     TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS supervised_training_status (
		id         TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		is_ready   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_supervised_training_service
		ON supervised_training_status(service_id)`,

	// Workers table for remote analysis processes
	`CREATE TABLE IF NOT EXISTS workers (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		hostname        TEXT NOT NULL DEFAULT '',
		api_version     TEXT NOT NULL,
		analysis_types  TEXT NOT NULL DEFAULT '[]',
		continuous      INTEGER,
		experiment_name TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT 'online',
		current_task    TEXT NOT NULL DEFAULT '',
		last_seen       TEXT NOT NULL,
		registered_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "analysis_tasks",
		column:   "last_error",
		alterSQL: "ALTER TABLE analysis_tasks ADD COLUMN last_error TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_analysis_tasks_terminal ON analysis_tasks(status, updated_at)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
