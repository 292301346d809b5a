// ============================================================================
// Managed-Job State Store - Schema & Migration
// ============================================================================
//
// Package: internal/store
// File: schema.go
// Purpose: Canonical table DDL plus forward-only, column-additive migration
//          for databases created by older builds
//
// ============================================================================

package store

import (
	"database/sql"
	"fmt"
)

// baseSchema creates the task and job tables in their canonical (fully
// migrated) shape. CREATE TABLE IF NOT EXISTS makes this safe to run against
// an already-initialized database; runMigrations then adds any columns a
// pre-existing table predates.
const baseSchema = `
CREATE TABLE IF NOT EXISTS _meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spot (
	spot_job_id       INTEGER,
	task_id           INTEGER NOT NULL DEFAULT 0,
	job_id            INTEGER NOT NULL,
	task_name         TEXT,
	resources         TEXT,
	status            TEXT NOT NULL,
	submitted_at      REAL,
	start_at          REAL,
	end_at            REAL,
	last_recovered_at REAL NOT NULL DEFAULT -1,
	recovery_count    INTEGER NOT NULL DEFAULT 0,
	job_duration      REAL NOT NULL DEFAULT 0,
	run_timestamp     TEXT,
	failure_reason    TEXT,
	specs             TEXT,
	local_log_file    TEXT,
	PRIMARY KEY (job_id, task_id)
);

CREATE TABLE IF NOT EXISTS job_info (
	spot_job_id              INTEGER PRIMARY KEY,
	name                     TEXT,
	schedule_state           TEXT,
	controller_pid           INTEGER,
	dag_yaml_path            TEXT,
	env_file_path            TEXT,
	original_user_yaml_path  TEXT,
	user_hash                TEXT,
	workspace                TEXT NOT NULL DEFAULT 'default',
	priority                 INTEGER NOT NULL DEFAULT 100,
	entrypoint               TEXT
);

CREATE INDEX IF NOT EXISTS idx_spot_job_id ON spot(job_id);
CREATE INDEX IF NOT EXISTS idx_job_info_schedule_state ON job_info(schedule_state);
`

// columnMigration describes one column this schema version may be missing
// from a database created by an older build, how to add it, and how to
// backfill its value for rows that already existed.
type columnMigration struct {
	table      string
	column     string
	addColDDL  string // full "ALTER TABLE ... ADD COLUMN ..." statement
	backfillSQL string // optional UPDATE to populate the new column in existing rows
}

// columnMigrations is intentionally column-additive and idempotent: each
// entry is only applied if the column is absent, and backfills only touch
// rows where the new column is still at its just-added default/NULL.
var columnMigrations = []columnMigration{
	{
		table:     "spot",
		column:    "spot_job_id",
		addColDDL: `ALTER TABLE spot ADD COLUMN spot_job_id INTEGER`,
		// spot_job_id mirrors job_id for every pre-existing row.
		backfillSQL: `UPDATE spot SET spot_job_id = job_id WHERE spot_job_id IS NULL`,
	},
	{
		table:       "spot",
		column:      "task_id",
		addColDDL:   `ALTER TABLE spot ADD COLUMN task_id INTEGER NOT NULL DEFAULT 0`,
		backfillSQL: `UPDATE spot SET task_id = 0 WHERE task_id IS NULL`,
	},
	{
		table:     "spot",
		column:    "task_name",
		addColDDL: `ALTER TABLE spot ADD COLUMN task_name TEXT`,
		// task_name is backfilled from the legacy job_name column, if present.
		backfillSQL: `UPDATE spot SET task_name = job_name WHERE task_name IS NULL AND job_name IS NOT NULL`,
	},
	{
		table:       "spot",
		column:      "specs",
		addColDDL:   `ALTER TABLE spot ADD COLUMN specs TEXT`,
		backfillSQL: `UPDATE spot SET specs = '{"max_restarts_on_errors":0}' WHERE specs IS NULL`,
	},
	{
		table:       "spot",
		column:      "last_recovered_at",
		addColDDL:   `ALTER TABLE spot ADD COLUMN last_recovered_at REAL NOT NULL DEFAULT -1`,
		backfillSQL: ``,
	},
	{
		table:       "spot",
		column:      "recovery_count",
		addColDDL:   `ALTER TABLE spot ADD COLUMN recovery_count INTEGER NOT NULL DEFAULT 0`,
		backfillSQL: ``,
	},
	{
		table:       "spot",
		column:      "job_duration",
		addColDDL:   `ALTER TABLE spot ADD COLUMN job_duration REAL NOT NULL DEFAULT 0`,
		backfillSQL: ``,
	},
	{
		table:       "spot",
		column:      "local_log_file",
		addColDDL:   `ALTER TABLE spot ADD COLUMN local_log_file TEXT`,
		backfillSQL: ``,
	},
	{
		table:       "job_info",
		column:      "schedule_state",
		addColDDL:   `ALTER TABLE job_info ADD COLUMN schedule_state TEXT`,
		backfillSQL: ``, // NULL schedule_state is the documented legacy sentinel
	},
	{
		table:       "job_info",
		column:      "workspace",
		addColDDL:   `ALTER TABLE job_info ADD COLUMN workspace TEXT NOT NULL DEFAULT 'default'`,
		backfillSQL: `UPDATE job_info SET workspace = 'default' WHERE workspace IS NULL`,
	},
	{
		table:       "job_info",
		column:      "priority",
		addColDDL:   fmt.Sprintf(`ALTER TABLE job_info ADD COLUMN priority INTEGER NOT NULL DEFAULT %d`, DefaultPriority),
		backfillSQL: fmt.Sprintf(`UPDATE job_info SET priority = %d WHERE priority IS NULL`, DefaultPriority),
	},
	{
		table:     "job_info",
		column:    "entrypoint",
		addColDDL: `ALTER TABLE job_info ADD COLUMN entrypoint TEXT`,
	},
}

// tableColumns returns the set of column names currently present on table,
// via PRAGMA table_info. Returns an empty (not nil) set if the table
// doesn't exist yet — callers only reach this after baseSchema has run.
func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("store: read table_info(%s): %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("store: scan table_info(%s): %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// runMigrations creates the base schema if absent and then, inside a single
// transaction, adds any column columnMigrations names that the existing
// tables predate, backfilling values for rows written before that column
// existed. It is forward-only: there is no down-migration and no schema
// version to roll back to, only columns that accumulate.
func runMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(baseSchema); err != nil {
		return fmt.Errorf("store: create base schema: %w", err)
	}

	tableCols := map[string]map[string]bool{}
	for _, m := range columnMigrations {
		cols, ok := tableCols[m.table]
		if !ok {
			cols, err = tableColumns(tx, m.table)
			if err != nil {
				return err
			}
			tableCols[m.table] = cols
		}
		if cols[m.column] {
			continue
		}
		if _, err := tx.Exec(m.addColDDL); err != nil {
			return fmt.Errorf("store: add column %s.%s: %w", m.table, m.column, err)
		}
		cols[m.column] = true
		if m.backfillSQL != "" {
			// task_name's backfill references the legacy job_name column,
			// which only exists on databases created before this column
			// migration shipped; skip it on a fresh install.
			if m.column == "task_name" && !cols["job_name"] {
				continue
			}
			if _, err := tx.Exec(m.backfillSQL); err != nil {
				return fmt.Errorf("store: backfill %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	// Created only after migration, since a legacy job_info table gains its
	// schedule_state column above.
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_job_info_schedule_state ON job_info(schedule_state)`); err != nil {
		return fmt.Errorf("store: create schedule_state index: %w", err)
	}

	if _, err := tx.Exec(`INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '1')`); err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migrations: %w", err)
	}
	return nil
}
