package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, runMigrations(db))
	require.NoError(t, runMigrations(db), "re-running migrations against the canonical schema must be a no-op")

	var version string
	require.NoError(t, db.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&version))
	assert.Equal(t, "1", version)
}

// TestMigrationBackfillsLegacyColumns simulates a database created before
// this schema's column-additive migrations shipped: a spot table missing
// spot_job_id/task_id/task_name/specs, and a job_info table missing
// schedule_state/workspace/priority, with a legacy job_name column on spot
// that task_name is backfilled from.
func TestMigrationBackfillsLegacyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE spot (
			job_id INTEGER NOT NULL,
			job_name TEXT,
			resources TEXT,
			status TEXT NOT NULL,
			submitted_at REAL,
			start_at REAL,
			end_at REAL,
			failure_reason TEXT,
			local_log_file TEXT
		);
		CREATE TABLE job_info (
			spot_job_id INTEGER PRIMARY KEY,
			name TEXT,
			controller_pid INTEGER,
			dag_yaml_path TEXT,
			env_file_path TEXT,
			original_user_yaml_path TEXT,
			user_hash TEXT
		);
		INSERT INTO spot (job_id, job_name, resources, status) VALUES (42, 'legacy-job', 'cpu=2', 'SUCCEEDED');
		INSERT INTO job_info (spot_job_id, name, user_hash) VALUES (42, 'legacy-job', 'user-x');
	`)
	require.NoError(t, err)

	require.NoError(t, runMigrations(db))

	var spotJobID, taskID int64
	var taskName, specs string
	require.NoError(t, db.QueryRow(`SELECT spot_job_id, task_id, task_name, specs FROM spot WHERE job_id = 42`).
		Scan(&spotJobID, &taskID, &taskName, &specs))
	assert.Equal(t, int64(42), spotJobID, "spot_job_id must be backfilled from job_id")
	assert.Equal(t, int64(0), taskID, "task_id must default to 0")
	assert.Equal(t, "legacy-job", taskName, "task_name must be backfilled from job_name")
	assert.Equal(t, `{"max_restarts_on_errors":0}`, specs)

	var workspace string
	var priority int
	var scheduleState sql.NullString
	require.NoError(t, db.QueryRow(`SELECT workspace, priority, schedule_state FROM job_info WHERE spot_job_id = 42`).
		Scan(&workspace, &priority, &scheduleState))
	assert.Equal(t, DefaultWorkspace, workspace)
	assert.Equal(t, DefaultPriority, priority)
	assert.False(t, scheduleState.Valid, "schedule_state must stay NULL for legacy rows, per the documented sentinel")
}
