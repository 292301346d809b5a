// ============================================================================
// Managed-Job State Store - Query Layer
// ============================================================================
//
// Package: internal/store
// File: query.go
// Purpose: Read-only lookups over spot/job_info for callers, CLIs, and the
//          admission scheduler
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/managedjobs/jobstate/pkg/types"
)

// terminalStatusList is a reusable SQL literal list of terminal statuses,
// used to build "status NOT IN (...)" non-terminal predicates.
var terminalStatusList = []any{
	types.ManagedJobSucceeded, types.ManagedJobCancelled, types.ManagedJobFailed,
	types.ManagedJobFailedSetup, types.ManagedJobFailedPrechecks,
	types.ManagedJobFailedNoResource, types.ManagedJobFailedController,
}

const notTerminalPlaceholders = `(?, ?, ?, ?, ?, ?, ?)`

// GetNonTerminalJobIDsByName returns, in descending job_id order, the
// distinct job IDs with at least one non-terminal task. If name is non-nil,
// only jobs matching that name (job_info.name, falling back to
// spot.task_name for legacy rows with a NULL job name) are returned. If name
// is nil and allUsers is false, results are further restricted to jobs whose
// user_hash matches currentUserHash.
func (s *Store) GetNonTerminalJobIDsByName(ctx context.Context, name *string, allUsers bool, currentUserHash string) ([]int64, error) {
	query := `
		SELECT DISTINCT sp.job_id
		FROM spot sp
		LEFT OUTER JOIN job_info ji ON sp.job_id = ji.spot_job_id
		WHERE sp.status NOT IN ` + notTerminalPlaceholders
	args := append([]any{}, terminalStatusList...)

	if name != nil {
		query += ` AND (COALESCE(ji.name, sp.task_name) = ?)`
		args = append(args, *name)
	} else if !allUsers {
		query += ` AND ji.user_hash = ?`
		args = append(args, currentUserHash)
	}
	query += ` ORDER BY sp.job_id DESC`

	return s.queryInt64Column(ctx, query, args...)
}

// GetAllJobIDsByName returns distinct job IDs matching name (or all jobs, if
// name is nil), without filtering by task status.
func (s *Store) GetAllJobIDsByName(ctx context.Context, name *string) ([]int64, error) {
	query := `
		SELECT DISTINCT sp.job_id
		FROM spot sp
		LEFT OUTER JOIN job_info ji ON sp.job_id = ji.spot_job_id`
	var args []any
	if name != nil {
		query += ` WHERE COALESCE(ji.name, sp.task_name) = ?`
		args = append(args, *name)
	}
	query += ` ORDER BY sp.job_id DESC`
	return s.queryInt64Column(ctx, query, args...)
}

func (s *Store) queryInt64Column(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LiveJob is one row of GetScheduleLiveJobs.
type LiveJob struct {
	JobID         int64
	ScheduleState types.ManagedJobScheduleState
	ControllerPID *int
}

// GetScheduleLiveJobs returns jobs whose schedule_state indicates a
// controller process should currently be running (i.e. anything other than
// INACTIVE, WAITING, or DONE). If jobID is non-nil, restricts to that job.
func (s *Store) GetScheduleLiveJobs(ctx context.Context, jobID *int64) ([]LiveJob, error) {
	query := `
		SELECT spot_job_id, schedule_state, controller_pid
		FROM job_info
		WHERE schedule_state IS NOT NULL AND schedule_state NOT IN (?, ?, ?)`
	args := []any{types.ScheduleStateInactive, types.ScheduleStateWaiting, types.ScheduleStateDone}
	if jobID != nil {
		query += ` AND spot_job_id = ?`
		args = append(args, *jobID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get_schedule_live_jobs: %w", err)
	}
	defer rows.Close()

	var out []LiveJob
	for rows.Next() {
		var lj LiveJob
		var pid sql.NullInt64
		if err := rows.Scan(&lj.JobID, &lj.ScheduleState, &pid); err != nil {
			return nil, fmt.Errorf("store: get_schedule_live_jobs: %w", err)
		}
		if pid.Valid {
			v := int(pid.Int64)
			lj.ControllerPID = &v
		}
		out = append(out, lj)
	}
	return out, rows.Err()
}

// GetJobsToCheckStatus returns job IDs whose schedule/task state may need
// reconciliation: a live (non-DONE) schedule_state, a legacy NULL
// schedule_state with a non-terminal task, or a DONE schedule_state that
// still has a non-terminal task (a brief post-commit inconsistency window,
// see the concurrency notes on cross-row isolation).
func (s *Store) GetJobsToCheckStatus(ctx context.Context, jobID *int64) ([]int64, error) {
	query := `
		SELECT DISTINCT ji.spot_job_id
		FROM job_info ji
		LEFT OUTER JOIN spot sp ON sp.job_id = ji.spot_job_id
		WHERE ((ji.schedule_state IS NOT NULL AND ji.schedule_state != ?)
			OR (ji.schedule_state IS NULL AND sp.status NOT IN ` + notTerminalPlaceholders + `)
			OR (ji.schedule_state = ? AND sp.status NOT IN ` + notTerminalPlaceholders + `))`
	args := []any{types.ScheduleStateDone}
	args = append(args, terminalStatusList...)
	args = append(args, types.ScheduleStateDone)
	args = append(args, terminalStatusList...)

	// The two "sp.status NOT IN (...)" clauses above are testing for
	// non-terminal tasks, so they must use the inverse sense from
	// terminalStatusList's NOT IN semantics already baked into the SQL text.
	if jobID != nil {
		query += ` AND ji.spot_job_id = ?`
		args = append(args, *jobID)
	}
	query += ` ORDER BY ji.spot_job_id DESC`
	return s.queryInt64Column(ctx, query, args...)
}

// TaskIDStatus pairs a task's index with its status.
type TaskIDStatus struct {
	TaskID int
	Status types.ManagedJobStatus
}

// GetAllTaskIDsStatuses returns every task of jobID, ordered by task_id.
func (s *Store) GetAllTaskIDsStatuses(ctx context.Context, jobID int64) ([]TaskIDStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, status FROM spot WHERE job_id = ? ORDER BY task_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: get_all_task_ids_statuses: %w", err)
	}
	defer rows.Close()
	var out []TaskIDStatus
	for rows.Next() {
		var ts TaskIDStatus
		if err := rows.Scan(&ts.TaskID, &ts.Status); err != nil {
			return nil, fmt.Errorf("store: get_all_task_ids_statuses: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetLatestTaskIDStatus returns the first non-terminal task in task_id
// order, or the last task if every task is terminal. Returns (nil, nil) if
// the job has no tasks at all.
func (s *Store) GetLatestTaskIDStatus(ctx context.Context, jobID int64) (*int, *types.ManagedJobStatus, error) {
	tasks, err := s.GetAllTaskIDsStatuses(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if len(tasks) == 0 {
		return nil, nil, nil
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			id, st := t.TaskID, t.Status
			return &id, &st, nil
		}
	}
	last := tasks[len(tasks)-1]
	id, st := last.TaskID, last.Status
	return &id, &st, nil
}

// GetStatus returns the status of the job's latest task (see
// GetLatestTaskIDStatus).
func (s *Store) GetStatus(ctx context.Context, jobID int64) (types.ManagedJobStatus, error) {
	_, status, err := s.GetLatestTaskIDStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	if status == nil {
		return "", ErrNoSuchJob
	}
	return *status, nil
}

// GetFailureReason returns the first non-null failure_reason among the
// job's tasks, in task_id order, or nil if none is set.
func (s *Store) GetFailureReason(ctx context.Context, jobID int64) (*string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT failure_reason FROM spot
		WHERE job_id = ? AND failure_reason IS NOT NULL
		ORDER BY task_id ASC LIMIT 1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: get_failure_reason: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var reason string
	if err := rows.Scan(&reason); err != nil {
		return nil, fmt.Errorf("store: get_failure_reason: %w", err)
	}
	return &reason, rows.Err()
}

// managedJobColumns is shared by GetManagedJobs' SELECT list.
const managedJobColumns = `
	sp.rowid, sp.job_id, sp.task_id, sp.task_name, sp.resources, sp.status,
	sp.submitted_at, sp.start_at, sp.end_at, sp.last_recovered_at, sp.recovery_count,
	sp.job_duration, sp.run_timestamp, sp.failure_reason, sp.specs, sp.local_log_file,
	ji.name, ji.schedule_state, ji.controller_pid, ji.user_hash, ji.workspace,
	ji.priority, ji.entrypoint, ji.original_user_yaml_path`

// GetManagedJobs returns one denormalized record per task, left-outer
// joined against its job row, ordered job_id DESC, task_id ASC. If jobID is
// non-nil, restricts to that job.
//
// Returns:
//   - one types.ManagedJobRecord per task row; original_user_yaml_path's
//     contents are attached as UserYAML on a best-effort basis — a missing
//     or unreadable file leaves UserYAML nil rather than failing the query.
func (s *Store) GetManagedJobs(ctx context.Context, jobID *int64) ([]types.ManagedJobRecord, error) {
	query := `SELECT ` + managedJobColumns + `
		FROM spot sp LEFT OUTER JOIN job_info ji ON sp.job_id = ji.spot_job_id`
	var args []any
	if jobID != nil {
		query += ` WHERE sp.job_id = ?`
		args = append(args, *jobID)
	}
	query += ` ORDER BY sp.job_id DESC, sp.task_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get_managed_jobs: %w", err)
	}
	defer rows.Close()

	var out []types.ManagedJobRecord
	for rows.Next() {
		var rec types.ManagedJobRecord
		var jobName, workspace, entrypoint sql.NullString
		var scheduleState sql.NullString
		var controllerPID sql.NullInt64
		var userHash sql.NullString
		var priority sql.NullInt64
		var yamlPath sql.NullString
		var taskName, resources, runTimestamp, specs sql.NullString

		if err := rows.Scan(
			&rec.TaskRowID, &rec.JobID, &rec.TaskID, &taskName, &resources, &rec.Status,
			&rec.SubmittedAt, &rec.StartAt, &rec.EndAt, &rec.LastRecoveredAt, &rec.RecoveryCount,
			&rec.JobDuration, &runTimestamp, &rec.FailureReason, &specs, &rec.LocalLogFile,
			&jobName, &scheduleState, &controllerPID, &userHash, &workspace, &priority, &entrypoint, &yamlPath,
		); err != nil {
			return nil, fmt.Errorf("store: get_managed_jobs: %w", err)
		}
		rec.TaskName = taskName.String
		rec.Resources = resources.String
		rec.RunTimestamp = runTimestamp.String
		rec.Specs = specs.String

		rec.JobName = rec.TaskName
		if jobName.Valid && jobName.String != "" {
			rec.JobName = jobName.String
		}
		if scheduleState.Valid {
			rec.ScheduleState = types.ManagedJobScheduleState(scheduleState.String)
		}
		if controllerPID.Valid {
			v := int(controllerPID.Int64)
			rec.ControllerPID = &v
		}
		rec.UserHash = userHash.String
		rec.Workspace = workspace.String
		if rec.Workspace == "" {
			rec.Workspace = DefaultWorkspace
		}
		if priority.Valid {
			rec.Priority = int(priority.Int64)
		} else {
			rec.Priority = DefaultPriority
		}
		rec.Entrypoint = entrypoint.String

		if yamlPath.Valid && yamlPath.String != "" {
			if contents, err := os.ReadFile(yamlPath.String); err == nil {
				text := string(contents)
				rec.UserYAML = &text
			}
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetTaskName returns the task_name of (jobID, taskID).
func (s *Store) GetTaskName(ctx context.Context, jobID int64, taskID int) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT task_name FROM spot WHERE job_id = ? AND task_id = ?`, jobID, taskID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNoSuchTask
	}
	if err != nil {
		return "", fmt.Errorf("store: get_task_name: %w", err)
	}
	return name.String, nil
}

// GetTaskSpecs returns the opaque specs JSON blob for (jobID, taskID).
func (s *Store) GetTaskSpecs(ctx context.Context, jobID int64, taskID int) (string, error) {
	var specs sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT specs FROM spot WHERE job_id = ? AND task_id = ?`, jobID, taskID).Scan(&specs)
	if err == sql.ErrNoRows {
		return "", ErrNoSuchTask
	}
	if err != nil {
		return "", fmt.Errorf("store: get_task_specs: %w", err)
	}
	return specs.String, nil
}

// GetLocalLogFile returns the local log file path for (jobID, taskID), or
// nil if unset.
func (s *Store) GetLocalLogFile(ctx context.Context, jobID int64, taskID int) (*string, error) {
	var path sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT local_log_file FROM spot WHERE job_id = ? AND task_id = ?`, jobID, taskID).Scan(&path)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchTask
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_local_log_file: %w", err)
	}
	if !path.Valid {
		return nil, nil
	}
	return &path.String, nil
}

// GetWorkspace returns the job's workspace, defaulting to DefaultWorkspace
// if unset.
func (s *Store) GetWorkspace(ctx context.Context, jobID int64) (string, error) {
	var ws sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT workspace FROM job_info WHERE spot_job_id = ?`, jobID).Scan(&ws)
	if err == sql.ErrNoRows {
		return "", ErrNoSuchJob
	}
	if err != nil {
		return "", fmt.Errorf("store: get_workspace: %w", err)
	}
	if !ws.Valid || ws.String == "" {
		return DefaultWorkspace, nil
	}
	return ws.String, nil
}

// GetLatestJobID returns the highest job_id currently in the store, or nil
// if the store is empty.
func (s *Store) GetLatestJobID(ctx context.Context) (*int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(job_id) FROM spot`).Scan(&id); err != nil {
		return nil, fmt.Errorf("store: get_latest_job_id: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}

// GetJobScheduleState returns the schedule_state of jobID. A legacy NULL
// row yields ScheduleStateInvalid.
func (s *Store) GetJobScheduleState(ctx context.Context, jobID int64) (types.ManagedJobScheduleState, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT schedule_state FROM job_info WHERE spot_job_id = ?`, jobID).Scan(&state)
	if err == sql.ErrNoRows {
		return types.ScheduleStateInvalid, ErrNoSuchJob
	}
	if err != nil {
		return types.ScheduleStateInvalid, fmt.Errorf("store: get_job_schedule_state: %w", err)
	}
	if !state.Valid {
		return types.ScheduleStateInvalid, nil
	}
	return types.ManagedJobScheduleState(state.String), nil
}

// GetNumLaunchingJobs returns the count of jobs currently LAUNCHING.
func (s *Store) GetNumLaunchingJobs(ctx context.Context) (int, error) {
	return s.countJobsInState(ctx, types.ScheduleStateLaunching)
}

// GetNumAliveJobs returns the count of jobs in any "alive" scheduler state:
// ALIVE_WAITING, LAUNCHING, ALIVE, or ALIVE_BACKOFF.
func (s *Store) GetNumAliveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_info WHERE schedule_state IN (?, ?, ?, ?)`,
		types.ScheduleStateAliveWaiting, types.ScheduleStateLaunching,
		types.ScheduleStateAlive, types.ScheduleStateAliveBackoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: get_num_alive_jobs: %w", err)
	}
	return n, nil
}

func (s *Store) countJobsInState(ctx context.Context, state types.ManagedJobScheduleState) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_info WHERE schedule_state = ?`, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count jobs in state %s: %w", state, err)
	}
	return n, nil
}

// GetWaitingJob implements the priority-admission query: among jobs in
// WAITING or ALIVE_WAITING, it admits only those whose priority is at least
// the maximum priority of any job currently LAUNCHING or ALIVE_BACKOFF (or 0
// if none are), then returns the highest-priority admissible candidate,
// breaking ties by the smallest job_id.
//
// Returns:
//   - nil if no job qualifies
//
// Concurrency: a single read-only SELECT; the scheduler is expected to
// immediately follow an admitted result with SchedulerSetLaunching to close
// the race against a concurrent caller observing the same candidate.
func (s *Store) GetWaitingJob(ctx context.Context) (*types.WaitingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ji.spot_job_id, ji.schedule_state, ji.dag_yaml_path, ji.env_file_path
		FROM job_info ji
		WHERE ji.schedule_state IN (?, ?)
			AND ji.priority >= (
				SELECT COALESCE(MAX(priority), 0) FROM job_info
				WHERE schedule_state IN (?, ?)
			)
		ORDER BY ji.priority DESC, ji.spot_job_id ASC
		LIMIT 1`,
		types.ScheduleStateWaiting, types.ScheduleStateAliveWaiting,
		types.ScheduleStateLaunching, types.ScheduleStateAliveBackoff)

	var wj types.WaitingJob
	var state string
	var dagPath, envPath sql.NullString
	err := row.Scan(&wj.JobID, &state, &dagPath, &envPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_waiting_job: %w", err)
	}
	wj.ScheduleState = types.ManagedJobScheduleState(state)
	if dagPath.Valid {
		wj.DagYAMLPath = &dagPath.String
	}
	if envPath.Valid {
		wj.EnvFilePath = &envPath.String
	}
	return &wj, nil
}
