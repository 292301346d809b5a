// ============================================================================
// Managed-Job State Store - Scheduler Coordination State Machine
// ============================================================================
//
// Package: internal/store
// File: scheduler.go
// Purpose: job_info.schedule_state transitions used by the external admission
//          scheduler to coordinate how many jobs are LAUNCHING/ALIVE at once
//
// State Machine:
//   INACTIVE -> WAITING -> LAUNCHING -> ALIVE -> ALIVE_WAITING -> LAUNCHING -> ...
//                                    -> ALIVE_BACKOFF -> ALIVE_WAITING -> ...
//   any state -> DONE
//
// Concurrency:
//   Every transition is a CAS UPDATE on job_info.schedule_state. A row count
//   other than 1 from schedulerCAS is not a normal "someone else won the
//   race" outcome the way task.go's checkCAS is — the scheduler already
//   serializes admission externally, so an unexpected count here signals a
//   real invariant violation and panics rather than returning an error.
//
// ============================================================================

package store

import (
	"context"
	"fmt"

	"github.com/managedjobs/jobstate/pkg/types"
)

// SetJobInfo inserts a new job row in INACTIVE. Called once per job,
// typically alongside the first SetPending for its task 0.
func (s *Store) SetJobInfo(ctx context.Context, jobID int64, name, workspace, entrypoint string) error {
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_info (spot_job_id, name, schedule_state, workspace, priority, entrypoint)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, name, types.ScheduleStateInactive, workspace, DefaultPriority, entrypoint)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &ManagedJobStatusError{Op: "set_job_info", JobID: jobID, Expected: "row absent", Affected: 0}
		}
		return fmt.Errorf("store: set_job_info: %w", err)
	}
	return nil
}

// SchedulerSetWaiting transitions a job from INACTIVE to WAITING, recording
// its on-disk artifact paths, submitter, and priority.
//
// Returns:
//   - recoveryRun=true if the job was already WAITING (a controller
//     re-entering after a restart), in which case the CAS gated on INACTIVE
//     affected zero rows and that is reported back as "already admitted"
//     rather than as an error.
//
// Concurrency: single CAS UPDATE gated on schedule_state=INACTIVE.
func (s *Store) SchedulerSetWaiting(ctx context.Context, jobID int64, dagYAMLPath, envFilePath, originalUserYAMLPath, userHash string, priority int) (recoveryRun bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_info SET schedule_state = ?, dag_yaml_path = ?, env_file_path = ?,
			original_user_yaml_path = ?, user_hash = ?, priority = ?
		WHERE spot_job_id = ? AND schedule_state = ?`,
		types.ScheduleStateWaiting, dagYAMLPath, envFilePath, originalUserYAMLPath, userHash, priority,
		jobID, types.ScheduleStateInactive)
	if err != nil {
		return false, fmt.Errorf("store: scheduler_set_waiting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: scheduler_set_waiting: %w", err)
	}
	if n > 1 {
		schedulerInvariantViolation("scheduler_set_waiting", jobID, "schedule_state=INACTIVE", n)
	}
	return n == 0, nil
}

// schedulerCAS is the shared shape of every scheduler_set_* transition
// beyond SchedulerSetWaiting: update gated on an expected current state,
// panic if the row count isn't exactly what's expected.
func (s *Store) schedulerCAS(ctx context.Context, op string, jobID int64, target types.ManagedJobScheduleState, from ...types.ManagedJobScheduleState) error {
	query := `UPDATE job_info SET schedule_state = ? WHERE spot_job_id = ? AND schedule_state IN (`
	for i := range from {
		if i > 0 {
			query += `, `
		}
		query += `?`
	}
	query += `)`
	args := append([]any{target, jobID}, toAny(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n != 1 {
		schedulerInvariantViolation(op, jobID, fmt.Sprintf("schedule_state IN %v", from), n)
	}
	return nil
}

func toAny(states []types.ManagedJobScheduleState) []any {
	out := make([]any, len(states))
	for i, s := range states {
		out[i] = s
	}
	return out
}

// SchedulerSetLaunching transitions expected -> LAUNCHING. expected is
// WAITING on a first launch, ALIVE_WAITING on a re-launch.
func (s *Store) SchedulerSetLaunching(ctx context.Context, jobID int64, expected types.ManagedJobScheduleState) error {
	return s.schedulerCAS(ctx, "scheduler_set_launching", jobID, types.ScheduleStateLaunching, expected)
}

// SchedulerSetAlive transitions LAUNCHING -> ALIVE.
func (s *Store) SchedulerSetAlive(ctx context.Context, jobID int64) error {
	return s.schedulerCAS(ctx, "scheduler_set_alive", jobID, types.ScheduleStateAlive, types.ScheduleStateLaunching)
}

// SchedulerSetAliveBackoff transitions LAUNCHING -> ALIVE_BACKOFF, meaning
// the launch could not find resources and should be retried later.
func (s *Store) SchedulerSetAliveBackoff(ctx context.Context, jobID int64) error {
	return s.schedulerCAS(ctx, "scheduler_set_alive_backoff", jobID, types.ScheduleStateAliveBackoff, types.ScheduleStateLaunching)
}

// SchedulerSetAliveWaiting transitions ALIVE or ALIVE_BACKOFF into
// ALIVE_WAITING, requesting another launch (a recovery, or the next task of
// a multi-task DAG).
func (s *Store) SchedulerSetAliveWaiting(ctx context.Context, jobID int64) error {
	return s.schedulerCAS(ctx, "scheduler_set_alive_waiting", jobID, types.ScheduleStateAliveWaiting,
		types.ScheduleStateAlive, types.ScheduleStateAliveBackoff)
}

// SchedulerSetDone transitions any non-DONE state into DONE, marking the
// controller as exited. When idempotent is true, a zero-row update (the job
// was already DONE) is not reported as an error.
func (s *Store) SchedulerSetDone(ctx context.Context, jobID int64, idempotent bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_info SET schedule_state = ? WHERE spot_job_id = ? AND schedule_state != ?`,
		types.ScheduleStateDone, jobID, types.ScheduleStateDone)
	if err != nil {
		return fmt.Errorf("store: scheduler_set_done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: scheduler_set_done: %w", err)
	}
	if n != 1 && !(idempotent && n == 0) {
		schedulerInvariantViolation("scheduler_set_done", jobID, "schedule_state != DONE", n)
	}
	return nil
}

// SetJobControllerPID records the OS process ID of the controller driving
// this job.
func (s *Store) SetJobControllerPID(ctx context.Context, jobID int64, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_info SET controller_pid = ? WHERE spot_job_id = ?`, pid, jobID)
	if err != nil {
		return fmt.Errorf("store: set_job_controller_pid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set_job_controller_pid: %w", err)
	}
	if n != 1 {
		return &ManagedJobStatusError{Op: "set_job_controller_pid", JobID: jobID, Expected: "row exists", Affected: n}
	}
	return nil
}
