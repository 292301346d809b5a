// ============================================================================
// Managed-Job State Store - Task State Machine
// ============================================================================
//
// Package: internal/store
// File: task.go
// Purpose: Per-task status transitions for the spot table
//
// State Machine:
//   PENDING -> STARTING -> RUNNING -> SUCCEEDED
//                                  -> RECOVERING -> RUNNING
//                                  -> FAILED / FAILED_SETUP / FAILED_PRECHECKS / ...
//   PENDING -> STARTING -> CANCELLING -> CANCELLED (from any non-terminal status)
//
// Concurrency:
//   Every transition below is a single conditional UPDATE gated on the
//   expected prior status (and, for most, end_at IS NULL). SQLite serializes
//   writers at the connection-pool level, so two callers racing the same
//   (job_id, task_id) resolve as a single winner: RowsAffected()==1 for one
//   caller, 0 for the loser, who gets a ManagedJobStatusError rather than a
//   torn write.
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/managedjobs/jobstate/pkg/types"
)

// nowSeconds is a var, not a func declaration, purely so tests can override
// it with a fixed clock without threading a clock parameter through every
// public method signature.
var nowSeconds = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// SetPending inserts a brand-new task row in PENDING. It is an error to call
// this twice for the same (jobID, taskID).
//
// Parameters:
//   - ctx: bounds the wait for the engine's writer lock, not the statement itself
//   - jobID, taskID: identify the row to create
//   - taskName, resources: descriptive fields copied onto the row as-is
//
// Returns:
//   - *ManagedJobStatusError if the row already exists
//
// Concurrency: single INSERT; the unique index on (job_id, task_id) is the
// actual arbiter of the "row absent" precondition.
func (s *Store) SetPending(ctx context.Context, jobID int64, taskID int, taskName, resources string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spot (spot_job_id, job_id, task_id, task_name, resources, status, last_recovered_at, specs)
		VALUES (?, ?, ?, ?, ?, ?, -1, '{"max_restarts_on_errors":0}')`,
		jobID, jobID, taskID, taskName, resources, types.ManagedJobPending)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &ManagedJobStatusError{Op: "set_pending", JobID: jobID, TaskID: taskID, Expected: "row absent", Affected: 0}
		}
		return fmt.Errorf("store: set_pending: %w", err)
	}
	return nil
}

// SetStarting transitions PENDING -> STARTING, recording the controller's
// run timestamp, submission time, resolved resources, and per-task specs.
// Fires SUBMITTED then STARTING.
//
// Returns:
//   - *ManagedJobStatusError if the row is not PENDING with end_at IS NULL
//
// Concurrency: single CAS UPDATE gated on status=PENDING AND end_at IS NULL.
func (s *Store) SetStarting(ctx context.Context, jobID int64, taskID int, runTimestamp string, submitTime float64, resources, specs string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?, submitted_at = ?, run_timestamp = ?, resources = ?, specs = ?
		WHERE job_id = ? AND task_id = ? AND status = ? AND end_at IS NULL`,
		types.ManagedJobStarting, submitTime, runTimestamp, resources, specs,
		jobID, taskID, types.ManagedJobPending)
	if err := checkCAS(res, err, "set_starting", jobID, taskID, "status=PENDING AND end_at IS NULL"); err != nil {
		return err
	}
	s.fire(EventSubmitted)
	s.fire(EventStarting)
	return nil
}

// SetBackoffPending moves a task that failed to launch back to PENDING so
// the scheduler may retry it later. No callback fires.
func (s *Store) SetBackoffPending(ctx context.Context, jobID int64, taskID int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?
		WHERE job_id = ? AND task_id = ? AND status IN (?, ?) AND end_at IS NULL`,
		types.ManagedJobPending, jobID, taskID, types.ManagedJobStarting, types.ManagedJobRecovering)
	return checkCAS(res, err, "set_backoff_pending", jobID, taskID, "status IN (STARTING,RECOVERING) AND end_at IS NULL")
}

// SetRestarting moves a PENDING task directly to STARTING or RECOVERING,
// depending on whether this is a first launch or a recovery re-entry. No
// callback fires.
func (s *Store) SetRestarting(ctx context.Context, jobID int64, taskID int, recovering bool) error {
	target := types.ManagedJobStarting
	if recovering {
		target = types.ManagedJobRecovering
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?
		WHERE job_id = ? AND task_id = ? AND status = ? AND end_at IS NULL`,
		target, jobID, taskID, types.ManagedJobPending)
	return checkCAS(res, err, "set_restarting", jobID, taskID, "status=PENDING AND end_at IS NULL")
}

// SetStarted transitions STARTING (or PENDING, for tasks that skip the
// STARTING bookkeeping) into RUNNING. Fires STARTED.
func (s *Store) SetStarted(ctx context.Context, jobID int64, taskID int, startTime float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?, start_at = ?, last_recovered_at = ?
		WHERE job_id = ? AND task_id = ? AND status IN (?, ?) AND end_at IS NULL`,
		types.ManagedJobRunning, startTime, startTime,
		jobID, taskID, types.ManagedJobStarting, types.ManagedJobPending)
	if err := checkCAS(res, err, "set_started", jobID, taskID, "status IN (STARTING,PENDING) AND end_at IS NULL"); err != nil {
		return err
	}
	s.fire(EventStarted)
	return nil
}

// SetRecovering transitions RUNNING (or, if force is set, any processing
// status) into RECOVERING. job_duration absorbs the time spent running
// since the last recovery point; last_recovered_at is reset to at. Fires
// RECOVERING.
//
// Parameters:
//   - force: when true, admits any processing status (PENDING/STARTING/
//     RUNNING/RECOVERING) instead of requiring RUNNING; used when a
//     controller restart needs to re-enter recovery without first having
//     observed RUNNING.
//
// Concurrency: single CAS UPDATE; the gate widens under force but never
// touches a terminal row (end_at IS NULL is still required).
func (s *Store) SetRecovering(ctx context.Context, jobID int64, taskID int, force bool, at float64) error {
	var query string
	var args []any
	base := `
		UPDATE spot SET status = ?,
			job_duration = CASE WHEN last_recovered_at >= 0 THEN job_duration + (? - last_recovered_at) ELSE job_duration END,
			last_recovered_at = ?
		WHERE job_id = ? AND task_id = ? AND end_at IS NULL AND `
	if force {
		query = base + `status IN (?, ?, ?, ?)`
		args = []any{types.ManagedJobRecovering, at, at, jobID, taskID,
			types.ManagedJobPending, types.ManagedJobStarting, types.ManagedJobRunning, types.ManagedJobRecovering}
	} else {
		query = base + `status = ?`
		args = []any{types.ManagedJobRecovering, at, at, jobID, taskID, types.ManagedJobRunning}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	gate := "status=RUNNING AND end_at IS NULL"
	if force {
		gate = "status IN processing AND end_at IS NULL (forced)"
	}
	if err := checkCAS(res, err, "set_recovering", jobID, taskID, gate); err != nil {
		return err
	}
	s.fire(EventRecovering)
	return nil
}

// SetRecovered transitions RECOVERING back to RUNNING, incrementing
// recovery_count. Fires RECOVERED.
func (s *Store) SetRecovered(ctx context.Context, jobID int64, taskID int, recoveredTime float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?, last_recovered_at = ?, recovery_count = recovery_count + 1
		WHERE job_id = ? AND task_id = ? AND status = ? AND end_at IS NULL`,
		types.ManagedJobRunning, recoveredTime, jobID, taskID, types.ManagedJobRecovering)
	if err := checkCAS(res, err, "set_recovered", jobID, taskID, "status=RECOVERING AND end_at IS NULL"); err != nil {
		return err
	}
	s.fire(EventRecovered)
	return nil
}

// SetSucceeded transitions RUNNING into the terminal SUCCEEDED status.
// Fires SUCCEEDED.
func (s *Store) SetSucceeded(ctx context.Context, jobID int64, taskID int, endTime float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?, end_at = ?
		WHERE job_id = ? AND task_id = ? AND status = ? AND end_at IS NULL`,
		types.ManagedJobSucceeded, endTime, jobID, taskID, types.ManagedJobRunning)
	if err := checkCAS(res, err, "set_succeeded", jobID, taskID, "status=RUNNING AND end_at IS NULL"); err != nil {
		return err
	}
	s.fire(EventSucceeded)
	return nil
}

// SetFailed moves one task, or every task of a job when taskID is nil, into
// a terminal failure status.
//
// Parameters:
//   - taskID: nil targets every task of jobID; non-nil targets exactly one
//   - overrideTerminal: selects one of two modes (see below)
//   - endTime: nil defaults to the current time
//
// Two modes:
//   - overrideTerminal=false (the common case): only rows still
//     non-terminal (end_at IS NULL) are touched.
//   - overrideTerminal=true: every targeted row's status is overwritten
//     regardless of its current status, but an existing end_at is
//     preserved via COALESCE(end_at, ?) — first writer wins on the
//     terminal timestamp, since a row already marked terminal must not
//     have its recorded end time silently rewritten by a later call.
//
// Returns:
//   - error if failureKind is not itself a failure status
//
// Concurrency: single UPDATE with a conditionally-built end_at expression;
// fires FAILED iff at least one row changed.
func (s *Store) SetFailed(ctx context.Context, jobID int64, taskID *int, failureKind types.ManagedJobStatus, reason string, endTime *float64, overrideTerminal bool) error {
	if !failureKind.IsFailure() {
		return fmt.Errorf("store: set_failed: %q is not a failure status", failureKind)
	}
	end := nowSeconds()
	if endTime != nil {
		end = *endTime
	}

	endExpr := "?"
	if overrideTerminal {
		endExpr = "COALESCE(end_at, ?)"
	}

	var b strings.Builder
	args := []any{failureKind, reason, types.ManagedJobRecovering, end, end}
	fmt.Fprintf(&b, `
		UPDATE spot SET status = ?,
			failure_reason = COALESCE(failure_reason, ?),
			last_recovered_at = CASE WHEN status = ? THEN ? ELSE last_recovered_at END,
			end_at = %s
		WHERE job_id = ?`, endExpr)
	args = append(args, jobID)
	if taskID != nil {
		b.WriteString(` AND task_id = ?`)
		args = append(args, *taskID)
	}
	if !overrideTerminal {
		b.WriteString(` AND end_at IS NULL`)
	}

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return fmt.Errorf("store: set_failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set_failed: %w", err)
	}
	if n > 0 {
		s.fire(EventFailed)
	}
	return nil
}

// SetCancelling moves every non-terminal task of a job into CANCELLING.
// Fires CANCELLING iff at least one row changed.
func (s *Store) SetCancelling(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ? WHERE job_id = ? AND end_at IS NULL`,
		types.ManagedJobCancelling, jobID)
	if err != nil {
		return fmt.Errorf("store: set_cancelling: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set_cancelling: %w", err)
	}
	if n > 0 {
		s.fire(EventCancelling)
	}
	return nil
}

// SetCancelled moves every CANCELLING task of a job into the terminal
// CANCELLED status. set_cancelling must have run first. Fires CANCELLED iff
// at least one row changed.
func (s *Store) SetCancelled(ctx context.Context, jobID int64) error {
	end := nowSeconds()
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot SET status = ?, end_at = ? WHERE job_id = ? AND status = ?`,
		types.ManagedJobCancelled, end, jobID, types.ManagedJobCancelling)
	if err != nil {
		return fmt.Errorf("store: set_cancelled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set_cancelled: %w", err)
	}
	if n > 0 {
		s.fire(EventCancelled)
	}
	return nil
}

func checkCAS(res sql.Result, err error, op string, jobID int64, taskID int, gate string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n != 1 {
		return &ManagedJobStatusError{Op: op, JobID: jobID, TaskID: taskID, Expected: gate, Affected: n}
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
