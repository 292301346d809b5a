package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/managedjobs/jobstate/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertStatusError(t *testing.T, err error) {
	t.Helper()
	var statusErr *ManagedJobStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *ManagedJobStatusError, got %v (%T)", err, err)
	}
}

func taskStatus(t *testing.T, s *Store, jobID int64, taskID int) types.ManagedJobStatus {
	t.Helper()
	tasks, err := s.GetAllTaskIDsStatuses(context.Background(), jobID)
	assertNoError(t, err)
	for _, ts := range tasks {
		if ts.TaskID == taskID {
			return ts.Status
		}
	}
	t.Fatalf("no such task job=%d task=%d", jobID, taskID)
	return ""
}

func taskEndAt(t *testing.T, s *Store, jobID int64, taskID int) *float64 {
	t.Helper()
	jobs, err := s.GetManagedJobs(context.Background(), &jobID)
	assertNoError(t, err)
	for _, rec := range jobs {
		if rec.TaskID == taskID {
			return rec.EndAt
		}
	}
	t.Fatalf("no such task job=%d task=%d", jobID, taskID)
	return nil
}

func TestSetPendingThenDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))

	err := s.SetPending(ctx, 1, 0, "train", "cpu=4")
	assertStatusError(t, err)
}

func TestSetStartingRequiresPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))
	assertNoError(t, s.SetStarting(ctx, 1, 0, "ts-1", 100, "cpu=4", "{}"))

	if got := taskStatus(t, s, 1, 0); got != types.ManagedJobStarting {
		t.Fatalf("status = %s, want STARTING", got)
	}

	// A second set_starting finds status already STARTING, not PENDING.
	err := s.SetStarting(ctx, 1, 0, "ts-2", 110, "cpu=4", "{}")
	assertStatusError(t, err)
}

func TestFullRoundTripToSucceeded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var fired []string
	s.SetNotifier(func(event string) { fired = append(fired, event) })

	assertNoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))
	assertNoError(t, s.SetStarting(ctx, 1, 0, "ts-1", 100, "cpu=4", "{}"))
	assertNoError(t, s.SetStarted(ctx, 1, 0, 150))
	assertNoError(t, s.SetSucceeded(ctx, 1, 0, 250))

	want := []string{EventSubmitted, EventStarting, EventStarted, EventSucceeded}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}

	if got := taskStatus(t, s, 1, 0); got != types.ManagedJobSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got)
	}
}

func TestBackoffPendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))
	assertNoError(t, s.SetStarting(ctx, 1, 0, "ts-1", 100, "cpu=4", "{}"))
	assertNoError(t, s.SetBackoffPending(ctx, 1, 0))

	if got := taskStatus(t, s, 1, 0); got != types.ManagedJobPending {
		t.Fatalf("status = %s, want PENDING", got)
	}

	assertNoError(t, s.SetRestarting(ctx, 1, 0, false))
	if got := taskStatus(t, s, 1, 0); got != types.ManagedJobStarting {
		t.Fatalf("status = %s, want STARTING", got)
	}
}

func TestRecoveringAccumulatesJobDuration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))
	assertNoError(t, s.SetStarting(ctx, 1, 0, "ts-1", 100, "cpu=4", "{}"))
	assertNoError(t, s.SetStarted(ctx, 1, 0, 150))

	assertNoError(t, s.SetRecovering(ctx, 1, 0, false, 200))
	if got := taskStatus(t, s, 1, 0); got != types.ManagedJobRecovering {
		t.Fatalf("status = %s, want RECOVERING", got)
	}

	assertNoError(t, s.SetRecovered(ctx, 1, 0, 220))

	jobs, err := s.GetManagedJobs(ctx, nil)
	assertNoError(t, err)
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	rec := jobs[0]
	if rec.JobDuration != 50 {
		t.Fatalf("job_duration = %v, want 50", rec.JobDuration)
	}
	if rec.LastRecoveredAt != 220 {
		t.Fatalf("last_recovered_at = %v, want 220", rec.LastRecoveredAt)
	}
	if rec.RecoveryCount != 1 {
		t.Fatalf("recovery_count = %d, want 1", rec.RecoveryCount)
	}
	if rec.Status != types.ManagedJobRunning {
		t.Fatalf("status = %s, want RUNNING", rec.Status)
	}
}

func TestSetFailedAllTasksOfJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 5, 0, "a", "cpu=1"))
	assertNoError(t, s.SetPending(ctx, 5, 1, "b", "cpu=1"))
	assertNoError(t, s.SetStarting(ctx, 5, 0, "ts", 1, "cpu=1", "{}"))
	assertNoError(t, s.SetStarting(ctx, 5, 1, "ts", 1, "cpu=1", "{}"))

	var fired []string
	s.SetNotifier(func(event string) { fired = append(fired, event) })

	endAt := 99.0
	assertNoError(t, s.SetFailed(ctx, 5, nil, types.ManagedJobFailedNoResource, "no capacity", &endAt, false))

	for _, taskID := range []int{0, 1} {
		if got := taskStatus(t, s, 5, taskID); got != types.ManagedJobFailedNoResource {
			t.Fatalf("task %d status = %s, want FAILED_NO_RESOURCE", taskID, got)
		}
	}
	if len(fired) != 1 || fired[0] != EventFailed {
		t.Fatalf("fired = %v, want [FAILED]", fired)
	}

	// Second call: nothing left non-terminal, no callback fires, no change.
	fired = nil
	assertNoError(t, s.SetFailed(ctx, 5, nil, types.ManagedJobFailed, "again", &endAt, false))
	if len(fired) != 0 {
		t.Fatalf("fired = %v, want none", fired)
	}
}

// TestSetFailedOverrideTerminalPreservesEndAt drives the overrideTerminal
// mode documented on SetFailed: a task already terminal can still have its
// status rewritten (failure_reason keeps its first non-null value), but its
// original end_at must survive untouched — COALESCE(end_at, ?) only ever fills in a NULL, never replaces
// a value that is already set.
func TestSetFailedOverrideTerminalPreservesEndAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 12, 0, "a", "cpu=1"))
	assertNoError(t, s.SetStarting(ctx, 12, 0, "ts", 1, "cpu=1", "{}"))

	firstEnd := 500.0
	assertNoError(t, s.SetFailed(ctx, 12, nil, types.ManagedJobFailed, "first failure", &firstEnd, false))
	if got := taskStatus(t, s, 12, 0); got != types.ManagedJobFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}

	var fired []string
	s.SetNotifier(func(event string) { fired = append(fired, event) })

	secondEnd := 999.0
	taskID := 0
	assertNoError(t, s.SetFailed(ctx, 12, &taskID, types.ManagedJobFailedController, "overridden reason", &secondEnd, true))

	if got := taskStatus(t, s, 12, 0); got != types.ManagedJobFailedController {
		t.Fatalf("status = %s, want FAILED_CONTROLLER after overrideTerminal", got)
	}
	if len(fired) != 1 || fired[0] != EventFailed {
		t.Fatalf("fired = %v, want [FAILED]", fired)
	}

	end := taskEndAt(t, s, 12, 0)
	if end == nil || *end != firstEnd {
		t.Fatalf("end_at = %v, want the original terminal timestamp %v preserved", end, firstEnd)
	}
}

func TestCancellingThenCancelled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assertNoError(t, s.SetPending(ctx, 9, 0, "a", "cpu=1"))
	assertNoError(t, s.SetPending(ctx, 9, 1, "b", "cpu=1"))

	var fired []string
	s.SetNotifier(func(event string) { fired = append(fired, event) })

	assertNoError(t, s.SetCancelling(ctx, 9))
	for _, taskID := range []int{0, 1} {
		if got := taskStatus(t, s, 9, taskID); got != types.ManagedJobCancelling {
			t.Fatalf("task %d status = %s, want CANCELLING", taskID, got)
		}
	}

	assertNoError(t, s.SetCancelled(ctx, 9))
	for _, taskID := range []int{0, 1} {
		if got := taskStatus(t, s, 9, taskID); got != types.ManagedJobCancelled {
			t.Fatalf("task %d status = %s, want CANCELLED", taskID, got)
		}
	}

	if want := []string{EventCancelling, EventCancelled}; len(fired) != 2 || fired[0] != want[0] || fired[1] != want[1] {
		t.Fatalf("fired = %v, want %v", fired, want)
	}

	// A second set_cancelled is a no-op: no rows are CANCELLING anymore.
	fired = nil
	assertNoError(t, s.SetCancelled(ctx, 9))
	if len(fired) != 0 {
		t.Fatalf("fired = %v, want none", fired)
	}
}
