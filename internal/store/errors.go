package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller-visible lookup failures.
var (
	ErrNoSuchJob  = errors.New("store: no such job")
	ErrNoSuchTask = errors.New("store: no such task")
)

// ManagedJobStatusError reports that a conditional (compare-and-swap) update
// did not affect the expected number of rows: the gate on the current status
// did not hold, usually because a concurrent writer already moved the row.
// This is the expected-rejection error class; it is never a programming bug
// by itself — callers decide whether to retry, surface it, or ignore it.
type ManagedJobStatusError struct {
	Op       string // the attempted transition, e.g. "set_started"
	JobID    int64
	TaskID   int
	Expected string // human-readable description of the required gate
	Affected int64  // rows actually affected
}

func (e *ManagedJobStatusError) Error() string {
	return fmt.Sprintf("store: %s on job=%d task=%d rejected: expected gate %q, %d row(s) affected",
		e.Op, e.JobID, e.TaskID, e.Expected, e.Affected)
}

// schedulerInvariantViolation panics with a message naming the offending
// operation. A correctly implemented scheduler holding the external lock
// never triggers this; it exists to fail loudly on a caller bug rather than
// silently corrupt scheduler state.
func schedulerInvariantViolation(op string, jobID int64, expected string, affected int64) {
	panic(fmt.Sprintf("store: scheduler invariant violated in %s on job=%d: expected gate %q, %d row(s) affected",
		op, jobID, expected, affected))
}
