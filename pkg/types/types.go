// ============================================================================
// Managed-Job State Store - Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// File: types.go
// Purpose: Domain models shared by the managed-job state store: the task
//          lifecycle, the job/scheduler lifecycle, and the row shapes the
//          query layer returns
//
// ============================================================================

// Package types defines the domain models shared by the managed-job state
// store: the task lifecycle, the job/scheduler lifecycle, and the row shapes
// the query layer returns.
package types

// ManagedJobStatus is the lifecycle status of a single task instance.
type ManagedJobStatus string

// Task status constants. SUBMITTED is deprecated and only ever observed on
// rows written before STARTING absorbed its meaning; new rows never use it.
const (
	ManagedJobPending           ManagedJobStatus = "PENDING"
	ManagedJobSubmitted         ManagedJobStatus = "SUBMITTED" // deprecated, legacy rows only
	ManagedJobStarting          ManagedJobStatus = "STARTING"
	ManagedJobRunning           ManagedJobStatus = "RUNNING"
	ManagedJobRecovering        ManagedJobStatus = "RECOVERING"
	ManagedJobCancelling        ManagedJobStatus = "CANCELLING"
	ManagedJobSucceeded         ManagedJobStatus = "SUCCEEDED"
	ManagedJobCancelled         ManagedJobStatus = "CANCELLED"
	ManagedJobFailed            ManagedJobStatus = "FAILED"
	ManagedJobFailedSetup       ManagedJobStatus = "FAILED_SETUP"
	ManagedJobFailedPrechecks   ManagedJobStatus = "FAILED_PRECHECKS"
	ManagedJobFailedNoResource  ManagedJobStatus = "FAILED_NO_RESOURCE"
	ManagedJobFailedController  ManagedJobStatus = "FAILED_CONTROLLER"
)

// terminalStatuses is the set of statuses from which a task never moves.
var terminalStatuses = map[ManagedJobStatus]bool{
	ManagedJobSucceeded:        true,
	ManagedJobCancelled:        true,
	ManagedJobFailed:           true,
	ManagedJobFailedSetup:      true,
	ManagedJobFailedPrechecks:  true,
	ManagedJobFailedNoResource: true,
	ManagedJobFailedController: true,
}

// IsTerminal reports whether s is a terminal status.
func (s ManagedJobStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsFailure reports whether s is one of the FAILED* terminal statuses.
func (s ManagedJobStatus) IsFailure() bool {
	switch s {
	case ManagedJobFailed, ManagedJobFailedSetup, ManagedJobFailedPrechecks,
		ManagedJobFailedNoResource, ManagedJobFailedController:
		return true
	default:
		return false
	}
}

// IsProcessing reports whether s is a non-terminal, non-CANCELLING status.
func (s ManagedJobStatus) IsProcessing() bool {
	switch s {
	case ManagedJobPending, ManagedJobStarting, ManagedJobRunning, ManagedJobRecovering:
		return true
	default:
		return false
	}
}

// ManagedJobScheduleState is the scheduler's view of a job. The zero value
// ScheduleStateInvalid represents a NULL schedule_state column and is only
// ever observed on rows written before the scheduler layer existed.
type ManagedJobScheduleState string

const (
	ScheduleStateInvalid      ManagedJobScheduleState = ""
	ScheduleStateInactive     ManagedJobScheduleState = "INACTIVE"
	ScheduleStateWaiting      ManagedJobScheduleState = "WAITING"
	ScheduleStateAliveWaiting ManagedJobScheduleState = "ALIVE_WAITING"
	ScheduleStateLaunching    ManagedJobScheduleState = "LAUNCHING"
	ScheduleStateAliveBackoff ManagedJobScheduleState = "ALIVE_BACKOFF"
	ScheduleStateAlive        ManagedJobScheduleState = "ALIVE"
	ScheduleStateDone         ManagedJobScheduleState = "DONE"
)

// Task mirrors one row of the task table.
type Task struct {
	TaskRowID       int64            `json:"task_row_id"`
	JobID           int64            `json:"job_id"`
	TaskID          int              `json:"task_id"`
	TaskName        string           `json:"task_name"`
	Resources       string           `json:"resources"`
	Status          ManagedJobStatus `json:"status"`
	SubmittedAt     *float64         `json:"submitted_at,omitempty"`
	StartAt         *float64         `json:"start_at,omitempty"`
	EndAt           *float64         `json:"end_at,omitempty"`
	LastRecoveredAt float64          `json:"last_recovered_at"` // -1 means never
	RecoveryCount   int              `json:"recovery_count"`
	JobDuration     float64          `json:"job_duration"`
	RunTimestamp    string           `json:"run_timestamp,omitempty"`
	FailureReason   *string          `json:"failure_reason,omitempty"`
	Specs           string           `json:"specs"` // opaque JSON blob
	LocalLogFile    *string          `json:"local_log_file,omitempty"`
}

// Job mirrors one row of the job table.
type Job struct {
	JobID                int64                   `json:"job_id"`
	Name                 *string                 `json:"name,omitempty"`
	ScheduleState        ManagedJobScheduleState `json:"schedule_state"`
	ControllerPID        *int                    `json:"controller_pid,omitempty"`
	DagYAMLPath          *string                 `json:"dag_yaml_path,omitempty"`
	EnvFilePath          *string                 `json:"env_file_path,omitempty"`
	OriginalUserYAMLPath *string                 `json:"original_user_yaml_path,omitempty"`
	UserHash             string                  `json:"user_hash"`
	Workspace            string                  `json:"workspace"`
	Priority             int                     `json:"priority"`
	Entrypoint           string                  `json:"entrypoint,omitempty"`
}

// ManagedJobRecord is the query layer's denormalized view: one row per task,
// left-outer joined against its job. UserYAML is populated best-effort from
// OriginalUserYAMLPath and left nil if the file is missing or unreadable.
type ManagedJobRecord struct {
	Task
	JobName       string                  `json:"job_name"`
	ScheduleState ManagedJobScheduleState `json:"schedule_state"`
	ControllerPID *int                    `json:"controller_pid,omitempty"`
	UserHash      string                  `json:"user_hash"`
	Workspace     string                  `json:"workspace"`
	Priority      int                     `json:"priority"`
	Entrypoint    string                  `json:"entrypoint,omitempty"`
	UserYAML      *string                 `json:"user_yaml,omitempty"`
}

// WaitingJob is the shape returned by the priority-admission query.
type WaitingJob struct {
	JobID         int64
	ScheduleState ManagedJobScheduleState
	DagYAMLPath   *string
	EnvFilePath   *string
}
