package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/managedjobs/jobstate/pkg/types"
)

func newQueryTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetLatestTaskIDStatusPicksFirstNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	require.NoError(t, s.SetPending(ctx, 1, 0, "a", "c"))
	require.NoError(t, s.SetPending(ctx, 1, 1, "b", "c"))
	require.NoError(t, s.SetStarting(ctx, 1, 0, "ts", 1, "c", "{}"))
	require.NoError(t, s.SetStarted(ctx, 1, 0, 2))
	require.NoError(t, s.SetSucceeded(ctx, 1, 0, 3))

	taskID, status, err := s.GetLatestTaskIDStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, taskID)
	assert.Equal(t, 1, *taskID)
	assert.Equal(t, types.ManagedJobPending, *status)
}

func TestGetLatestTaskIDStatusAllTerminalReturnsLast(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	require.NoError(t, s.SetPending(ctx, 1, 0, "a", "c"))
	require.NoError(t, s.SetStarting(ctx, 1, 0, "ts", 1, "c", "{}"))
	require.NoError(t, s.SetStarted(ctx, 1, 0, 2))
	require.NoError(t, s.SetSucceeded(ctx, 1, 0, 3))

	taskID, status, err := s.GetLatestTaskIDStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, taskID)
	assert.Equal(t, 0, *taskID)
	assert.Equal(t, types.ManagedJobSucceeded, *status)
}

func TestGetLatestTaskIDStatusNoTasks(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	taskID, status, err := s.GetLatestTaskIDStatus(ctx, 404)
	require.NoError(t, err)
	assert.Nil(t, taskID)
	assert.Nil(t, status)
}

func TestGetFailureReasonFirstNonNull(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	require.NoError(t, s.SetPending(ctx, 1, 0, "a", "c"))
	require.NoError(t, s.SetPending(ctx, 1, 1, "b", "c"))
	require.NoError(t, s.SetStarting(ctx, 1, 1, "ts", 1, "c", "{}"))

	endAt := 5.0
	require.NoError(t, s.SetFailed(ctx, 1, &[]int{1}[0], types.ManagedJobFailed, "oom", &endAt, false))

	reason, err := s.GetFailureReason(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, "oom", *reason)
}

func TestGetTaskNameAndSpecsAndWorkspace(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	require.NoError(t, s.SetJobInfo(ctx, 1, "job-1", "", "run.sh"))
	require.NoError(t, s.SetPending(ctx, 1, 0, "train", "cpu=4"))
	require.NoError(t, s.SetStarting(ctx, 1, 0, "ts", 1, "cpu=4", `{"max_restarts_on_errors":2}`))

	name, err := s.GetTaskName(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "train", name)

	specs, err := s.GetTaskSpecs(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"max_restarts_on_errors":2}`, specs)

	ws, err := s.GetWorkspace(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkspace, ws, "empty workspace passed to SetJobInfo must default")
}

func TestGetLatestJobID(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	id, err := s.GetLatestJobID(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)

	require.NoError(t, s.SetPending(ctx, 3, 0, "a", "c"))
	require.NoError(t, s.SetPending(ctx, 7, 0, "b", "c"))

	id, err = s.GetLatestJobID(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(7), *id)
}

func TestGetNumLaunchingAndAliveJobs(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	for _, jobID := range []int64{1, 2, 3} {
		require.NoError(t, s.SetJobInfo(ctx, jobID, "job", "default", "run.sh"))
		_, err := s.SchedulerSetWaiting(ctx, jobID, "/dag.yaml", "/env", "/user.yaml", "hash", 100)
		require.NoError(t, err)
	}
	require.NoError(t, s.SchedulerSetLaunching(ctx, 1, types.ScheduleStateWaiting))
	require.NoError(t, s.SchedulerSetLaunching(ctx, 2, types.ScheduleStateWaiting))
	require.NoError(t, s.SchedulerSetAlive(ctx, 2))

	n, err := s.GetNumLaunchingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.GetNumAliveJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "LAUNCHING (job 1) and ALIVE (job 2) both count as alive")
}

func TestGetNonTerminalJobIDsByNameScopesByUser(t *testing.T) {
	ctx := context.Background()
	s := newQueryTestStore(t)
	require.NoError(t, s.SetJobInfo(ctx, 1, "job-1", "default", "run.sh"))
	require.NoError(t, s.SetPending(ctx, 1, 0, "a", "c"))
	_, err := s.db.Exec(`UPDATE job_info SET user_hash = ? WHERE spot_job_id = ?`, "alice", 1)
	require.NoError(t, err)

	require.NoError(t, s.SetJobInfo(ctx, 2, "job-2", "default", "run.sh"))
	require.NoError(t, s.SetPending(ctx, 2, 0, "b", "c"))
	_, err = s.db.Exec(`UPDATE job_info SET user_hash = ? WHERE spot_job_id = ?`, "bob", 2)
	require.NoError(t, err)

	ids, err := s.GetNonTerminalJobIDsByName(ctx, nil, false, "alice")
	require.NoError(t, err)
	assert.Contains(t, ids, int64(1))
	assert.NotContains(t, ids, int64(2))

	ids, err = s.GetNonTerminalJobIDsByName(ctx, nil, true, "alice")
	require.NoError(t, err)
	assert.Contains(t, ids, int64(1))
	assert.Contains(t, ids, int64(2))
}
