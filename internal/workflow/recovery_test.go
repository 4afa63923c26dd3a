package workflow

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
)

// failTask drives a single-step run into ERROR through a failing test gate.
func failSingleStepTask(t *testing.T, env *testEnv) {
	t.Helper()
	_, err := env.m.ProcessTask(TaskRequest{TaskID: "t1", TargetFolder: env.repo, Instructions: "x"})
	require.NoError(t, err)

	info, err := env.tasks.LoadInfo("t1")
	require.NoError(t, err)
	info.TestCommand = "exit 1"
	require.NoError(t, env.tasks.SaveInfo(info))

	_, err = env.queue.ClaimNext()
	require.NoError(t, err)
	err = env.m.OnAgentDone(context.Background(), env.repo, "run_1")
	require.Error(t, err)
}

func TestRetryClearsFailureAndReEnqueues(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	require.NoError(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionRetry))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st.State)
	assert.Nil(t, st.FailedStep)
	assert.Equal(t, 1, st.CurrentStep)
	assert.Equal(t, "1", st.Metadata["retry_count_step_1"])

	entry, err := env.queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t1", entry.TaskID)

	// The durable retry lock was released on the way out.
	_, err = os.Stat(env.tasks.RetryLockPath("t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRetryBudgetEnforcedBeforeRollback(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	max := env.m.cfg.Recovery.MaxRetries
	_, err := env.tasks.Update("t1", func(st *model.TaskState) error {
		st.Metadata["retry_count_step_1"] = strconv.Itoa(max)
		return nil
	})
	require.NoError(t, err)

	headBefore, err := gitops.CurrentCommit(env.repo)
	require.NoError(t, err)

	err = env.m.ContinueAfterError(env.repo, "t1", model.ActionRetry)
	require.Error(t, err)
	assert.Equal(t, model.CategoryRetryLimit, model.CategoryOf(err))

	// The refused retry touched neither the repo nor the failure record.
	headAfter, err := gitops.CurrentCommit(env.repo)
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.FailedStep)
}

func TestRecoveryLockBlocksConcurrentActions(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	// Another caller holds the durable retry lock.
	rl := lock.NewRetryLockFile(env.tasks.RetryLockPath("t1"), env.m.cfg.RetryLockTimeout())
	token, err := rl.Acquire(model.ActionRetry)
	require.NoError(t, err)

	err = env.m.ContinueAfterError(env.repo, "t1", model.ActionRetry)
	require.Error(t, err)
	assert.Equal(t, model.CategoryRecoveryLock, model.CategoryOf(err))
	assert.True(t, errors.Is(err, lock.ErrRetryLockHeld))

	// The losing caller must not have released the holder's lock.
	_, err = os.Stat(env.tasks.RetryLockPath("t1"))
	require.NoError(t, err)

	require.NoError(t, rl.Release(token))
	require.NoError(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionRetry))
}

func TestSkipAdvancesPastFailedStep(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.m.ProcessTask(TaskRequest{
		TaskID:       "t1",
		TargetFolder: env.repo,
		Instructions: "x",
		Steps:        []string{"analyze", "implement", "verify"},
	})
	require.NoError(t, err)
	_, err = env.queue.ClaimNext()
	require.NoError(t, err)

	// Record a mid-run failure at step 1.
	_, err = env.tasks.Update("t1", func(st *model.TaskState) error {
		st.State = model.StateError
		st.FailedStep = &model.FailedStep{
			Step: 1, Name: "analyze", Category: model.CategoryTestFailure,
			Message: "boom", FailedAt: model.Now(),
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionSkip))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st.State)
	assert.Nil(t, st.FailedStep)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Equal(t, []int{1}, st.SkippedSteps)
}

func TestSkipRefusedOnFinalStep(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	// A single-step run's failed step is its final step.
	err := env.m.ContinueAfterError(env.repo, "t1", model.ActionSkip)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip refused")

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
}

func TestUnsupportedRecoveryAction(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	require.Error(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionWait))
	require.Error(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionAbort))
}

func TestRecoveryOptionsSurface(t *testing.T) {
	env := newTestEnv(t)
	failSingleStepTask(t, env)

	opts, err := env.m.RecoveryOptions("t1")
	require.NoError(t, err)
	require.Len(t, opts, 4)

	byAction := map[model.RecoveryAction]model.RecoveryOption{}
	for _, o := range opts {
		byAction[o.Action] = o
	}
	assert.True(t, byAction[model.ActionRetry].Enabled)
	assert.False(t, byAction[model.ActionSkip].Enabled, "single-step failure is the final step")
	assert.True(t, byAction[model.ActionAbort].Enabled)

	_, err = env.m.RecoveryOptions("missing")
	require.Error(t, err)
}
