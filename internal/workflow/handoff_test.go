package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/model"
)

func startTwoStepTask(t *testing.T, env *testEnv) {
	t.Helper()
	_, err := env.m.ProcessTask(TaskRequest{
		TaskID:       "t1",
		Title:        "two-phase change",
		TargetFolder: env.repo,
		Instructions: "x",
		Steps:        []string{"analyze", "implement"},
	})
	require.NoError(t, err)
	_, err = env.queue.ClaimNext()
	require.NoError(t, err)
}

func TestHandOffAdvancesStep(t *testing.T) {
	env := newTestEnv(t)
	startTwoStepTask(t, env)

	require.NoError(t, os.WriteFile(filepath.Join(env.repo, "analysis.md"), []byte("notes\n"), 0644))
	stepCommit, err := gitops.Commit(env.repo, "step 1")
	require.NoError(t, err)

	require.NoError(t, env.m.OnAgentDone(context.Background(), env.repo, "run_1"))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st.State, "hand-off stays in progress")
	assert.Equal(t, 1, st.LastCompletedStep)
	assert.Equal(t, 2, st.CurrentStep)
	require.Len(t, st.Checkpoints, 1)
	assert.Equal(t, stepCommit, st.Checkpoints[0].Commit)
	assert.Equal(t, "analyze", st.Checkpoints[0].Name)

	// The entry stays leased; the same run keeps the lane.
	entry, err := env.queue.RunningEntry()
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Step context and history are published together.
	stepsDir := filepath.Join(env.tasks.TaskDir("t1"), "steps")
	ctxBytes, err := os.ReadFile(filepath.Join(stepsDir, "step-2.md"))
	require.NoError(t, err)
	assert.Contains(t, string(ctxBytes), "implement")
	assert.Contains(t, string(ctxBytes), "step 2/2")

	var history []stepHistoryEntry
	data, err := os.ReadFile(filepath.Join(stepsDir, "history.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "analyze", history[0].Name)

	// No stray staging or backup files survive a successful commit.
	ents, err := os.ReadDir(stepsDir)
	require.NoError(t, err)
	for _, e := range ents {
		assert.NotContains(t, e.Name(), ".stage-")
		assert.NotContains(t, e.Name(), ".bak")
	}
}

func TestHandOffDedup(t *testing.T) {
	env := newTestEnv(t)
	startTwoStepTask(t, env)

	done, err := env.m.handOff(env.repo, "t1", 1)
	require.NoError(t, err)
	assert.True(t, done)

	// Replaying the same transition is a no-op, not an error.
	done, err = env.m.handOff(env.repo, "t1", 1)
	require.NoError(t, err)
	assert.False(t, done)

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentStep)
}

func TestHandOffOutOfOrderFails(t *testing.T) {
	env := newTestEnv(t)
	startTwoStepTask(t, env)

	_, err := env.m.handOff(env.repo, "t1", 5)
	require.Error(t, err)
	assert.Equal(t, model.CategoryTransitionError, model.CategoryOf(err))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.FailedStep)
}

func TestHandOffFailureReleasesQueueLane(t *testing.T) {
	env := newTestEnv(t)
	startTwoStepTask(t, env)

	// A non-empty directory squatting on the backup path fails the staged
	// commit before any rename happens.
	bak := env.tasks.StatePath("t1") + ".bak"
	require.NoError(t, os.MkdirAll(filepath.Join(bak, "d"), 0755))

	err := env.m.OnAgentDone(context.Background(), env.repo, "run_1")
	require.Error(t, err)
	assert.Equal(t, model.CategoryTransitionError, model.CategoryOf(err))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)

	// The claimed entry must be failed, not left leased in running/.
	running, err := env.queue.RunningEntry()
	require.NoError(t, err)
	assert.Nil(t, running)
	infos, err := env.queue.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, model.QueueStateFailed, infos[0].State)

	// With the cause cleared, a retry re-enqueues and the lane is claimable
	// right away instead of waiting out the stale TTL.
	require.NoError(t, os.RemoveAll(bak))
	require.NoError(t, env.m.ContinueAfterError(env.repo, "t1", model.ActionRetry))
	entry, err := env.queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t1", entry.TaskID)
}

func TestSecondStepCompletionReachesApproval(t *testing.T) {
	env := newTestEnv(t)
	startTwoStepTask(t, env)

	require.NoError(t, env.m.OnAgentDone(context.Background(), env.repo, "run_1"))
	require.NoError(t, env.m.OnAgentDone(context.Background(), env.repo, "run_2"))

	st, err := env.tasks.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingApproval, st.State)
}

func TestStagedCommitRestoresOnFailure(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(final, []byte("old"), 0644))

	files := []*stagedFile{{final: final}}
	require.NoError(t, stageFiles(files, [][]byte{[]byte("new")}))
	require.NoError(t, commitStaged(files))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	// Simulate a mid-commit failure after this file was renamed: restore
	// brings back the pre-commit content from the backup.
	files2 := []*stagedFile{{final: final}}
	require.NoError(t, stageFiles(files2, [][]byte{[]byte("newer")}))
	require.NoError(t, os.Rename(files2[0].temp, files2[0].final))
	files2[0].renamed = true

	restoreStaged(files2)
	data, err = os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data), "restore must reinstate the backup")

	cleanupBackups(files2)
	_, err = os.Stat(final + ".bak")
	assert.True(t, os.IsNotExist(err))
}

func TestUnstageRemovesTemps(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "history.json")

	files := []*stagedFile{{final: final}}
	require.NoError(t, stageFiles(files, [][]byte{[]byte("x")}))
	unstageFiles(files)

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, ents, "unstage must leave no temp or backup files")
}
