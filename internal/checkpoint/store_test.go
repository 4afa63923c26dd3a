package checkpoint

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/taskstate"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}
	return dir
}

func commitFile(t *testing.T, repo, name, content, msg string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repo, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	hash, err := gitops.Commit(repo, msg)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

func newTestStore(t *testing.T) (*Store, *taskstate.Store) {
	t.Helper()
	tasks := taskstate.NewStore(t.TempDir())
	return NewStore(tasks, 3, logx.New("checkpoint", logx.LevelError, nil)), tasks
}

func TestCreateAppendsInOrder(t *testing.T) {
	repo := initRepo(t)
	c1 := commitFile(t, repo, "a.txt", "one\n", "step 1")

	s, tasks := newTestStore(t)
	require.NoError(t, tasks.Init(&model.TaskState{TaskID: "t1", State: model.StatePending, TotalSteps: 3}))

	cp, err := s.Create(repo, "t1", 1, "analyze", []string{"a.txt"}, map[string]string{"phase": "analysis"})
	require.NoError(t, err)
	assert.Equal(t, c1, cp.Commit)
	assert.Equal(t, "main", cp.Branch)

	c2 := commitFile(t, repo, "b.txt", "two\n", "step 2")
	_, err = s.Create(repo, "t1", 2, "implement", nil, nil)
	require.NoError(t, err)

	st, err := tasks.Load("t1")
	require.NoError(t, err)
	require.Len(t, st.Checkpoints, 2)
	assert.Equal(t, c2, st.Checkpoints[1].Commit)

	// Steps must strictly increase.
	_, err = s.Create(repo, "t1", 2, "dup", nil, nil)
	require.Error(t, err)
	_, err = s.Create(repo, "t1", 1, "backwards", nil, nil)
	require.Error(t, err)
}

func TestValidateSeparatesErrorsFromWarnings(t *testing.T) {
	repo := initRepo(t)
	commit := commitFile(t, repo, "a.txt", "one\n", "step 1")

	s, _ := newTestStore(t)

	good := &model.StepCheckpoint{Step: 1, Commit: commit, Branch: "main", Artifacts: []string{"a.txt"}}
	res := s.Validate(repo, good)
	assert.True(t, res.OK())
	assert.Empty(t, res.Warnings)

	// A missing artifact degrades to a warning, not an error.
	warned := &model.StepCheckpoint{Step: 1, Commit: commit, Branch: "main", Artifacts: []string{"gone.txt"}}
	res = s.Validate(repo, warned)
	assert.True(t, res.OK())
	assert.Len(t, res.Warnings, 1)

	// A missing commit is a hard error.
	broken := &model.StepCheckpoint{Step: 1, Commit: "0000000000000000000000000000000000000000", Branch: "main"}
	res = s.Validate(repo, broken)
	assert.False(t, res.OK())
	assert.Len(t, res.Errors, 1)
}

func TestFindRecoveryCheckpoint(t *testing.T) {
	repo := initRepo(t)
	commitFile(t, repo, "a.txt", "one\n", "step 1")

	s, tasks := newTestStore(t)
	require.NoError(t, tasks.Init(&model.TaskState{TaskID: "t1", State: model.StatePending, TotalSteps: 5}))

	for step := 1; step <= 3; step++ {
		commitFile(t, repo, "a.txt", string(rune('0'+step)), "next")
		_, err := s.Create(repo, "t1", step, "step", nil, nil)
		require.NoError(t, err)
	}

	// Latest checkpoint strictly before the failed step.
	cp, err := s.FindRecoveryCheckpoint("t1", 3)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Step)

	cp, err = s.FindRecoveryCheckpoint("t1", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Step)

	// Failure at step 1 has no rollback point.
	cp, err = s.FindRecoveryCheckpoint("t1", 1)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
