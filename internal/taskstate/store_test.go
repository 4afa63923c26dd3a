package taskstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/model"
)

func newTaskState(taskID string) *model.TaskState {
	return &model.TaskState{
		TaskID:     taskID,
		State:      model.StatePending,
		Branch:     "foreman/" + taskID,
		TotalSteps: 3,
	}
}

func TestInitAndLoad(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Init(newTaskState("t1")))

	st, err := s.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, st.State)
	assert.NotEmpty(t, st.CreatedAt)
	assert.NotNil(t, st.Checkpoints)

	// Re-initializing an existing task is rejected.
	err = s.Init(newTaskState("t1"))
	require.Error(t, err)
}

func TestUpdateAbortsOnError(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Init(newTaskState("t1")))

	_, err := s.Update("t1", func(st *model.TaskState) error {
		st.CurrentStep = 99
		return assert.AnError
	})
	require.Error(t, err)

	st, err := s.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentStep, "failed update must not be persisted")
}

func TestTransitionValidation(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Init(newTaskState("t1")))

	st, err := s.Transition("t1", model.StateInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st.State)

	// PENDING → TESTING is not in the table, and the invalid attempt must
	// leave the persisted state untouched.
	_, err = s.Transition("t1", model.StateAwaitingApproval)
	require.Error(t, err)

	st, err = s.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st.State)
}

func TestSaveLoadInfo(t *testing.T) {
	s := NewStore(t.TempDir())

	info := &model.TaskInfo{
		TaskID:       "t1",
		Title:        "refactor parser",
		TargetFolder: "/work/repo",
		TestCommand:  "go test ./...",
		CreatedAt:    model.Now(),
	}
	require.NoError(t, s.SaveInfo(info))

	got, err := s.LoadInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, info.Title, got.Title)
	assert.Equal(t, info.TestCommand, got.TestCommand)
}

func TestLoadMissingTask(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load("nope")
	require.Error(t, err)
}
