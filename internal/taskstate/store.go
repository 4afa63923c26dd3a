// Package taskstate persists the per-task workflow record under
// tasks/<taskId>/state.json and task-info.json.
package taskstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/foreman/internal/fsq"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
)

// Store reads and writes task state files. In-process writers are
// serialized per task id through a MutexMap; on-disk writes are atomic.
type Store struct {
	root  string
	locks *lock.MutexMap
}

// NewStore roots a store at the tasks directory (normally .foreman/tasks).
func NewStore(root string) *Store {
	return &Store{root: root, locks: lock.NewMutexMap()}
}

// TaskDir returns the directory holding one task's files.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// StatePath returns the state.json path for a task.
func (s *Store) StatePath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "state.json")
}

// InfoPath returns the task-info.json path for a task.
func (s *Store) InfoPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "task-info.json")
}

// RetryLockPath returns the durable retry-lock path for a task.
func (s *Store) RetryLockPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "retry.lock")
}

// Init creates a fresh task state record. Fails if one already exists.
func (s *Store) Init(st *model.TaskState) error {
	s.locks.Lock(st.TaskID)
	defer s.locks.Unlock(st.TaskID)

	path := s.StatePath(st.TaskID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("task state already exists: %s", path)
	}
	if err := os.MkdirAll(s.TaskDir(st.TaskID), 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	now := model.Now()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.Checkpoints == nil {
		st.Checkpoints = []model.StepCheckpoint{}
	}
	return fsq.AtomicWriteJSON(path, st)
}

// Load reads a task's state record.
func (s *Store) Load(taskID string) (*model.TaskState, error) {
	data, err := os.ReadFile(s.StatePath(taskID))
	if err != nil {
		return nil, fmt.Errorf("read task state: %w", err)
	}
	var st model.TaskState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse task state: %w", err)
	}
	return &st, nil
}

// Update applies fn to the current state under the task's lock and writes
// the result atomically. fn returning an error aborts without writing.
func (s *Store) Update(taskID string, fn func(*model.TaskState) error) (*model.TaskState, error) {
	s.locks.Lock(taskID)
	defer s.locks.Unlock(taskID)

	st, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	st.UpdatedAt = model.Now()
	if err := fsq.AtomicWriteJSON(s.StatePath(taskID), st); err != nil {
		return nil, fmt.Errorf("write task state: %w", err)
	}
	return st, nil
}

// Transition validates and applies a workflow state change.
func (s *Store) Transition(taskID string, to model.WorkflowState) (*model.TaskState, error) {
	return s.Update(taskID, func(st *model.TaskState) error {
		if err := model.ValidateWorkflowTransition(st.State, to); err != nil {
			return err
		}
		st.State = to
		return nil
	})
}

// SaveInfo writes the immutable task descriptor.
func (s *Store) SaveInfo(info *model.TaskInfo) error {
	if err := os.MkdirAll(s.TaskDir(info.TaskID), 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return fsq.AtomicWriteJSON(s.InfoPath(info.TaskID), info)
}

// LoadInfo reads the task descriptor.
func (s *Store) LoadInfo(taskID string) (*model.TaskInfo, error) {
	data, err := os.ReadFile(s.InfoPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("read task info: %w", err)
	}
	var info model.TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse task info: %w", err)
	}
	return &info, nil
}
