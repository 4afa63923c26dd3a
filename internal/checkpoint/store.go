// Package checkpoint records and validates step checkpoints: a
// version-control commit plus run-context snapshot tagged to a completed
// workflow step. Checkpoints are a recovery aid, not a source of truth;
// creation failures are logged by callers and never fail the workflow.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/taskstate"
)

type Store struct {
	tasks      *taskstate.Store
	maxRetries int
	log        *logx.Logger
}

func NewStore(tasks *taskstate.Store, maxRetries int, log *logx.Logger) *Store {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Store{tasks: tasks, maxRetries: maxRetries, log: log}
}

// Create captures the current commit and branch of folder and appends a
// checkpoint for step to the task's state. Steps must be strictly
// increasing; a duplicate or out-of-order step is rejected.
func (s *Store) Create(folder, taskID string, step int, name string, artifacts []string, runContext map[string]string) (*model.StepCheckpoint, error) {
	commit, err := gitops.CurrentCommit(folder)
	if err != nil {
		return nil, fmt.Errorf("capture commit: %w", err)
	}
	branch, err := gitops.CurrentBranch(folder)
	if err != nil {
		return nil, fmt.Errorf("capture branch: %w", err)
	}

	cp := model.StepCheckpoint{
		Step:      step,
		Name:      name,
		Commit:    commit,
		Branch:    branch,
		Artifacts: artifacts,
		Context:   runContext,
		CreatedAt: model.Now(),
	}

	_, err = s.tasks.Update(taskID, func(st *model.TaskState) error {
		if n := len(st.Checkpoints); n > 0 && st.Checkpoints[n-1].Step >= step {
			return fmt.Errorf("checkpoint step %d not after last step %d", step, st.Checkpoints[n-1].Step)
		}
		st.Checkpoints = append(st.Checkpoints, cp)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Infof("checkpoint_created task=%s step=%d name=%s commit=%.12s", taskID, step, name, commit)
	return &cp, nil
}

// ValidationResult separates hard errors from warnings. A missing commit is
// an error; a missing artifact only a warning.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether validation found no errors (warnings allowed).
func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

// Validate confirms the checkpoint's commit exists and its artifact paths
// are present.
func (s *Store) Validate(folder string, cp *model.StepCheckpoint) ValidationResult {
	var res ValidationResult
	if !gitops.CommitExists(folder, cp.Commit) {
		res.Errors = append(res.Errors, fmt.Sprintf("commit %s not found on branch %s", cp.Commit, cp.Branch))
	}
	for _, a := range cp.Artifacts {
		p := a
		if !filepath.IsAbs(p) {
			p = filepath.Join(folder, a)
		}
		if _, err := os.Stat(p); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("artifact missing: %s", a))
		}
	}
	return res
}

// FindRecoveryCheckpoint returns the latest checkpoint with step strictly
// less than failedStep, or nil when no rollback point exists.
func (s *Store) FindRecoveryCheckpoint(taskID string, failedStep int) (*model.StepCheckpoint, error) {
	st, err := s.tasks.Load(taskID)
	if err != nil {
		return nil, err
	}
	var best *model.StepCheckpoint
	for i := range st.Checkpoints {
		cp := &st.Checkpoints[i]
		if cp.Step < failedStep && (best == nil || cp.Step > best.Step) {
			best = cp
		}
	}
	return best, nil
}
