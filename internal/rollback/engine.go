// Package rollback resets a working tree to a recorded checkpoint, tagging
// the discarded state first so it stays reachable, and supports advancing
// past a failed step without rollback ("skip").
package rollback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/taskstate"
)

// safetyTagPrefix names the tags that keep pre-rollback commits reachable.
const safetyTagPrefix = "foreman-backup"

type Engine struct {
	tasks *taskstate.Store
	log   *logx.Logger
}

func NewEngine(tasks *taskstate.Store, log *logx.Logger) *Engine {
	return &Engine{tasks: tasks, log: log}
}

// Result describes a completed rollback.
type Result struct {
	Checkpoint       model.StepCheckpoint `json:"checkpoint"`
	SafetyTag        string               `json:"safety_tag"`
	DiscardedCommits int                  `json:"discarded_commits"`
}

// RollbackToCheckpoint hard-resets folder to the checkpoint commit and
// removes untracked files. The pre-rollback HEAD is tagged first so the
// discarded state remains reachable.
func (e *Engine) RollbackToCheckpoint(folder, taskID string, cp *model.StepCheckpoint) (*Result, error) {
	head, err := gitops.CurrentCommit(folder)
	if err != nil {
		return nil, fmt.Errorf("read head before rollback: %w", err)
	}

	tag := fmt.Sprintf("%s/%s-step%d-%d", safetyTagPrefix, taskID, cp.Step, time.Now().Unix())
	if err := gitops.Tag(folder, tag, head); err != nil {
		return nil, fmt.Errorf("tag pre-rollback state: %w", err)
	}

	discarded, err := gitops.CountCommits(folder, cp.Commit, head)
	if err != nil {
		e.log.Warnf("rollback count_commits failed task=%s: %v", taskID, err)
		discarded = 0
	}

	if err := gitops.ResetHard(folder, cp.Commit); err != nil {
		return nil, fmt.Errorf("reset to checkpoint %s: %w", cp.Commit, err)
	}
	if err := gitops.CleanUntracked(folder); err != nil {
		return nil, fmt.Errorf("clean untracked files: %w", err)
	}

	e.log.Infof("rollback task=%s step=%d commit=%.12s discarded=%d tag=%s",
		taskID, cp.Step, cp.Commit, discarded, tag)
	return &Result{Checkpoint: *cp, SafetyTag: tag, DiscardedCommits: discarded}, nil
}

// CleanupFailedStepArtifacts removes the capture directory and staging temp
// files left behind by the failed attempt at step. Best effort; missing
// paths are fine.
func (e *Engine) CleanupFailedStepArtifacts(folder, taskID string, step int) error {
	captureDir := filepath.Join(e.tasks.TaskDir(taskID), "captures", fmt.Sprintf("step-%d", step))
	if err := os.RemoveAll(captureDir); err != nil {
		return fmt.Errorf("remove capture dir: %w", err)
	}

	taskDir := e.tasks.TaskDir(taskID)
	ents, err := os.ReadDir(taskDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list task dir: %w", err)
	}
	for _, ent := range ents {
		if strings.HasPrefix(ent.Name(), ".stage-") {
			_ = os.Remove(filepath.Join(taskDir, ent.Name()))
		}
	}
	e.log.Infof("artifact_cleanup task=%s step=%d", taskID, step)
	return nil
}

// Preview is a non-destructive dry run of a rollback, shown to operators
// before they confirm a retry.
type Preview struct {
	Checkpoint       model.StepCheckpoint `json:"checkpoint"`
	PreservedSteps   []int                `json:"preserved_steps"`
	DiscardedSteps   []int                `json:"discarded_steps"`
	DiscardedCommits int                  `json:"discarded_commits"`
	DiscardedFiles   []string             `json:"discarded_files"`
}

// GenerateRollbackPreview reports which steps would be preserved and which
// commits and files would be discarded by rolling back to cp.
func (e *Engine) GenerateRollbackPreview(folder, taskID string, cp *model.StepCheckpoint, totalSteps int) (*Preview, error) {
	head, err := gitops.CurrentCommit(folder)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	p := &Preview{Checkpoint: *cp}
	for s := 1; s <= cp.Step; s++ {
		p.PreservedSteps = append(p.PreservedSteps, s)
	}
	for s := cp.Step + 1; s <= totalSteps; s++ {
		p.DiscardedSteps = append(p.DiscardedSteps, s)
	}

	p.DiscardedCommits, err = gitops.CountCommits(folder, cp.Commit, head)
	if err != nil {
		return nil, fmt.Errorf("count commits: %w", err)
	}
	p.DiscardedFiles, err = gitops.ChangedFiles(folder, cp.Commit, head)
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	return p, nil
}

// SkipFailedStep advances the task's recorded current step past step
// without rollback and records it as skipped. Fails on the final step.
func (e *Engine) SkipFailedStep(folder, taskID string, step, totalSteps int) error {
	if step >= totalSteps {
		return fmt.Errorf("cannot skip step %d: it is the final step of a %d-step run", step, totalSteps)
	}
	_, err := e.tasks.Update(taskID, func(st *model.TaskState) error {
		st.CurrentStep = step + 1
		st.SkippedSteps = append(st.SkippedSteps, step)
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Infof("skip task=%s step=%d next=%d", taskID, step, step+1)
	return nil
}
