package workflow

import (
	"fmt"
	"strconv"

	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
)

// ContinueAfterError is the recovery entry point for a task in ERROR. It
// requires the durable retry lock; if acquisition fails the call returns
// immediately without attempting cleanup, so a failed acquisition never
// releases a lock it does not own. The lock is always released via its
// token regardless of outcome.
func (m *Machine) ContinueAfterError(folder, taskID string, action model.RecoveryAction) error {
	if action != model.ActionRetry && action != model.ActionSkip {
		return fmt.Errorf("unsupported recovery action %q (want retry or skip)", action)
	}

	rl := lock.NewRetryLockFile(m.tasks.RetryLockPath(taskID), m.cfg.RetryLockTimeout())
	token, err := rl.Acquire(action)
	if err != nil {
		return model.Categorized(model.CategoryRecoveryLock, err)
	}
	defer func() {
		if relErr := rl.Release(token); relErr != nil {
			m.log.Warnf("retry lock release failed task=%s: %v", taskID, relErr)
		}
	}()

	st, err := m.tasks.Load(taskID)
	if err != nil {
		return err
	}
	if st.State != model.StateError || st.FailedStep == nil {
		return fmt.Errorf("task %s has no failed step to recover (state %s)", taskID, st.State)
	}
	failed := *st.FailedStep

	switch action {
	case model.ActionRetry:
		return m.retryFailedStep(folder, taskID, st, failed)
	default:
		return m.skipFailedStep(folder, taskID, st, failed)
	}
}

func (m *Machine) retryFailedStep(folder, taskID string, st *model.TaskState, failed model.FailedStep) error {
	// The retry budget is enforced before any rollback is attempted.
	count := retryCount(st, failed.Step)
	if count >= m.cfg.Recovery.MaxRetries {
		return model.Categorizedf(model.CategoryRetryLimit,
			"step %d already retried %d times (max %d)", failed.Step, count, m.cfg.Recovery.MaxRetries)
	}

	cp, err := m.checkpoints.FindRecoveryCheckpoint(taskID, failed.Step)
	if err != nil {
		return err
	}
	if cp != nil {
		if res := m.checkpoints.Validate(folder, cp); !res.OK() {
			m.log.Warnf("recovery checkpoint invalid task=%s step=%d: %v; retrying in place", taskID, cp.Step, res.Errors)
			cp = nil
		}
	}
	if cp != nil {
		if _, err := m.rollback.RollbackToCheckpoint(folder, taskID, cp); err != nil {
			return err
		}
		if err := m.rollback.CleanupFailedStepArtifacts(folder, taskID, failed.Step); err != nil {
			m.log.Warnf("artifact cleanup failed task=%s: %v", taskID, err)
		}
	} else {
		// No usable rollback point: retry in place.
		m.log.Warnf("%s task=%s step=%d: retrying without rollback", model.CategoryCheckpointMissing, taskID, failed.Step)
	}

	if _, err := m.tasks.Update(taskID, func(st *model.TaskState) error {
		st.FailedStep = nil
		st.CurrentStep = failed.Step
		if st.Metadata == nil {
			st.Metadata = map[string]string{}
		}
		st.Metadata[retryCountKey(failed.Step)] = strconv.Itoa(count + 1)
		return nil
	}); err != nil {
		return err
	}
	if _, err := m.tasks.Transition(taskID, model.StateInProgress); err != nil {
		return err
	}

	if err := m.reEnqueue(folder, taskID, st.Branch); err != nil {
		return err
	}
	m.log.Infof("retry task=%s step=%d attempt=%d rollback=%v", taskID, failed.Step, count+1, cp != nil)
	return nil
}

func (m *Machine) skipFailedStep(folder, taskID string, st *model.TaskState, failed model.FailedStep) error {
	options := m.checkpoints.RecoveryOptions(failed.Category, failed.Step, st.TotalSteps, retryCount(st, failed.Step))
	for _, opt := range options {
		if opt.Action == model.ActionSkip && !opt.Enabled {
			return fmt.Errorf("skip refused for task %s: %s", taskID, opt.Reason)
		}
	}

	if err := m.rollback.SkipFailedStep(folder, taskID, failed.Step, st.TotalSteps); err != nil {
		return err
	}
	if _, err := m.tasks.Update(taskID, func(st *model.TaskState) error {
		st.FailedStep = nil
		return nil
	}); err != nil {
		return err
	}
	if _, err := m.tasks.Transition(taskID, model.StateInProgress); err != nil {
		return err
	}

	if err := m.reEnqueue(folder, taskID, st.Branch); err != nil {
		return err
	}
	m.log.Infof("skip task=%s step=%d next=%d", taskID, failed.Step, failed.Step+1)
	return nil
}

// RecoveryOptions surfaces the bounded, explained action set for a failed
// task.
func (m *Machine) RecoveryOptions(taskID string) ([]model.RecoveryOption, error) {
	st, err := m.tasks.Load(taskID)
	if err != nil {
		return nil, err
	}
	if st.FailedStep == nil {
		return nil, fmt.Errorf("task %s has no failed step", taskID)
	}
	return m.checkpoints.RecoveryOptions(st.FailedStep.Category, st.FailedStep.Step, st.TotalSteps, retryCount(st, st.FailedStep.Step)), nil
}

func (m *Machine) reEnqueue(folder, taskID, branch string) error {
	info, err := m.tasks.LoadInfo(taskID)
	if err != nil {
		return err
	}
	_, err = m.queue.Enqueue(taskID, folder, branch, "", info.Instructions)
	return err
}
