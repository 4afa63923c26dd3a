package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/foreman/internal/checkpoint"
	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/fsq"
	"github.com/msageha/foreman/internal/gitops"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/notify"
	"github.com/msageha/foreman/internal/rollback"
	"github.com/msageha/foreman/internal/runner"
	"github.com/msageha/foreman/internal/taskstate"
)

// Machine drives tasks through preparation, execution, testing, approval,
// and completion, calling into the checkpoint store and rollback engine.
type Machine struct {
	cfg         config.Config
	queue       *fsq.Queue
	tasks       *taskstate.Store
	checkpoints *checkpoint.Store
	rollback    *rollback.Engine
	runner      *runner.Runner
	notifier    notify.Notifier
	bus         *events.Bus
	registry    *ContinuationRegistry
	log         *logx.Logger

	handoffLocks *lock.MutexMap
}

func NewMachine(
	cfg config.Config,
	queue *fsq.Queue,
	tasks *taskstate.Store,
	checkpoints *checkpoint.Store,
	rb *rollback.Engine,
	run *runner.Runner,
	notifier notify.Notifier,
	bus *events.Bus,
	registry *ContinuationRegistry,
	log *logx.Logger,
) *Machine {
	if registry == nil {
		registry = NewContinuationRegistry(cfg.ContinuationTimeout())
	}
	return &Machine{
		cfg:         cfg,
		queue:       queue,
		tasks:       tasks,
		checkpoints: checkpoints,
		rollback:    rb,
		runner:      run,
		notifier:    notifier,
		bus:         bus,
		registry:    registry,
		log:         log,

		handoffLocks: lock.NewMutexMap(),
	}
}

// TaskRequest is the caller-supplied description of a new run.
type TaskRequest struct {
	TaskID       string
	Title        string
	TargetFolder string
	Branch       string
	Priority     string
	Instructions string
	Steps        []string
}

// ProcessTask runs the pre-execution pipeline and hands the task to the
// queue. Any failure before enqueue puts the task into ERROR with a
// categorized record.
func (m *Machine) ProcessTask(req TaskRequest) (string, error) {
	folder, err := filepath.Abs(req.TargetFolder)
	if err != nil {
		return "", fmt.Errorf("resolve target folder: %w", err)
	}
	if fi, err := os.Stat(folder); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("target folder %s is not a directory", folder)
	}
	if !gitops.IsRepo(folder) {
		return "", fmt.Errorf("target folder %s is not a git working tree", folder)
	}

	baseCommit, err := gitops.CurrentCommit(folder)
	if err != nil {
		return "", fmt.Errorf("read base commit: %w", err)
	}

	// Before-state capture is an aid, not a gate.
	if err := m.captureState(req.TaskID, 0, "before", folder, baseCommit); err != nil {
		m.log.Warnf("before_capture failed task=%s: %v", req.TaskID, err)
	}

	totalSteps := len(req.Steps)
	if totalSteps == 0 {
		totalSteps = 1
	}
	st := &model.TaskState{
		TaskID:      req.TaskID,
		State:       model.StatePending,
		BaseCommit:  baseCommit,
		CurrentStep: 1,
		TotalSteps:  totalSteps,
		Metadata:    map[string]string{},
	}
	if err := m.tasks.Init(st); err != nil {
		return "", err
	}
	if _, err := m.tasks.Transition(req.TaskID, model.StateInProgress); err != nil {
		return "", m.failTask(req.TaskID, 1, "prepare", model.CategoryTransitionError, err)
	}

	branch := req.Branch
	if branch == "" {
		branch = "foreman/" + req.TaskID
	}
	if _, err := gitops.EnsureBranch(folder, branch); err != nil {
		return "", m.failTask(req.TaskID, 1, "prepare", model.CategoryTransitionError, fmt.Errorf("ensure branch: %w", err))
	}
	if _, err := m.tasks.Update(req.TaskID, func(st *model.TaskState) error {
		st.Branch = branch
		return nil
	}); err != nil {
		return "", err
	}

	testCommand := runner.DetectTestCommand(folder)

	info := &model.TaskInfo{
		TaskID:       req.TaskID,
		Title:        req.Title,
		TargetFolder: folder,
		Instructions: req.Instructions,
		Steps:        req.Steps,
		TestCommand:  testCommand,
		CreatedAt:    model.Now(),
	}
	if err := m.tasks.SaveInfo(info); err != nil {
		return "", m.failTask(req.TaskID, 1, "prepare", model.CategoryTransitionError, err)
	}
	if err := m.writeStepContext(req.TaskID, 1, info, nil); err != nil {
		return "", m.failTask(req.TaskID, 1, "prepare", model.CategoryTransitionError, err)
	}

	entryPath, err := m.queue.Enqueue(req.TaskID, folder, branch, req.Priority, req.Instructions)
	if err != nil {
		return "", m.failTask(req.TaskID, 1, "enqueue", model.CategoryOfOrDefault(err, model.CategoryTransitionError), err)
	}

	m.bus.Publish(events.EventTaskEnqueued, map[string]interface{}{"task_id": req.TaskID, "entry": entryPath})
	m.log.Infof("task_prepared task=%s branch=%s steps=%d test_cmd=%q", req.TaskID, branch, totalSteps, testCommand)
	return entryPath, nil
}

// OnAgentDone is the completion signal the external agent-execution
// collaborator calls once it finishes a claimed entry.
func (m *Machine) OnAgentDone(ctx context.Context, folder, runID string) error {
	return m.ContinueAfterRun(ctx, folder, runID)
}

// ContinueAfterRun runs the post-execution continuation pipeline. A second
// caller for the same (folder, runID) awaits the first caller's result
// instead of starting duplicate work.
func (m *Machine) ContinueAfterRun(ctx context.Context, folder, runID string) error {
	key := continuationKey(folder, runID)
	c, owner := m.registry.begin(key)
	if !owner {
		m.log.Infof("continuation_dedup key=%s awaiting in-flight caller", key)
		return m.registry.await(c)
	}

	err := m.continueAfterRun(ctx, folder, runID)
	m.registry.finish(key, c, err)
	return err
}

func (m *Machine) continueAfterRun(ctx context.Context, folder, runID string) error {
	entry, err := m.queue.RunningEntry()
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no running entry for continuation run=%s", runID)
	}
	if resolved, aerr := filepath.Abs(folder); aerr == nil {
		folder = resolved
	}
	if entry.TargetFolder != folder {
		return fmt.Errorf("running entry targets %s, not %s; refusing continuation run=%s",
			entry.TargetFolder, folder, runID)
	}
	taskID := entry.TaskID

	st, err := m.tasks.Load(taskID)
	if err != nil {
		return err
	}

	// After-state capture and diff artifact are best-effort.
	head, headErr := gitops.CurrentCommit(folder)
	if headErr != nil {
		m.log.Warnf("after_capture failed task=%s: %v", taskID, headErr)
	} else {
		if err := m.captureState(taskID, st.CurrentStep, "after", folder, head); err != nil {
			m.log.Warnf("after_capture failed task=%s: %v", taskID, err)
		}
		if diff, err := gitops.Diff(folder, st.BaseCommit, head); err != nil {
			m.log.Warnf("diff_capture failed task=%s: %v", taskID, err)
		} else if err := m.writeArtifact(taskID, fmt.Sprintf("diff-%s.patch", runID), diff); err != nil {
			m.log.Warnf("diff_capture failed task=%s: %v", taskID, err)
		}
	}

	// Multi-step runs hand off to the next step and return early.
	if st.TotalSteps > 1 && st.CurrentStep < st.TotalSteps {
		done, err := m.handOff(folder, taskID, st.CurrentStep)
		if err != nil {
			m.notifyFailure(taskID)
			// Release the queue lane; a retry re-enqueues a fresh entry.
			if cerr := m.queue.Complete(false); cerr != nil {
				m.log.Warnf("queue complete failed task=%s: %v", taskID, cerr)
			}
			return err
		}
		if done {
			if err := m.queue.Heartbeat(fmt.Sprintf("step %d handed off", st.CurrentStep), stepPercent(st.CurrentStep, st.TotalSteps)); err != nil {
				m.log.Warnf("handoff heartbeat failed task=%s: %v", taskID, err)
			}
			return nil
		}
		// Hand-off already performed by another caller: fall through to
		// nothing; the earlier caller owns the rest of the pipeline.
		return nil
	}

	return m.runTestsAndRequestApproval(ctx, folder, taskID, st)
}

func (m *Machine) runTestsAndRequestApproval(ctx context.Context, folder, taskID string, st *model.TaskState) error {
	if _, err := m.tasks.Transition(taskID, model.StateTesting); err != nil {
		return err
	}

	info, err := m.tasks.LoadInfo(taskID)
	if err != nil {
		return err
	}

	if info.TestCommand != "" {
		res, err := m.runner.Run(ctx, folder, info.TestCommand)
		if err != nil {
			ferr := m.failTask(taskID, st.CurrentStep, "test", model.CategoryTestFailure, err)
			if cerr := m.queue.Complete(false); cerr != nil {
				m.log.Warnf("queue complete failed task=%s: %v", taskID, cerr)
			}
			return ferr
		}
		if err := m.writeArtifact(taskID, fmt.Sprintf("test-output-step-%d.txt", st.CurrentStep), res.Output); err != nil {
			m.log.Warnf("test output artifact failed task=%s: %v", taskID, err)
		}
		if !res.Success {
			category := model.CategoryTestFailure
			if res.TimedOut {
				category = model.CategoryTimeout
			}
			ferr := m.failTask(taskID, st.CurrentStep, "test", category,
				fmt.Errorf("test command %q exited %d", info.TestCommand, res.ExitCode))
			if err := m.queue.Complete(false); err != nil {
				m.log.Warnf("queue complete failed task=%s: %v", taskID, err)
			}
			return ferr
		}
	} else {
		m.log.Infof("no test command detected task=%s; skipping test gate", taskID)
	}

	summary, err := m.buildSummary(folder, taskID, st)
	if err != nil {
		m.log.Warnf("summary failed task=%s: %v", taskID, err)
		summary = "change summary unavailable"
	}

	if _, err := m.tasks.Transition(taskID, model.StateAwaitingApproval); err != nil {
		return err
	}
	if err := m.queue.Complete(true); err != nil {
		m.log.Warnf("queue complete failed task=%s: %v", taskID, err)
	}

	req := notify.ApprovalRequest{TaskID: taskID, Branch: st.Branch, Summary: summary}
	m.notifier.ApprovalNeeded(req)
	m.bus.Publish(events.EventApprovalNeeded, map[string]interface{}{"task_id": taskID, "summary": summary})
	m.log.Infof("awaiting_approval task=%s branch=%s", taskID, st.Branch)
	return nil
}

// CompleteAfterApproval pushes the branch, marks the task COMPLETED, and
// performs best-effort artifact cleanup.
func (m *Machine) CompleteAfterApproval(folder, taskID string) error {
	st, err := m.tasks.Load(taskID)
	if err != nil {
		return err
	}
	if st.State != model.StateAwaitingApproval {
		return fmt.Errorf("task %s is %s, not awaiting approval", taskID, st.State)
	}
	if _, err := m.tasks.Transition(taskID, model.StateApproved); err != nil {
		return err
	}

	if err := gitops.Push(folder, st.Branch); err != nil {
		return m.failTask(taskID, st.CurrentStep, "push", model.CategoryTransitionError, err)
	}

	if _, err := m.tasks.Transition(taskID, model.StateCompleted); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.tasks.TaskDir(taskID), "captures")); err != nil {
		m.log.Warnf("artifact cleanup failed task=%s: %v", taskID, err)
	}

	m.bus.Publish(events.EventTaskCompleted, map[string]interface{}{"task_id": taskID})
	m.log.Infof("task_completed task=%s branch=%s", taskID, st.Branch)
	return nil
}

// RejectWithFeedback records the rejection, patches the run's instructions
// with the feedback, bumps the iteration counter, and re-enqueues.
func (m *Machine) RejectWithFeedback(folder, taskID, feedback string) error {
	st, err := m.tasks.Load(taskID)
	if err != nil {
		return err
	}
	if st.State != model.StateAwaitingApproval {
		return fmt.Errorf("task %s is %s, not awaiting approval", taskID, st.State)
	}
	if _, err := m.tasks.Transition(taskID, model.StateRejected); err != nil {
		return err
	}

	info, err := m.tasks.LoadInfo(taskID)
	if err != nil {
		return err
	}
	info.Instructions = info.Instructions + "\n\n## Reviewer feedback\n\n" + feedback
	if err := m.tasks.SaveInfo(info); err != nil {
		return err
	}

	st, err = m.tasks.Update(taskID, func(st *model.TaskState) error {
		st.Iteration++
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := m.tasks.Transition(taskID, model.StateInProgress); err != nil {
		return err
	}

	if _, err := m.queue.Enqueue(taskID, folder, st.Branch, "", info.Instructions); err != nil {
		return err
	}
	m.log.Infof("task_rejected task=%s iteration=%d", taskID, st.Iteration)
	return nil
}

func (m *Machine) captureState(taskID string, step int, label, folder, commit string) error {
	dir := filepath.Join(m.tasks.TaskDir(taskID), "captures", fmt.Sprintf("step-%d", step))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	content := fmt.Sprintf("commit: %s\ncaptured_at: %s\n", commit, model.Now())
	return os.WriteFile(filepath.Join(dir, label+".txt"), []byte(content), 0644)
}

func (m *Machine) writeArtifact(taskID, name, content string) error {
	dir := filepath.Join(m.tasks.TaskDir(taskID), "captures")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}

func (m *Machine) buildSummary(folder, taskID string, st *model.TaskState) (string, error) {
	head, err := gitops.CurrentCommit(folder)
	if err != nil {
		return "", err
	}
	files, err := gitops.ChangedFiles(folder, st.BaseCommit, head)
	if err != nil {
		return "", err
	}
	commits, err := gitops.CountCommits(folder, st.BaseCommit, head)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d commits on %s touching %d files\n", commits, st.Branch, len(files))
	for _, f := range files {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	return b.String(), nil
}

// failTask records the categorized failure and puts the task into ERROR.
// Returns the categorized error for the caller to propagate.
func (m *Machine) failTask(taskID string, step int, name string, category model.ErrorCategory, cause error) error {
	_, err := m.tasks.Update(taskID, func(st *model.TaskState) error {
		if st.State != model.StateError {
			if err := model.ValidateWorkflowTransition(st.State, model.StateError); err != nil {
				// FailedStep accompanies ERROR only; leave the record alone
				// when the state cannot reach it.
				m.log.Warnf("error transition refused task=%s: %v", taskID, err)
				return nil
			}
			st.State = model.StateError
		}
		st.FailedStep = &model.FailedStep{
			Step:       step,
			Name:       name,
			Category:   category,
			Message:    cause.Error(),
			RetryCount: retryCount(st, step),
			FailedAt:   model.Now(),
		}
		return nil
	})
	if err != nil {
		m.log.Errorf("record failure task=%s: %v", taskID, err)
	}

	m.notifyFailure(taskID)
	m.bus.Publish(events.EventTaskFailed, map[string]interface{}{
		"task_id": taskID, "step": step, "category": string(category),
	})
	return model.Categorized(category, cause)
}

func (m *Machine) notifyFailure(taskID string) {
	st, err := m.tasks.Load(taskID)
	if err != nil || st.FailedStep == nil {
		return
	}
	m.notifier.Failure(notify.FailureReport{
		TaskID:   taskID,
		Step:     st.FailedStep.Step,
		StepName: st.FailedStep.Name,
		Category: st.FailedStep.Category,
		Message:  st.FailedStep.Message,
	})
}

func retryCount(st *model.TaskState, step int) int {
	if st.Metadata == nil {
		return 0
	}
	n, _ := strconv.Atoi(st.Metadata[retryCountKey(step)])
	return n
}

func retryCountKey(step int) string {
	return fmt.Sprintf("retry_count_step_%d", step)
}

func stepPercent(step, total int) int {
	if total <= 0 {
		return 0
	}
	return step * 100 / total
}
