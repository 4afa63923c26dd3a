package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/fsq"
	"github.com/msageha/foreman/internal/model"
)

// stepHistoryEntry is one completed step in steps/history.json.
type stepHistoryEntry struct {
	Step       int    `json:"step"`
	Name       string `json:"name"`
	Commit     string `json:"commit"`
	FinishedAt string `json:"finished_at"`
}

// stagedFile is one (temp, final, backup) triple in the hand-off's
// two-phase commit.
type stagedFile struct {
	temp     string
	final    string
	backup   string
	hadFinal bool
	renamed  bool
}

// handOff transitions a multi-step run from completedStep to the next
// step. Returns false when another caller already performed this
// transition. All affected files are staged to temp names and renamed
// together; a crash or failure mid-commit never leaves a half-written
// hand-off because every performed rename is rolled back from its backup.
func (m *Machine) handOff(folder, taskID string, completedStep int) (bool, error) {
	m.handoffLocks.Lock(taskID)
	defer m.handoffLocks.Unlock(taskID)

	st, err := m.tasks.Load(taskID)
	if err != nil {
		return false, err
	}

	// Duplicate/out-of-order guard: refuse to re-run a transition another
	// caller already performed.
	if st.LastCompletedStep >= completedStep {
		m.log.Infof("handoff_dedup task=%s step=%d already completed", taskID, completedStep)
		return false, nil
	}
	if completedStep != st.CurrentStep {
		return false, m.failTask(taskID, completedStep+1, "hand-off", model.CategoryTransitionError,
			fmt.Errorf("hand-off for step %d but current step is %d", completedStep, st.CurrentStep))
	}

	info, err := m.tasks.LoadInfo(taskID)
	if err != nil {
		return false, err
	}
	stepName := stepNameOf(info, completedStep)

	// Checkpoints are an optimization: creation failure is logged, the
	// hand-off proceeds.
	cp, cpErr := m.checkpoints.Create(folder, taskID, completedStep, stepName, nil, nil)
	if cpErr != nil {
		m.log.Warnf("checkpoint failed task=%s step=%d: %v", taskID, completedStep, cpErr)
	}

	// Reload: the checkpoint append rewrote state.json.
	st, err = m.tasks.Load(taskID)
	if err != nil {
		return false, err
	}

	nextStep := completedStep + 1
	st.LastCompletedStep = completedStep
	st.CurrentStep = nextStep
	st.UpdatedAt = model.Now()

	history, err := m.loadStepHistory(taskID)
	if err != nil {
		m.log.Warnf("step history unreadable task=%s: %v", taskID, err)
		history = nil
	}
	commit := ""
	if cp != nil {
		commit = cp.Commit
	}
	history = append(history, stepHistoryEntry{
		Step:       completedStep,
		Name:       stepName,
		Commit:     commit,
		FinishedAt: model.Now(),
	})

	nextContext := buildStepContext(info, nextStep, history)

	// Stage every affected file, then commit all renames.
	stateBytes, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal state: %w", err)
	}
	historyBytes, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal step history: %w", err)
	}

	stepsDir := filepath.Join(m.tasks.TaskDir(taskID), "steps")
	if err := os.MkdirAll(stepsDir, 0755); err != nil {
		return false, fmt.Errorf("create steps dir: %w", err)
	}
	files := []*stagedFile{
		{final: m.tasks.StatePath(taskID)},
		{final: filepath.Join(stepsDir, "history.json")},
		{final: filepath.Join(stepsDir, fmt.Sprintf("step-%d.md", nextStep))},
	}
	contents := [][]byte{append(stateBytes, '\n'), append(historyBytes, '\n'), []byte(nextContext)}

	if err := stageFiles(files, contents); err != nil {
		unstageFiles(files)
		return false, m.failTask(taskID, nextStep, "hand-off", model.CategoryTransitionError, err)
	}
	if err := commitStaged(files); err != nil {
		unstageFiles(files)
		return false, m.failTask(taskID, nextStep, "hand-off", model.CategoryTransitionError, err)
	}
	cleanupBackups(files)

	m.bus.Publish(events.EventStepCompleted, map[string]interface{}{
		"task_id": taskID, "step": completedStep, "next": nextStep,
	})
	m.log.Infof("handoff task=%s completed=%d next=%d", taskID, completedStep, nextStep)
	return true, nil
}

// stageFiles writes temps next to their finals and snapshots existing
// finals to backups.
func stageFiles(files []*stagedFile, contents [][]byte) error {
	for i, f := range files {
		f.temp = filepath.Join(filepath.Dir(f.final), fmt.Sprintf(".stage-%s", filepath.Base(f.final)))
		f.backup = f.final + ".bak"
		if _, err := os.Stat(f.final); err == nil {
			f.hadFinal = true
			if err := fsq.CopyFile(f.final, f.backup); err != nil {
				return fmt.Errorf("backup %s: %w", f.final, err)
			}
		}
		if err := os.WriteFile(f.temp, contents[i], 0644); err != nil {
			return fmt.Errorf("stage %s: %w", f.final, err)
		}
	}
	return nil
}

// commitStaged renames every temp over its final. On failure, finals
// already renamed are restored from their backups before returning.
func commitStaged(files []*stagedFile) error {
	for _, f := range files {
		if err := os.Rename(f.temp, f.final); err != nil {
			restoreStaged(files)
			return fmt.Errorf("commit %s: %w", f.final, err)
		}
		f.renamed = true
	}
	return nil
}

func restoreStaged(files []*stagedFile) {
	for _, f := range files {
		if !f.renamed {
			continue
		}
		if f.hadFinal {
			_ = os.Rename(f.backup, f.final)
		} else {
			_ = os.Remove(f.final)
		}
		f.renamed = false
	}
}

func unstageFiles(files []*stagedFile) {
	for _, f := range files {
		if f.temp != "" {
			_ = os.Remove(f.temp)
		}
		if f.hadFinal && f.backup != "" && !f.renamed {
			_ = os.Remove(f.backup)
		}
	}
}

func cleanupBackups(files []*stagedFile) {
	for _, f := range files {
		if f.hadFinal {
			_ = os.Remove(f.backup)
		}
	}
}

// writeStepContext renders and writes steps/step-<n>.md for a task.
// The hand-off path stages this file itself; this helper serves the
// initial step and recovery re-entries.
func (m *Machine) writeStepContext(taskID string, step int, info *model.TaskInfo, history []stepHistoryEntry) error {
	stepsDir := filepath.Join(m.tasks.TaskDir(taskID), "steps")
	if err := os.MkdirAll(stepsDir, 0755); err != nil {
		return fmt.Errorf("create steps dir: %w", err)
	}
	content := buildStepContext(info, step, history)
	path := filepath.Join(stepsDir, fmt.Sprintf("step-%d.md", step))
	if err := fsq.AtomicWriteRaw(path, []byte(content)); err != nil {
		return fmt.Errorf("write step context: %w", err)
	}
	return nil
}

func (m *Machine) loadStepHistory(taskID string) ([]stepHistoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(m.tasks.TaskDir(taskID), "steps", "history.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var history []stepHistoryEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func stepNameOf(info *model.TaskInfo, step int) string {
	if step >= 1 && step <= len(info.Steps) {
		return info.Steps[step-1]
	}
	return fmt.Sprintf("step %d", step)
}

// buildStepContext renders the next step's instructions from the task
// template plus the accumulated step history.
func buildStepContext(info *model.TaskInfo, step int, history []stepHistoryEntry) string {
	var b []byte
	b = append(b, fmt.Sprintf("# %s — step %d/%d\n\n", info.Title, step, len(info.Steps))...)
	b = append(b, fmt.Sprintf("%s\n\n## This step\n\n%s\n", info.Instructions, stepNameOf(info, step))...)
	if len(history) > 0 {
		b = append(b, "\n## Completed steps\n\n"...)
		for _, h := range history {
			b = append(b, fmt.Sprintf("- step %d: %s (commit %.12s)\n", h.Step, h.Name, h.Commit)...)
		}
	}
	return string(b)
}
