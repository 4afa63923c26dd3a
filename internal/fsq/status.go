package fsq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/msageha/foreman/internal/model"
)

const statusFile = "current.json"

// UpdateStatus applies a patch to the status document and republishes it
// whole. Publication writes a temp file under status/tmp/ with a random
// suffix, then renames it over status/current.json, so concurrent readers
// see either the prior complete document or the new one.
func (q *Queue) UpdateStatus(patch model.StatusPatch) error {
	q.statusMu.Lock()
	defer q.statusMu.Unlock()

	cur, err := q.GetStatus()
	if err != nil {
		return err
	}
	if cur == nil {
		cur = &model.QueueStatus{State: model.QueueStateQueued, Notes: []string{}, Errors: []string{}}
	}

	if patch.State != nil {
		cur.State = *patch.State
	}
	if patch.Percent != nil {
		cur.Percent = *patch.Percent
	}
	if patch.Step != nil {
		cur.Step = *patch.Step
	}
	if patch.Seq != nil {
		cur.Seq = *patch.Seq
	}
	if patch.TaskID != nil {
		cur.TaskID = *patch.TaskID
	}
	if patch.Source != nil {
		cur.SourceFile = *patch.Source
	}
	// Notes and errors are ordered and append-only during a run.
	cur.Notes = append(cur.Notes, patch.Notes...)
	cur.Errors = append(cur.Errors, patch.Errors...)
	now := model.Now()
	cur.UpdatedAt = now
	if patch.Heartbeat {
		cur.LastHeartbeat = now
	}

	return q.writeStatus(cur)
}

// GetStatus reads the current status document, or nil if none has been
// published yet.
func (q *Queue) GetStatus() (*model.QueueStatus, error) {
	data, err := os.ReadFile(q.path(DirStatus, statusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st model.QueueStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &st, nil
}

func (q *Queue) writeStatus(st *model.QueueStatus) error {
	content, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmpDir := q.path(DirStatus, "tmp")
	tmpPath := filepath.Join(tmpDir, fmt.Sprintf("status-%s.json", uuid.NewString()[:8]))
	if err := os.WriteFile(tmpPath, append(content, '\n'), 0644); err != nil {
		return fmt.Errorf("write status temp: %w", err)
	}
	if err := renameWithRetry(tmpPath, q.path(DirStatus, statusFile)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
