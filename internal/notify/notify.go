// Package notify fans task lifecycle notifications out to configured
// sinks. Notification failures are logged and swallowed; they never flip
// workflow state.
package notify

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
)

// ApprovalRequest describes a task awaiting human approval.
type ApprovalRequest struct {
	TaskID  string `json:"task_id"`
	Branch  string `json:"branch"`
	Summary string `json:"summary"`
	Diff    string `json:"diff,omitempty"`
}

// FailureReport describes a categorized task failure.
type FailureReport struct {
	TaskID   string              `json:"task_id"`
	Step     int                 `json:"step"`
	StepName string              `json:"step_name"`
	Category model.ErrorCategory `json:"category"`
	Message  string              `json:"message"`
}

// Notifier delivers approval requests and failure reports.
type Notifier interface {
	ApprovalNeeded(req ApprovalRequest)
	Failure(rep FailureReport)
}

// Multi fans out to several sinks, ignoring individual sink errors.
type Multi struct {
	sinks []Sink
	log   *logx.Logger
}

// Sink is one delivery channel.
type Sink interface {
	Send(title, message string) error
}

// NewMulti builds a notifier over the given sinks.
func NewMulti(log *logx.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, log: log}
}

func (m *Multi) ApprovalNeeded(req ApprovalRequest) {
	title := fmt.Sprintf("foreman: task %s awaits approval", req.TaskID)
	m.deliver(title, req.Summary)
}

func (m *Multi) Failure(rep FailureReport) {
	title := fmt.Sprintf("foreman: task %s failed", rep.TaskID)
	msg := fmt.Sprintf("step %d (%s) failed: %s: %s", rep.Step, rep.StepName, rep.Category, rep.Message)
	m.deliver(title, msg)
}

func (m *Multi) deliver(title, message string) {
	for _, s := range m.sinks {
		if err := s.Send(title, message); err != nil {
			m.log.Warnf("notification sink failed: %v", err)
		}
	}
}

// LogSink writes notifications to the component log.
type LogSink struct {
	Log *logx.Logger
}

func (s LogSink) Send(title, message string) error {
	s.Log.Infof("notify title=%q message=%q", title, message)
	return nil
}

// DesktopSink sends a macOS notification via osascript with sound.
type DesktopSink struct{}

func (DesktopSink) Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// HookSink invokes a configured command with the event JSON on stdin,
// letting operators wire email or Slack without foreman knowing about
// either.
type HookSink struct {
	Command string
}

func (s HookSink) Send(title, message string) error {
	if s.Command == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"title": title, "message": message})
	if err != nil {
		return fmt.Errorf("marshal hook payload: %w", err)
	}
	cmd := exec.Command("sh", "-c", s.Command)
	cmd.Stdin = strings.NewReader(string(payload))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify hook: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
