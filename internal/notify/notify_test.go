package notify

import (
	"errors"
	"testing"

	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
)

type recordingSink struct {
	titles   []string
	messages []string
	err      error
}

func (s *recordingSink) Send(title, message string) error {
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return s.err
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	n := NewMulti(logx.New("notify", logx.LevelError, nil), a, b)

	n.ApprovalNeeded(ApprovalRequest{TaskID: "t1", Branch: "foreman/t1", Summary: "2 commits"})

	for _, s := range []*recordingSink{a, b} {
		if len(s.titles) != 1 {
			t.Fatalf("sink received %d notifications", len(s.titles))
		}
		if s.messages[0] != "2 commits" {
			t.Errorf("message = %q", s.messages[0])
		}
	}
}

func TestMultiSwallowsSinkErrors(t *testing.T) {
	broken := &recordingSink{err: errors.New("smtp down")}
	healthy := &recordingSink{}
	n := NewMulti(logx.New("notify", logx.LevelError, nil), broken, healthy)

	n.Failure(FailureReport{
		TaskID: "t1", Step: 2, StepName: "implement",
		Category: model.CategoryTestFailure, Message: "3 tests failed",
	})

	// A broken sink never blocks delivery to the rest.
	if len(healthy.titles) != 1 {
		t.Fatalf("healthy sink received %d notifications", len(healthy.titles))
	}
	if healthy.titles[0] != "foreman: task t1 failed" {
		t.Errorf("title = %q", healthy.titles[0])
	}
}

func TestEscapeAppleScript(t *testing.T) {
	cases := map[string]string{
		`plain`:          `plain`,
		`say "hi"`:       `say \"hi\"`,
		`back\slash`:     `back\\slash`,
		`both "\" mixed`: `both \"\\\" mixed`,
	}
	for in, want := range cases {
		if got := escapeAppleScript(in); got != want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHookSinkEmptyCommandIsNoop(t *testing.T) {
	if err := (HookSink{}).Send("title", "message"); err != nil {
		t.Errorf("empty hook command should be a no-op: %v", err)
	}
}

func TestHookSinkReceivesJSON(t *testing.T) {
	// The hook exits non-zero unless stdin carries the title.
	s := HookSink{Command: `grep -q '"title":"hello"'`}
	if err := s.Send("hello", "world"); err != nil {
		t.Errorf("hook should see the JSON payload: %v", err)
	}
	if err := s.Send("other", "world"); err == nil {
		t.Error("hook exit status should surface as an error")
	}
}
