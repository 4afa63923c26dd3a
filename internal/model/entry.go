package model

import (
	"bytes"
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const frontMatterFence = "---"

// Entry is one queue entry: YAML front-matter plus free-text instructions.
// A given entry file lives in exactly one lifecycle directory
// (queue/, running/, done/, failed/) at any time.
type Entry struct {
	Seq          int    `yaml:"seq"`
	TaskID       string `yaml:"task_id"`
	TargetFolder string `yaml:"target_folder"`
	Branch       string `yaml:"branch,omitempty"`
	// Priority is recorded for operators but never consulted by claim
	// ordering; selection is strictly by sequence number.
	Priority  string `yaml:"priority,omitempty"`
	CreatedAt string `yaml:"created_at"`

	// Instructions is the free-text body below the front-matter.
	Instructions string `yaml:"-"`
}

// FileName returns the canonical entry file name: zero-padded sequence
// number plus task id.
func (e *Entry) FileName() string {
	return fmt.Sprintf("%06d-%s.md", e.Seq, e.TaskID)
}

// MarshalEntry renders an entry as a front-matter document.
func MarshalEntry(e *Entry) ([]byte, error) {
	meta, err := yamlv3.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry front-matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterFence + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterFence + "\n")
	if e.Instructions != "" {
		buf.WriteString(e.Instructions)
		if !strings.HasSuffix(e.Instructions, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalEntry parses a front-matter document into an Entry.
func UnmarshalEntry(data []byte) (*Entry, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterFence+"\n") {
		return nil, fmt.Errorf("entry missing front-matter fence")
	}
	rest := text[len(frontMatterFence)+1:]
	idx := strings.Index(rest, "\n"+frontMatterFence)
	if idx < 0 {
		return nil, fmt.Errorf("entry front-matter not terminated")
	}
	meta := rest[:idx+1]
	body := rest[idx+1+len(frontMatterFence):]
	body = strings.TrimPrefix(body, "\n")

	var e Entry
	if err := yamlv3.Unmarshal([]byte(meta), &e); err != nil {
		return nil, fmt.Errorf("parse entry front-matter: %w", err)
	}
	if e.Seq <= 0 {
		return nil, fmt.Errorf("entry missing seq")
	}
	if e.TaskID == "" {
		return nil, fmt.Errorf("entry missing task_id")
	}
	if e.TargetFolder == "" {
		return nil, fmt.Errorf("entry missing target_folder")
	}
	e.Instructions = body
	return &e, nil
}

// EntryInfo is a read-only listing row for one entry across lifecycle
// directories, consumed by the status CLI and external dashboards.
type EntryInfo struct {
	Entry Entry      `json:"entry"`
	State QueueState `json:"state"`
	Path  string     `json:"path"`
}
