package model

// QueueStatus is the single authoritative real-time record for the
// currently claimed entry, published at status/current.json. It is always
// rewritten whole via temp-file-then-rename, so readers observe either the
// previous complete document or the new one, never a partial write.
type QueueStatus struct {
	State         QueueState `json:"state"`
	Percent       int        `json:"percent"`
	Step          string     `json:"step"`
	Seq           int        `json:"seq"`
	TaskID        string     `json:"task_id"`
	SourceFile    string     `json:"source_file"`
	Notes         []string   `json:"notes"`
	Errors        []string   `json:"errors"`
	UpdatedAt     string     `json:"updated_at"`
	LastHeartbeat string     `json:"last_heartbeat"`
}

// StatusPatch is a partial update applied to the current status document.
// Nil fields are left unchanged; Notes and Errors append.
type StatusPatch struct {
	State     *QueueState
	Percent   *int
	Step      *string
	Seq       *int
	TaskID    *string
	Source    *string
	Notes     []string
	Errors    []string
	Heartbeat bool
}
