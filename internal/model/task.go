package model

// TaskState is the persistent per-task workflow record stored at
// tasks/<taskId>/state.json.
//
// Invariants: FailedStep is present iff State is ERROR; Checkpoints is
// append-only and strictly increasing by step number; RetryLock exists only
// while a recovery action is in flight.
type TaskState struct {
	TaskID      string            `json:"task_id"`
	State       WorkflowState     `json:"state"`
	Branch      string            `json:"branch"`
	BaseCommit  string            `json:"base_commit"`
	CurrentStep int               `json:"current_step"`
	TotalSteps  int               `json:"total_steps"`
	// LastCompletedStep guards the step hand-off against duplicate and
	// out-of-order transitions. Zero means no step has completed yet.
	LastCompletedStep int               `json:"last_completed_step"`
	SkippedSteps      []int             `json:"skipped_steps,omitempty"`
	Iteration         int               `json:"iteration"`
	Checkpoints       []StepCheckpoint  `json:"checkpoints"`
	FailedStep        *FailedStep       `json:"failed_step,omitempty"`
	RetryLock         *RetryLock        `json:"retry_lock,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

// StepCheckpoint ties a completed workflow step to a version-control commit
// it can be rolled back to. Checkpoints are a recovery aid, not a source of
// truth: a missing commit degrades to a warning at validation time.
type StepCheckpoint struct {
	Step      int               `json:"step"`
	Name      string            `json:"name"`
	Commit    string            `json:"commit"`
	Branch    string            `json:"branch"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt string            `json:"created_at"`
}

// FailedStep records the failure that put a task into ERROR.
// RetryCount increments only on a failed retry attempt, not on the initial
// failure.
type FailedStep struct {
	Step       int           `json:"step"`
	Name       string        `json:"name"`
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	RetryCount int           `json:"retry_count"`
	FailedAt   string        `json:"failed_at"`
}

// RetryLock is the durable ownership-tokened mutual-exclusion marker for
// recovery actions. Only the holder of the matching token may release it;
// a lock older than the configured timeout is abandoned and may be
// force-acquired.
type RetryLock struct {
	Token      string         `json:"token"`
	Action     RecoveryAction `json:"action"`
	AcquiredAt string         `json:"acquired_at"`
}

// TaskInfo is the immutable task descriptor stored at
// tasks/<taskId>/task-info.json, captured at ProcessTask time.
type TaskInfo struct {
	TaskID       string   `json:"task_id"`
	Title        string   `json:"title"`
	TargetFolder string   `json:"target_folder"`
	Instructions string   `json:"instructions"`
	Steps        []string `json:"steps,omitempty"`
	TestCommand  string   `json:"test_command,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// RecoveryOption is one candidate action offered for a failed task,
// flagged enabled or disabled with an operator-readable reason.
type RecoveryOption struct {
	Action  RecoveryAction `json:"action"`
	Enabled bool           `json:"enabled"`
	Reason  string         `json:"reason,omitempty"`
}
