// Package model defines the data structures for foreman's queue entries,
// status documents, workflow state, and error taxonomy.
package model

import "fmt"

// WorkflowState is the per-task workflow lifecycle state.
type WorkflowState string

const (
	StatePending          WorkflowState = "PENDING"
	StateInProgress       WorkflowState = "IN_PROGRESS"
	StateTesting          WorkflowState = "TESTING"
	StateAwaitingApproval WorkflowState = "AWAITING_APPROVAL"
	StateApproved         WorkflowState = "APPROVED"
	StateRejected         WorkflowState = "REJECTED"
	StateCompleted        WorkflowState = "COMPLETED"
	StateError            WorkflowState = "ERROR"
)

// QueueState is the lifecycle state of a queue entry as published in the
// status document.
type QueueState string

const (
	QueueStateQueued  QueueState = "queued"
	QueueStateRunning QueueState = "running"
	QueueStateDone    QueueState = "done"
	QueueStateFailed  QueueState = "failed"
	QueueStateStale   QueueState = "stale"
)

// RecoveryAction is a caller-requested recovery action for a failed task.
type RecoveryAction string

const (
	ActionRetry RecoveryAction = "retry"
	ActionSkip  RecoveryAction = "skip"
	ActionWait  RecoveryAction = "wait"
	ActionAbort RecoveryAction = "abort"
)

var terminalWorkflowStates = map[WorkflowState]bool{
	StateCompleted: true,
}

// Workflow transitions: PENDING → IN_PROGRESS → TESTING → {AWAITING_APPROVAL|ERROR}
// AWAITING_APPROVAL → {APPROVED → COMPLETED | REJECTED → IN_PROGRESS}
// ERROR → IN_PROGRESS only via an explicit retry action.
var validWorkflowTransitions = map[WorkflowState]map[WorkflowState]bool{
	StatePending: {
		StateInProgress: true,
		StateError:      true,
	},
	StateInProgress: {
		StateTesting: true,
		StateError:   true,
	},
	StateTesting: {
		StateAwaitingApproval: true,
		StateError:            true,
	},
	StateAwaitingApproval: {
		StateApproved: true,
		StateRejected: true,
	},
	StateApproved: {
		StateCompleted: true,
		StateError:     true,
	},
	StateRejected: {
		StateInProgress: true,
	},
	StateError: {
		StateInProgress: true, // retry/skip only
	},
}

// IsTerminal reports whether a workflow state admits no further transitions.
func IsTerminal(s WorkflowState) bool {
	return terminalWorkflowStates[s]
}

// ValidateWorkflowTransition checks a workflow state change against the
// transition table.
func ValidateWorkflowTransition(from, to WorkflowState) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validWorkflowTransitions[from]
	if !ok {
		return fmt.Errorf("unknown workflow state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid workflow transition: %q → %q", from, to)
	}
	return nil
}
