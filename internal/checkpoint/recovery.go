package checkpoint

import (
	"fmt"

	"github.com/msageha/foreman/internal/model"
)

// Recovery policy decision table. Keeping the rules as data keeps the
// policy auditable and testable in isolation.
var (
	// Categories that cannot succeed on retry, whatever the retry budget.
	noRetryCategories = map[model.ErrorCategory]bool{
		model.CategoryQuotaExhausted: true,
		model.CategoryDeviceMismatch: true,
		model.CategoryRetryLimit:     true,
	}

	// Categories where waiting for an external condition is the sane move.
	waitCategories = map[model.ErrorCategory]bool{
		model.CategoryQuotaExhausted: true,
	}

	// Categories whose partial output is unsafe to leave in place, so the
	// step may not be skipped over.
	noSkipCategories = map[model.ErrorCategory]bool{
		model.CategoryTransitionError: true,
		model.CategoryDeviceMismatch:  true,
	}
)

// RecoveryOptions returns the ordered candidate actions for a failed step,
// each flagged enabled or disabled with a reason. Abort is always offered.
func (s *Store) RecoveryOptions(category model.ErrorCategory, failedStep, totalSteps, retryCount int) []model.RecoveryOption {
	retry := model.RecoveryOption{Action: model.ActionRetry, Enabled: true}
	switch {
	case noRetryCategories[category]:
		retry.Enabled = false
		retry.Reason = fmt.Sprintf("category %s cannot succeed on retry", category)
	case retryCount >= s.maxRetries:
		retry.Enabled = false
		retry.Reason = fmt.Sprintf("retry limit reached (%d/%d)", retryCount, s.maxRetries)
	}

	skip := model.RecoveryOption{Action: model.ActionSkip, Enabled: true}
	switch {
	case failedStep >= totalSteps:
		skip.Enabled = false
		skip.Reason = "cannot skip the final step"
	case noSkipCategories[category]:
		skip.Enabled = false
		skip.Reason = fmt.Sprintf("category %s leaves partial output that is unsafe to keep", category)
	}

	wait := model.RecoveryOption{Action: model.ActionWait, Enabled: waitCategories[category]}
	if !wait.Enabled {
		wait.Reason = "waiting will not change the outcome for this failure"
	}

	abort := model.RecoveryOption{Action: model.ActionAbort, Enabled: true}

	return []model.RecoveryOption{retry, skip, wait, abort}
}
