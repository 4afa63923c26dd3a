package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies a failure for the recovery decision table.
type ErrorCategory string

const (
	CategoryLockAcquisition   ErrorCategory = "lock_acquisition_failure"
	CategoryDeviceMismatch    ErrorCategory = "filesystem_device_mismatch"
	CategoryCapacityExceeded  ErrorCategory = "capacity_exceeded"
	CategoryTestFailure       ErrorCategory = "test_failure"
	CategoryTransitionError   ErrorCategory = "transition_error"
	CategoryCheckpointMissing ErrorCategory = "checkpoint_unavailable"
	CategoryStaleTask         ErrorCategory = "stale_task"
	CategoryRetryLimit        ErrorCategory = "retry_limit_exceeded"
	CategoryRecoveryLock      ErrorCategory = "recovery_lock_contention"

	// Open bucket for execution-specific failures reported by the external
	// agent collaborator, e.g. "execution:quota_exhausted".
	executionPrefix = "execution:"

	CategoryQuotaExhausted ErrorCategory = "execution:quota_exhausted"
	CategoryNetwork        ErrorCategory = "execution:network"
	CategoryTimeout        ErrorCategory = "execution:timeout"
)

// ExecutionCategory builds a category in the open execution bucket.
func ExecutionCategory(kind string) ErrorCategory {
	return ErrorCategory(executionPrefix + kind)
}

// IsExecutionCategory reports whether c belongs to the open execution bucket.
func IsExecutionCategory(c ErrorCategory) bool {
	return strings.HasPrefix(string(c), executionPrefix)
}

// CategorizedError attaches an error category to an underlying error.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorized wraps err with the given category.
func Categorized(category ErrorCategory, err error) *CategorizedError {
	return &CategorizedError{Category: category, Err: err}
}

// Categorizedf wraps a formatted error with the given category.
func Categorizedf(category ErrorCategory, format string, args ...any) *CategorizedError {
	return &CategorizedError{Category: category, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category from err, or "" if err is not categorized.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// CategoryOfOrDefault returns err's category, or def when uncategorized.
func CategoryOfOrDefault(err error, def ErrorCategory) ErrorCategory {
	if c := CategoryOf(err); c != "" {
		return c
	}
	return def
}
