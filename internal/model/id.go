package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a unique identifier for one agent execution attempt.
func NewRunID() string {
	return fmt.Sprintf("run_%010d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

// NewLockToken returns an opaque ownership token for a retry lock.
func NewLockToken() string {
	return uuid.NewString()
}

// Now returns the current UTC time in the on-disk timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseTime parses an on-disk timestamp. The zero time is returned for
// malformed values so age checks treat them as infinitely old.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
