package lock

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockContended is returned when dir-lock acquisition exhausts its
// bounded retries.
var ErrLockContended = fmt.Errorf("lock acquisition retries exhausted")

// DirLock is a short-lived mutual-exclusion lock built on atomic directory
// creation. Acquisition retries a bounded number of times with randomized
// backoff, so exhausting retries is a reported failure, never a hang.
type DirLock struct {
	path       string
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	held       bool
}

// NewDirLock builds a lock at path with the given retry budget and
// randomized backoff bounds.
func NewDirLock(path string, maxRetries int, backoffMin, backoffMax time.Duration) *DirLock {
	if maxRetries <= 0 {
		maxRetries = 100
	}
	if backoffMin <= 0 {
		backoffMin = 10 * time.Millisecond
	}
	if backoffMax <= backoffMin {
		backoffMax = backoffMin + 50*time.Millisecond
	}
	return &DirLock{
		path:       path,
		maxRetries: maxRetries,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// jitterBackOff yields uniformly random waits within [min, max). Randomized
// waits keep contending callers from retrying in lockstep.
type jitterBackOff struct {
	min, max time.Duration
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	return b.min + time.Duration(rand.Int63n(int64(b.max-b.min)))
}

func (b *jitterBackOff) Reset() {}

// Acquire takes the lock, retrying up to the configured budget.
// Returns ErrLockContended (wrapped) once retries are exhausted.
func (dl *DirLock) Acquire() error {
	attempt := func() error {
		err := os.Mkdir(dl.path, 0755)
		if err == nil {
			return nil
		}
		if os.IsExist(err) {
			return err // retryable: held by someone else
		}
		return backoff.Permanent(fmt.Errorf("create lock dir %s: %w", dl.path, err))
	}

	b := backoff.WithMaxRetries(&jitterBackOff{min: dl.backoffMin, max: dl.backoffMax}, uint64(dl.maxRetries-1))
	if err := backoff.Retry(attempt, b); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s held after %d attempts", ErrLockContended, dl.path, dl.maxRetries)
		}
		return err
	}
	dl.held = true
	return nil
}

// Release removes the lock directory. Releasing an unheld lock is a no-op.
func (dl *DirLock) Release() error {
	if !dl.held {
		return nil
	}
	dl.held = false
	if err := os.Remove(dl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock dir %s: %w", dl.path, err)
	}
	return nil
}
