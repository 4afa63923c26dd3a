package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/msageha/foreman/internal/model"
)

// ErrRetryLockHeld is returned when another recovery action holds the lock.
var ErrRetryLockHeld = fmt.Errorf("recovery action already in flight")

// ErrNotOwner is returned when a release presents the wrong token.
var ErrNotOwner = fmt.Errorf("retry lock held by a different owner")

// RetryLockFile is the durable ownership-tokened lock backing recovery
// actions. Unlike the in-process continuation registry, it provides true
// mutual exclusion across callers and process restarts. Release requires
// the original token, so a caller whose lock expired and was reassigned
// cannot erroneously release the new owner's lock.
type RetryLockFile struct {
	path    string
	timeout time.Duration
}

// NewRetryLockFile builds a retry lock at path. Locks older than timeout
// are considered abandoned and may be force-acquired.
func NewRetryLockFile(path string, timeout time.Duration) *RetryLockFile {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &RetryLockFile{path: path, timeout: timeout}
}

// Acquire takes the lock for the given action and returns the owner token.
// Returns ErrRetryLockHeld (wrapped) if a live lock exists.
func (rl *RetryLockFile) Acquire(action model.RecoveryAction) (string, error) {
	token, err := rl.tryCreate(action)
	if err == nil {
		return token, nil
	}
	if !os.IsExist(err) {
		return "", err
	}

	current, readErr := rl.Read()
	if readErr != nil {
		// Unreadable lock file: treat as abandoned.
		_ = os.Remove(rl.path)
	} else {
		age := time.Since(model.ParseTime(current.AcquiredAt))
		if age < rl.timeout {
			return "", fmt.Errorf("%w: action=%s acquired_at=%s", ErrRetryLockHeld, current.Action, current.AcquiredAt)
		}
		// Abandoned: the old token can no longer release once we re-create.
		_ = os.Remove(rl.path)
	}

	token, err = rl.tryCreate(action)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: lost force-acquire race", ErrRetryLockHeld)
		}
		return "", err
	}
	return token, nil
}

// Release removes the lock if token matches the current owner.
func (rl *RetryLockFile) Release(token string) error {
	current, err := rl.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.Token != token {
		return fmt.Errorf("%w: token mismatch", ErrNotOwner)
	}
	if err := os.Remove(rl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove retry lock: %w", err)
	}
	return nil
}

// Read returns the current lock record, or an os.IsNotExist error.
func (rl *RetryLockFile) Read() (*model.RetryLock, error) {
	data, err := os.ReadFile(rl.path)
	if err != nil {
		return nil, err
	}
	var lk model.RetryLock
	if err := json.Unmarshal(data, &lk); err != nil {
		return nil, fmt.Errorf("parse retry lock: %w", err)
	}
	return &lk, nil
}

func (rl *RetryLockFile) tryCreate(action model.RecoveryAction) (string, error) {
	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	lk := model.RetryLock{
		Token:      model.NewLockToken(),
		Action:     action,
		AcquiredAt: model.Now(),
	}
	data, err := json.MarshalIndent(lk, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(rl.path)
		return "", fmt.Errorf("marshal retry lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(rl.path)
		return "", fmt.Errorf("write retry lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(rl.path)
		return "", fmt.Errorf("close retry lock: %w", err)
	}
	return lk.Token, nil
}
