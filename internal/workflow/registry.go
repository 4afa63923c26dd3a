// Package workflow owns the per-task lifecycle: the pre-execution
// pipeline, the post-execution continuation pipeline, and the
// error-recovery pipeline.
package workflow

import (
	"fmt"
	"sync"
	"time"
)

// continuation tracks one in-flight ContinueAfterRun call. Followers wait
// on done and read err afterwards.
type continuation struct {
	startedAt time.Time
	done      chan struct{}
	err       error
}

// ContinuationRegistry deduplicates continuation calls keyed by
// (targetFolder, runID). It is an in-process best-effort guard, not a
// durable lock: it protects against duplicate calls within one process
// lifetime and does not survive a restart mid-continuation. Entries older
// than the timeout are treated as abandoned and replaced.
type ContinuationRegistry struct {
	mu       sync.Mutex
	timeout  time.Duration
	inflight map[string]*continuation
}

func NewContinuationRegistry(timeout time.Duration) *ContinuationRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ContinuationRegistry{
		timeout:  timeout,
		inflight: make(map[string]*continuation),
	}
}

func continuationKey(folder, runID string) string {
	return folder + "|" + runID
}

// begin registers a continuation for key. The first caller becomes the
// owner (owner=true) and must call finish; later callers get the existing
// entry to await. An entry past the timeout is evicted and ownership is
// handed to the new caller.
func (r *ContinuationRegistry) begin(key string) (*continuation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.inflight[key]; ok {
		if time.Since(c.startedAt) < r.timeout {
			return c, false
		}
		// Abandoned: the original owner will fail its finish harmlessly.
		delete(r.inflight, key)
	}
	c := &continuation{startedAt: time.Now(), done: make(chan struct{})}
	r.inflight[key] = c
	return c, true
}

// finish records the result and releases followers.
func (r *ContinuationRegistry) finish(key string, c *continuation, err error) {
	r.mu.Lock()
	if cur, ok := r.inflight[key]; ok && cur == c {
		delete(r.inflight, key)
	}
	r.mu.Unlock()

	c.err = err
	close(c.done)
}

// await blocks until the owner finishes and returns its result.
func (r *ContinuationRegistry) await(c *continuation) error {
	select {
	case <-c.done:
		return c.err
	case <-time.After(r.timeout):
		return fmt.Errorf("continuation still in flight after %s", r.timeout)
	}
}

// Cleanup evicts expired entries; the daemon calls it periodically.
func (r *ContinuationRegistry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted int
	for key, c := range r.inflight {
		if time.Since(c.startedAt) >= r.timeout {
			delete(r.inflight, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of in-flight continuations.
func (r *ContinuationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
