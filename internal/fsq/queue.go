package fsq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
)

// Lifecycle directories under the workspace dot dir. An entry file exists
// in exactly one of these at a time; rename is the only mutation primitive.
const (
	DirQueue   = "queue"
	DirRunning = "running"
	DirDone    = "done"
	DirFailed  = "failed"
	DirStatus  = "status"
	DirLocks   = "locks"
	DirLogs    = "logs"
	DirSignals = "signals"
	DirTasks   = "tasks"
)

var lifecycleDirs = []string{DirQueue, DirRunning, DirDone, DirFailed}

var lifecycleStates = map[string]model.QueueState{
	DirQueue:   model.QueueStateQueued,
	DirRunning: model.QueueStateRunning,
	DirDone:    model.QueueStateDone,
	DirFailed:  model.QueueStateFailed,
}

// Queue is the directory-based FIFO for one workspace.
type Queue struct {
	dir string
	cfg config.QueueConfig
	log *logx.Logger

	statusMu sync.Mutex
}

// Init creates the workspace queue layout under dir and verifies that every
// lifecycle directory shares one filesystem device with the root, because
// atomic rename is only atomic within a device. A mismatch is fatal and
// non-recoverable.
func Init(dir string) error {
	dirs := []string{
		DirQueue, DirRunning, DirDone, DirFailed,
		filepath.Join(DirStatus, "tmp"),
		DirLocks, DirLogs, DirSignals, DirTasks,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	rootDev, err := deviceOf(dir)
	if err != nil {
		return fmt.Errorf("stat workspace root: %w", err)
	}
	for _, d := range append(append([]string{}, lifecycleDirs...), DirStatus) {
		dev, err := deviceOf(filepath.Join(dir, d))
		if err != nil {
			return fmt.Errorf("stat %s: %w", d, err)
		}
		if dev != rootDev {
			return model.Categorizedf(model.CategoryDeviceMismatch,
				"%s is on device %d, workspace root on %d; atomic rename requires one device", d, dev, rootDev)
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// Open returns a Queue rooted at the workspace dot dir. Init must have run.
func Open(dir string, cfg config.QueueConfig, log *logx.Logger) *Queue {
	return &Queue{dir: dir, cfg: cfg, log: log}
}

// Dir returns the workspace dot dir the queue is rooted at.
func (q *Queue) Dir() string { return q.dir }

func (q *Queue) path(parts ...string) string {
	return filepath.Join(append([]string{q.dir}, parts...)...)
}

func (q *Queue) dirLock(name string) *lock.DirLock {
	return lock.NewDirLock(
		q.path(DirLocks, name),
		q.cfg.LockRetries,
		time.Duration(q.cfg.LockBackoffMinMs)*time.Millisecond,
		time.Duration(q.cfg.LockBackoffMaxMs)*time.Millisecond,
	)
}

// Enqueue writes a new entry into queue/ with the next unique sequence
// number. Returns the entry path. Fails with capacity_exceeded once the
// total entry count across lifecycle directories reaches the configured
// maximum, and lock_acquisition_failure when the enqueue lock cannot be
// taken within the retry budget.
func (q *Queue) Enqueue(taskID, targetFolder, branch, priority, instructions string) (string, error) {
	dl := q.dirLock("enqueue.lock")
	if err := dl.Acquire(); err != nil {
		if isContention(err) {
			return "", model.Categorized(model.CategoryLockAcquisition, err)
		}
		return "", err
	}
	defer func() { _ = dl.Release() }()

	total, maxSeq, err := q.scanEntries()
	if err != nil {
		return "", err
	}
	if total >= q.cfg.MaxEntries {
		return "", model.Categorizedf(model.CategoryCapacityExceeded,
			"queue holds %d entries (max %d)", total, q.cfg.MaxEntries)
	}

	entry := &model.Entry{
		Seq:          maxSeq + 1,
		TaskID:       taskID,
		TargetFolder: targetFolder,
		Branch:       branch,
		Priority:     priority,
		CreatedAt:    model.Now(),
		Instructions: instructions,
	}
	data, err := model.MarshalEntry(entry)
	if err != nil {
		return "", err
	}
	entryPath := q.path(DirQueue, entry.FileName())
	if err := AtomicWriteRaw(entryPath, data); err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}

	q.log.Infof("enqueue seq=%d task=%s folder=%s", entry.Seq, taskID, targetFolder)
	return entryPath, nil
}

// ClaimNext leases the entry with the lowest sequence number by renaming it
// into running/. Returns nil with no error when the queue is empty or when
// running/ is non-empty (the single-worker invariant). The entry's priority
// field is never consulted.
func (q *Queue) ClaimNext() (*model.Entry, error) {
	dl := q.dirLock("claim.lock")
	if err := dl.Acquire(); err != nil {
		if isContention(err) {
			return nil, model.Categorized(model.CategoryLockAcquisition, err)
		}
		return nil, err
	}
	defer func() { _ = dl.Release() }()

	running, err := q.listDir(DirRunning)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return nil, nil
	}

	queued, err := q.listDir(DirQueue)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool {
		return seqOf(queued[i]) < seqOf(queued[j])
	})
	name := queued[0]

	src := q.path(DirQueue, name)
	dst := q.path(DirRunning, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("claim rename: %w", err)
	}

	entry, err := q.readEntry(dst)
	if err != nil {
		return nil, err
	}

	now := model.Now()
	state := model.QueueStateRunning
	step := "claimed"
	zero := 0
	if err := q.UpdateStatus(model.StatusPatch{
		State:     &state,
		Percent:   &zero,
		Step:      &step,
		Seq:       &entry.Seq,
		TaskID:    &entry.TaskID,
		Source:    &name,
		Heartbeat: true,
	}); err != nil {
		q.log.Warnf("claim status publish failed seq=%d: %v", entry.Seq, err)
	}
	q.log.Infof("claim seq=%d task=%s at=%s", entry.Seq, entry.TaskID, now)
	return entry, nil
}

// Complete renames the current running entry into done/ or failed/ and
// publishes the final status.
func (q *Queue) Complete(success bool) error {
	running, err := q.listDir(DirRunning)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return fmt.Errorf("no running entry to complete")
	}
	name := running[0]

	target := DirDone
	state := model.QueueStateDone
	if !success {
		target = DirFailed
		state = model.QueueStateFailed
	}
	if err := os.Rename(q.path(DirRunning, name), q.path(target, name)); err != nil {
		return fmt.Errorf("complete rename: %w", err)
	}

	hundred := 100
	step := "completed"
	if !success {
		step = "failed"
	}
	if err := q.UpdateStatus(model.StatusPatch{
		State:   &state,
		Percent: &hundred,
		Step:    &step,
	}); err != nil {
		q.log.Warnf("complete status publish failed: %v", err)
	}
	q.log.Infof("complete entry=%s success=%v", name, success)
	return nil
}

// DetectStale moves every running entry whose modification time exceeds ttl
// into failed/ and marks the status stale. This is the only liveness check:
// there is no process-id verification, so detection latency is bounded
// below by the TTL, not by actual process death.
func (q *Queue) DetectStale(ttl time.Duration) ([]model.EntryInfo, error) {
	running, err := q.listDir(DirRunning)
	if err != nil {
		return nil, err
	}

	var stale []model.EntryInfo
	now := time.Now()
	for _, name := range running {
		src := q.path(DirRunning, name)
		fi, err := os.Stat(src)
		if err != nil {
			continue // raced with completion
		}
		if now.Sub(fi.ModTime()) <= ttl {
			continue
		}
		dst := q.path(DirFailed, name)
		if err := os.Rename(src, dst); err != nil {
			q.log.Warnf("stale rename failed entry=%s: %v", name, err)
			continue
		}
		entry, err := q.readEntry(dst)
		if err != nil {
			q.log.Warnf("stale entry unreadable entry=%s: %v", name, err)
			continue
		}
		stale = append(stale, model.EntryInfo{Entry: *entry, State: model.QueueStateStale, Path: dst})

		state := model.QueueStateStale
		step := "stale: heartbeat ttl exceeded"
		if err := q.UpdateStatus(model.StatusPatch{
			State:  &state,
			Step:   &step,
			Errors: []string{fmt.Sprintf("entry %s exceeded ttl %s", name, ttl)},
		}); err != nil {
			q.log.Warnf("stale status publish failed: %v", err)
		}
		q.log.Warnf("stale entry=%s age=%s ttl=%s", name, now.Sub(fi.ModTime()).Round(time.Second), ttl)
	}
	return stale, nil
}

// Heartbeat touches the running entry's mtime (what the stale sweep
// measures) and refreshes the status heartbeat.
func (q *Queue) Heartbeat(step string, percent int) error {
	running, err := q.listDir(DirRunning)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return fmt.Errorf("no running entry")
	}
	now := time.Now()
	if err := os.Chtimes(q.path(DirRunning, running[0]), now, now); err != nil {
		return fmt.Errorf("touch running entry: %w", err)
	}
	patch := model.StatusPatch{Heartbeat: true}
	if step != "" {
		patch.Step = &step
	}
	if percent >= 0 {
		patch.Percent = &percent
	}
	return q.UpdateStatus(patch)
}

// List returns a read-only view of every entry across lifecycle
// directories, ordered by sequence number.
func (q *Queue) List() ([]model.EntryInfo, error) {
	var infos []model.EntryInfo
	for _, d := range lifecycleDirs {
		names, err := q.listDir(d)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			p := q.path(d, name)
			entry, err := q.readEntry(p)
			if err != nil {
				q.log.Warnf("unreadable entry %s: %v", p, err)
				continue
			}
			infos = append(infos, model.EntryInfo{Entry: *entry, State: lifecycleStates[d], Path: p})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Entry.Seq < infos[j].Entry.Seq
	})
	return infos, nil
}

// RunningEntry returns the currently claimed entry, or nil.
func (q *Queue) RunningEntry() (*model.Entry, error) {
	running, err := q.listDir(DirRunning)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	return q.readEntry(q.path(DirRunning, running[0]))
}

func (q *Queue) scanEntries() (total, maxSeq int, err error) {
	for _, d := range lifecycleDirs {
		names, err := q.listDir(d)
		if err != nil {
			return 0, 0, err
		}
		total += len(names)
		for _, name := range names {
			if s := seqOf(name); s > maxSeq {
				maxSeq = s
			}
		}
	}
	return total, maxSeq, nil
}

func (q *Queue) listDir(d string) ([]string, error) {
	ents, err := os.ReadDir(q.path(d))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d, err)
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (q *Queue) readEntry(path string) (*model.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", path, err)
	}
	return model.UnmarshalEntry(data)
}

func seqOf(name string) int {
	idx := strings.Index(name, "-")
	if idx <= 0 {
		return 0
	}
	n, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0
	}
	return n
}

func isContention(err error) bool {
	return errors.Is(err, lock.ErrLockContended)
}
