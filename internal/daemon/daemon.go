// Package daemon runs the long-lived foreman process for one workspace: it
// watches the queue and signal directories, sweeps stale entries, and
// drives workflow continuations when the external agent signals completion.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/fsq"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/workflow"
)

// doneSignal is the payload of an agent-done marker dropped into signals/.
type doneSignal struct {
	Folder string `json:"folder"`
	RunID  string `json:"run_id"`
}

// Daemon ties the queue, the workflow machine, and the filesystem watcher
// together. One daemon per workspace; the flock enforces it.
type Daemon struct {
	dir     string
	cfg     config.Config
	queue   *fsq.Queue
	machine *workflow.Machine
	bus     *events.Bus
	log     *logx.Logger

	fileLock *lock.FileLock
}

func New(dir string, cfg config.Config, queue *fsq.Queue, machine *workflow.Machine, bus *events.Bus, log *logx.Logger) *Daemon {
	return &Daemon{
		dir:      dir,
		cfg:      cfg,
		queue:    queue,
		machine:  machine,
		bus:      bus,
		log:      log,
		fileLock: lock.NewFileLock(filepath.Join(dir, fsq.DirLocks, "foreman.lock")),
	}
}

// Run blocks until ctx is cancelled. It holds the daemon flock for the
// whole lifetime.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer func() { _ = d.fileLock.Unlock() }()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	signalsDir := filepath.Join(d.dir, fsq.DirSignals)
	for _, dir := range []string{signalsDir, filepath.Join(d.dir, fsq.DirQueue)} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.log.Infof("daemon_start dir=%s pid=%d", d.dir, os.Getpid())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.watchLoop(ctx, watcher) })
	g.Go(func() error { return d.sweepLoop(ctx) })

	// Process signals that landed before the daemon started.
	d.drainSignals(ctx, signalsDir)

	err = g.Wait()
	d.log.Infof("daemon_stop dir=%s", d.dir)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (d *Daemon) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			switch filepath.Base(filepath.Dir(ev.Name)) {
			case fsq.DirSignals:
				d.handleSignalFile(ctx, ev.Name)
			case fsq.DirQueue:
				d.log.Debugf("queue_event file=%s", filepath.Base(ev.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warnf("watcher error: %v", err)
		}
	}
}

// sweepLoop periodically fails stale running entries and evicts abandoned
// continuation registry entries.
func (d *Daemon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(d.cfg.Queue.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stale, err := d.queue.DetectStale(d.cfg.StaleTTL())
			if err != nil {
				d.log.Warnf("stale sweep failed: %v", err)
				continue
			}
			for _, s := range stale {
				d.bus.Publish(events.EventTaskStale, map[string]interface{}{
					"task_id": s.Entry.TaskID, "seq": s.Entry.Seq,
				})
			}
		}
	}
}

func (d *Daemon) drainSignals(ctx context.Context, signalsDir string) {
	ents, err := os.ReadDir(signalsDir)
	if err != nil {
		d.log.Warnf("list signals: %v", err)
		return
	}
	for _, ent := range ents {
		if !ent.IsDir() {
			d.handleSignalFile(ctx, filepath.Join(signalsDir, ent.Name()))
		}
	}
}

// handleSignalFile reads one agent-done marker and runs the continuation
// pipeline. The marker is removed whatever the outcome; continuation
// failures are recorded in task state, not in the signal.
func (d *Daemon) handleSignalFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".done") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warnf("read signal %s: %v", path, err)
		}
		return
	}
	var sig doneSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		d.log.Warnf("malformed signal %s: %v", path, err)
		_ = os.Remove(path)
		return
	}
	_ = os.Remove(path)

	d.log.Infof("agent_done folder=%s run=%s", sig.Folder, sig.RunID)
	if err := d.machine.OnAgentDone(ctx, sig.Folder, sig.RunID); err != nil {
		d.log.Errorf("continuation failed run=%s: %v", sig.RunID, err)
	}
}

// WriteDoneSignal drops an agent-done marker for the daemon to pick up.
// External collaborators call this (or write the file themselves).
func WriteDoneSignal(dir, folder, runID string) error {
	payload, err := json.Marshal(doneSignal{Folder: folder, RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	path := filepath.Join(dir, fsq.DirSignals, runID+".done")
	return fsq.AtomicWriteRaw(path, payload)
}
