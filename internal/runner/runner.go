// Package runner executes external commands (test suites, builds) with two
// independent timers: an absolute ceiling and an activity timer that resets
// on any output, so a silent-but-alive process is terminated sooner than a
// noisy slow one. Termination escalates from SIGTERM to SIGKILL after a
// grace period.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/logx"
)

// Result is the outcome of one external command run.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

type Runner struct {
	absolute time.Duration
	activity time.Duration
	grace    time.Duration
	log      *logx.Logger
}

func New(cfg config.RunnerConfig, log *logx.Logger) *Runner {
	return NewWithTimeouts(
		time.Duration(cfg.TimeoutMin)*time.Minute,
		time.Duration(cfg.ActivityTimeoutMin)*time.Minute,
		time.Duration(cfg.KillGraceSec)*time.Second,
		log,
	)
}

// NewWithTimeouts builds a Runner with explicit timer settings.
func NewWithTimeouts(absolute, activity, grace time.Duration, log *logx.Logger) *Runner {
	return &Runner{absolute: absolute, activity: activity, grace: grace, log: log}
}

// activityWriter captures combined output and signals liveness on every
// write.
type activityWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	poke chan struct{}
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.buf.Write(p)
	w.mu.Unlock()
	select {
	case w.poke <- struct{}{}:
	default:
	}
	return n, err
}

func (w *activityWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Run executes command in folder through the shell. A non-zero exit is not
// an error: it is reported in the Result. Errors are reserved for failures
// to start or supervise the process.
func (r *Runner) Run(ctx context.Context, folder, command string) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	absolute := r.absolute
	activity := r.activity
	grace := r.grace

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = folder
	// Own process group so escalation reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &activityWriter{poke: make(chan struct{}, 1)}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	r.log.Infof("run_start cmd=%q folder=%s timeout=%s activity=%s", command, folder, absolute, activity)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	absTimer := time.NewTimer(absolute)
	defer absTimer.Stop()
	actTimer := time.NewTimer(activity)
	defer actTimer.Stop()

	var timedOut bool
	var waitErr error

supervise:
	for {
		select {
		case waitErr = <-waitCh:
			break supervise
		case <-out.poke:
			if !actTimer.Stop() {
				select {
				case <-actTimer.C:
				default:
				}
			}
			actTimer.Reset(activity)
		case <-actTimer.C:
			r.log.Warnf("run_timeout kind=activity cmd=%q", command)
			timedOut = true
			waitErr = r.terminate(cmd, waitCh, grace)
			break supervise
		case <-absTimer.C:
			r.log.Warnf("run_timeout kind=absolute cmd=%q", command)
			timedOut = true
			waitErr = r.terminate(cmd, waitCh, grace)
			break supervise
		case <-ctx.Done():
			r.log.Warnf("run_cancelled cmd=%q: %v", command, ctx.Err())
			timedOut = true
			waitErr = r.terminate(cmd, waitCh, grace)
			break supervise
		}
	}

	res := &Result{
		Output:   out.String(),
		TimedOut: timedOut,
	}
	if waitErr == nil && !timedOut {
		res.Success = true
		res.ExitCode = 0
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	r.log.Infof("run_done cmd=%q success=%v exit=%d timed_out=%v", command, res.Success, res.ExitCode, res.TimedOut)
	return res, nil
}

// terminate sends SIGTERM to the process group, waits out the grace
// period, then SIGKILLs what remains.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh chan error, grace time.Duration) error {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	return <-waitCh
}
