package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/msageha/foreman/internal/checkpoint"
	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/daemon"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/fsq"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/notify"
	"github.com/msageha/foreman/internal/rollback"
	"github.com/msageha/foreman/internal/runner"
	"github.com/msageha/foreman/internal/taskstate"
	"github.com/msageha/foreman/internal/workflow"
)

const version = "1.0.0"

const foremanDir = ".foreman"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "claim":
		runClaim(os.Args[2:])
	case "done":
		runDone(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "approve":
		runApprove(os.Args[2:])
	case "reject":
		runReject(os.Args[2:])
	case "retry":
		runRecovery(os.Args[2:], model.ActionRetry)
	case "skip":
		runRecovery(os.Args[2:], model.ActionSkip)
	case "options":
		runOptions(os.Args[2:])
	case "signal-done":
		runSignalDone(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "version":
		fmt.Printf("foreman %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `foreman - single-workspace automation run coordinator

usage: foreman <command> [options]

commands:
  init                        create the .foreman workspace layout
  enqueue -task <id> -folder <dir> [-branch b] [-priority p] [-instructions text]
  claim                       lease the next queued entry
  done [-failed]              complete the running entry
  status                      print the current status document
  list                        list entries across lifecycle directories
  sweep                       fail running entries past the stale TTL
  approve -task <id> -folder <dir>
  reject -task <id> -folder <dir> -feedback <text>
  retry -task <id> -folder <dir>
  skip -task <id> -folder <dir>
  options -task <id>          show recovery options for a failed task
  signal-done -folder <dir> -run <id>
  daemon                      run the workspace daemon
  version                     print version
`)
}

// workspace wires the shared dependency graph for one invocation.
type workspace struct {
	dir     string
	cfg     config.Config
	queue   *fsq.Queue
	tasks   *taskstate.Store
	machine *workflow.Machine
	bus     *events.Bus
	log     *logx.Logger
	closer  io.Closer
}

func openWorkspace() *workspace {
	wd, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	dir := filepath.Join(wd, foremanDir)
	if _, err := os.Stat(dir); err != nil {
		fatal(fmt.Errorf("%s not found; run `foreman init` first", dir))
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fatal(err)
	}

	level := logx.ParseLevel(cfg.Logging.Level)
	logPath := cfg.Logging.File
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(dir, logPath)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fatal(fmt.Errorf("open log file: %w", err))
	}
	base := log.New(io.MultiWriter(logFile, os.Stderr), "", 0)

	qlog := logx.New("fsq", level, base)
	queue := fsq.Open(dir, cfg.Queue, qlog)
	tasks := taskstate.NewStore(filepath.Join(dir, fsq.DirTasks))
	cps := checkpoint.NewStore(tasks, cfg.Recovery.MaxRetries, logx.New("checkpoint", level, base))
	rb := rollback.NewEngine(tasks, logx.New("rollback", level, base))
	run := runner.New(cfg.Runner, logx.New("runner", level, base))

	nlog := logx.New("notify", level, base)
	sinks := []notify.Sink{notify.LogSink{Log: nlog}}
	if cfg.Notify.Desktop {
		sinks = append(sinks, notify.DesktopSink{})
	}
	if cfg.Notify.HookCommand != "" {
		sinks = append(sinks, notify.HookSink{Command: cfg.Notify.HookCommand})
	}
	notifier := notify.NewMulti(nlog, sinks...)

	bus := events.NewBus(100)
	notify.WireBus(bus, notifier, logx.New("events", level, base))
	registry := workflow.NewContinuationRegistry(cfg.ContinuationTimeout())
	machine := workflow.NewMachine(cfg, queue, tasks, cps, rb, run, notifier, bus, registry,
		logx.New("workflow", level, base))

	return &workspace{
		dir:     dir,
		cfg:     cfg,
		queue:   queue,
		tasks:   tasks,
		machine: machine,
		bus:     bus,
		log:     logx.New("cli", level, base),
		closer:  logFile,
	}
}

func (w *workspace) close() {
	w.bus.Close()
	_ = w.closer.Close()
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	_ = fs.Parse(args)

	wd, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	dir := filepath.Join(wd, foremanDir)
	if err := fsq.Init(dir); err != nil {
		fatal(err)
	}
	fmt.Printf("initialized %s\n", dir)
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	folder := fs.String("folder", "", "target folder")
	branch := fs.String("branch", "", "working branch")
	priority := fs.String("priority", "", "informational priority")
	instructions := fs.String("instructions", "", "run instructions")
	title := fs.String("title", "", "task title")
	_ = fs.Parse(args)
	if *taskID == "" || *folder == "" {
		fatal(fmt.Errorf("enqueue requires -task and -folder"))
	}

	w := openWorkspace()
	defer w.close()

	path, err := w.machine.ProcessTask(workflow.TaskRequest{
		TaskID:       *taskID,
		Title:        *title,
		TargetFolder: *folder,
		Branch:       *branch,
		Priority:     *priority,
		Instructions: *instructions,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Println(path)
}

func runClaim(args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	entry, err := w.queue.ClaimNext()
	if err != nil {
		fatal(err)
	}
	if entry == nil {
		fmt.Println("nothing to claim")
		return
	}
	w.bus.Publish(events.EventTaskClaimed, map[string]interface{}{
		"task_id": entry.TaskID, "seq": entry.Seq,
	})
	printJSON(entry)
}

func runDone(args []string) {
	fs := flag.NewFlagSet("done", flag.ExitOnError)
	failed := fs.Bool("failed", false, "mark the entry failed")
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	if err := w.queue.Complete(!*failed); err != nil {
		fatal(err)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	st, err := w.queue.GetStatus()
	if err != nil {
		fatal(err)
	}
	if st == nil {
		fmt.Println("no status published yet")
		return
	}
	printJSON(st)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	infos, err := w.queue.List()
	if err != nil {
		fatal(err)
	}
	for _, info := range infos {
		fmt.Printf("%06d  %-8s  %-10s  %s\n", info.Entry.Seq, info.State, info.Entry.Priority, info.Entry.TaskID)
	}
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	stale, err := w.queue.DetectStale(w.cfg.StaleTTL())
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%d stale entries\n", len(stale))
}

func runApprove(args []string) {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	folder := fs.String("folder", "", "target folder")
	_ = fs.Parse(args)
	if *taskID == "" || *folder == "" {
		fatal(fmt.Errorf("approve requires -task and -folder"))
	}

	w := openWorkspace()
	defer w.close()

	if err := w.machine.CompleteAfterApproval(*folder, *taskID); err != nil {
		fatal(err)
	}
}

func runReject(args []string) {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	folder := fs.String("folder", "", "target folder")
	feedback := fs.String("feedback", "", "reviewer feedback")
	_ = fs.Parse(args)
	if *taskID == "" || *folder == "" || *feedback == "" {
		fatal(fmt.Errorf("reject requires -task, -folder and -feedback"))
	}

	w := openWorkspace()
	defer w.close()

	if err := w.machine.RejectWithFeedback(*folder, *taskID, *feedback); err != nil {
		fatal(err)
	}
}

func runRecovery(args []string, action model.RecoveryAction) {
	fs := flag.NewFlagSet(string(action), flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	folder := fs.String("folder", "", "target folder")
	_ = fs.Parse(args)
	if *taskID == "" || *folder == "" {
		fatal(fmt.Errorf("%s requires -task and -folder", action))
	}

	w := openWorkspace()
	defer w.close()

	if err := w.machine.ContinueAfterError(*folder, *taskID, action); err != nil {
		fatal(err)
	}
}

func runOptions(args []string) {
	fs := flag.NewFlagSet("options", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	_ = fs.Parse(args)
	if *taskID == "" {
		fatal(fmt.Errorf("options requires -task"))
	}

	w := openWorkspace()
	defer w.close()

	opts, err := w.machine.RecoveryOptions(*taskID)
	if err != nil {
		fatal(err)
	}
	printJSON(opts)
}

func runSignalDone(args []string) {
	fs := flag.NewFlagSet("signal-done", flag.ExitOnError)
	folder := fs.String("folder", "", "target folder")
	runID := fs.String("run", "", "run identifier")
	_ = fs.Parse(args)
	if *folder == "" {
		fatal(fmt.Errorf("signal-done requires -folder"))
	}
	if *runID == "" {
		*runID = model.NewRunID()
	}

	w := openWorkspace()
	defer w.close()

	if err := daemon.WriteDoneSignal(w.dir, *folder, *runID); err != nil {
		fatal(err)
	}
	fmt.Println(*runID)
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	_ = fs.Parse(args)

	w := openWorkspace()
	defer w.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := logx.ParseLevel(w.cfg.Logging.Level)
	d := daemon.New(w.dir, w.cfg, w.queue, w.machine, w.bus,
		logx.New("daemon", level, log.New(os.Stderr, "", 0)))
	if err := d.Run(ctx); err != nil {
		fatal(err)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
	os.Exit(1)
}
