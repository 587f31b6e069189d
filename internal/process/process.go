package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/fedemsync/internal/history"
	"github.com/loykin/fedemsync/internal/logger"
	"github.com/loykin/fedemsync/internal/metrics"
	"github.com/loykin/fedemsync/internal/registry"
	"github.com/loykin/fedemsync/internal/sched"
)

// LaunchFailed is returned by Run when the process could not be started.
const LaunchFailed = -1

// ExitFailure is the completion status reported for any unclean exit.
const ExitFailure = -1

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotResolved    = errors.New("program not found")
	ErrEmptyProgram   = errors.New("empty program")
)

// Registrar is the registry side of a handle's lifecycle.
type Registrar interface {
	AddProcess(p registry.Process)
	RemoveProcess(p registry.Process)
}

// Options describe one launch.
type Options struct {
	Program      string   // program name or path
	Args         []string // program arguments
	RemotePrefix []string // tokens prepended to the command line, e.g. ["ssh", "node1"]
	WorkDir      string
	Env          []string // complete environment; nil inherits the parent's
	SearchDirs   []string // directories searched before PATH
	Capture      logger.Config
}

// Config is fixed at construction.
type Config struct {
	Name      string
	GroupID   int
	Registry  Registrar
	Sched     sched.Scheduler
	Logger    *slog.Logger
	OnDone    func(exitStatus int)
	OnElapsed func(seconds int)
}

// Handle wraps one spawned external program. All methods except the output
// readers run on the scheduler goroutine.
type Handle struct {
	name    string
	group   int
	reg     Registrar
	sched   sched.Scheduler
	baseLog *slog.Logger
	log     *slog.Logger

	onDone    func(int)
	onElapsed func(int)

	state     State
	pid       int
	cmd       *exec.Cmd
	startedAt time.Time
	wall      time.Duration
	status    int
	killed    bool
	noDeath   bool
	ticker    sched.Timer
	ticks     int

	done    chan struct{}
	waitErr error
}

func New(cfg Config) *Handle {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Handle{
		name:      cfg.Name,
		group:     cfg.GroupID,
		reg:       cfg.Registry,
		sched:     cfg.Sched,
		baseLog:   l,
		log:       l.With("name", cfg.Name),
		onDone:    cfg.OnDone,
		onElapsed: cfg.OnElapsed,
		state:     Idle,
	}
}

func (h *Handle) PID() int     { return h.pid }
func (h *Handle) Name() string { return h.name }
func (h *Handle) GroupID() int { return h.group }
func (h *Handle) State() State { return h.state }

// ExitStatus is 0 after a clean exit and ExitFailure otherwise.
func (h *Handle) ExitStatus() int { return h.status }

// Elapsed returns the running time, or the wall time once finished.
func (h *Handle) Elapsed() time.Duration {
	if h.state == Running {
		return time.Since(h.startedAt)
	}
	return h.wall
}

// Running reports whether the process has been started and not yet reaped.
func (h *Handle) Running() bool { return h.state == Starting || h.state == Running }

func (h *Handle) Record() history.Record {
	return history.Record{
		Name:        h.name,
		PID:         h.pid,
		GroupID:     h.group,
		State:       h.state.String(),
		StartedAt:   h.startedAt,
		ExitStatus:  h.status,
		WallSeconds: h.wall.Seconds(),
	}
}

// Run starts the program and returns its PID, or LaunchFailed if the program
// cannot be resolved, cannot be started or the handle is already running.
func (h *Handle) Run(opts Options) int {
	pid, err := h.Start(opts)
	if err != nil {
		h.log.Error("launch failed", "program", opts.Program, "error", err)
		return LaunchFailed
	}
	return pid
}

// Start is Run with the failure reason.
func (h *Handle) Start(opts Options) (int, error) {
	if h.Running() {
		return LaunchFailed, ErrAlreadyRunning
	}
	name, args, err := commandLine(opts)
	if err != nil {
		return LaunchFailed, err
	}

	h.state = Starting
	// #nosec G204 solver programs are resolved from configured directories
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.WorkDir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.state = Idle
		return LaunchFailed, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.state = Idle
		return LaunchFailed, err
	}
	if err := cmd.Start(); err != nil {
		h.state = Idle
		return LaunchFailed, fmt.Errorf("start %s: %w", name, err)
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.wall = 0
	h.status = 0
	h.killed, h.noDeath = false, false
	h.ticks = 0
	h.log = h.baseLog.With("name", h.name, "pid", h.pid)
	h.done = make(chan struct{})
	h.state = Running

	h.attachOutput(opts.Capture, stdout, stderr)

	metrics.IncStart(h.name)
	h.log.Info("process started", "program", name, "args", args, "group", h.group)
	if h.reg != nil {
		h.reg.AddProcess(h)
	}
	if h.sched != nil {
		h.ticker = h.sched.Every(time.Second, h.tick)
	}
	return h.pid, nil
}

// attachOutput starts one reader per stream and a waiter that reaps the
// process once both streams are drained.
func (h *Handle) attachOutput(capture logger.Config, stdout, stderr io.Reader) {
	var outFile, errFile io.WriteCloser
	if capture.File.Enabled() {
		outFile, errFile, _ = capture.ProcessWriters(fmt.Sprintf("%s-%d", h.name, h.pid))
	}
	log := h.log
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); forwardLines(log, "stdout", stdout, outFile) }()
	go func() { defer wg.Done(); forwardLines(log, "stderr", stderr, errFile) }()

	cmd, done := h.cmd, h.done
	go func() {
		wg.Wait()
		err := cmd.Wait()
		for _, c := range []io.Closer{outFile, errFile} {
			if c != nil {
				_ = c.Close()
			}
		}
		h.waitErr = err
		close(done)
	}()
}

func (h *Handle) tick() {
	if h.state != Running {
		return
	}
	// one tick per second of scheduler time
	h.ticks++
	if h.onElapsed != nil {
		h.onElapsed(h.ticks)
	}
	_, _ = metrics.ObserveResources(h.name, h.pid)
}

// Update polls for process exit. On exit it stops the elapsed ticker, logs the
// wall time, invokes the completion callback at most once and deregisters.
func (h *Handle) Update() {
	if h.state != Running {
		return
	}
	select {
	case <-h.done:
	default:
		return
	}
	h.finish()
}

func (h *Handle) finish() {
	h.wall = time.Since(h.startedAt)
	h.status = exitStatus(h.waitErr)
	outcome := "ok"
	switch {
	case h.killed:
		h.state = Killed
		h.status = ExitFailure
		outcome = "killed"
	default:
		h.state = Finished
		if h.status != 0 {
			outcome = "failed"
		}
	}
	h.stopTicker()
	metrics.IncExit(h.name, outcome)
	metrics.ObserveWallTime(h.name, h.wall.Seconds())
	if h.status == 0 {
		h.log.Info("process finished", "wall_time", h.wall.Round(time.Millisecond).String())
	} else {
		h.log.Warn("process failed", "wall_time", h.wall.Round(time.Millisecond).String(), "outcome", outcome, "error", h.waitErr)
	}

	cb := h.onDone
	h.onDone = nil
	if cb != nil && !h.noDeath {
		cb(h.status)
	}
	if h.reg != nil {
		h.reg.RemoveProcess(h)
	}
}

// Kill requests termination of the process group. With noDeathHandling the
// completion callback is suppressed and the handle deregisters at once; the
// child is reaped in the background.
func (h *Handle) Kill(noDeathHandling bool) {
	if h.state != Running {
		return
	}
	h.killed = true
	h.noDeath = noDeathHandling
	if err := killTree(h.cmd); err != nil {
		h.log.Warn("kill failed", "error", err)
	}
	if noDeathHandling {
		h.onDone = nil
		h.wall = time.Since(h.startedAt)
		h.status = ExitFailure
		h.state = Killed
		h.stopTicker()
		metrics.IncExit(h.name, "killed")
		h.log.Info("process killed", "wall_time", h.wall.Round(time.Millisecond).String())
		if h.reg != nil {
			h.reg.RemoveProcess(h)
		}
	}
}

// Wait blocks until the process has been reaped. It is meant for callers
// outside the scheduler loop, e.g. tests and shutdown paths.
func (h *Handle) Wait(timeout time.Duration) bool {
	if h.done == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *Handle) stopTicker() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	return ExitFailure
}
