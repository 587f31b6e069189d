// Package batch turns batch directives into solver launches. A prepare request
// writes the stage input files and launches nothing; a solve request runs the
// listed stages one after another through the process registry.
package batch

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/fedemsync/internal/logger"
	"github.com/loykin/fedemsync/internal/process"
	"github.com/loykin/fedemsync/internal/sched"
)

// Launch holds the settings shared by every solver launch.
type Launch struct {
	SearchDirs   []string
	RemotePrefix []string
	Env          []string
	Capture      logger.Config
}

type Config struct {
	WorkDir  string
	Registry process.Registrar
	Sched    sched.Scheduler
	Logger   *slog.Logger
	Analysis *Analysis
	Launch   Launch

	// FirstGroup is the group id of the first launched stage.
	FirstGroup int

	OnStageStarted func(s Stage, dir string)
	OnStageDone    func(s Stage, exitStatus int)
}

// Orchestrator runs one batch. It must only be used from the scheduler goroutine.
type Orchestrator struct {
	cfg       Config
	log       *slog.Logger
	analysis  Analysis
	timeRange *TimeRange

	chain      []Stage
	pos        int
	eventsFile string
	group      int
	handles    []*process.Handle
	failed     bool
	done       bool
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg, log: cfg.Logger, group: cfg.FirstGroup}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "batch")
	if cfg.Analysis != nil {
		o.analysis = *cfg.Analysis
	} else {
		o.analysis = DefaultAnalysis()
	}
	return o
}

// SetupBatch acts on d. It returns true when processes were launched and the
// caller should wait for them, false when there is nothing to wait for.
func (o *Orchestrator) SetupBatch(d Directives) (bool, error) {
	o.timeRange = d.TimeRange
	o.eventsFile = d.EventsFile
	if d.Prepare != nil {
		return false, o.prepare(*d.Prepare)
	}
	if len(d.Solve) == 0 {
		return false, nil
	}
	o.chain = append([]Stage(nil), d.Solve...)
	o.pos = 0
	if !o.next() {
		return false, errors.New("no batch stage could be launched")
	}
	return true, nil
}

// Analysis returns the analysis settings as last written to an option file.
func (o *Orchestrator) Analysis() Analysis { return o.analysis }

// Handles returns every process launched so far.
func (o *Orchestrator) Handles() []*process.Handle {
	return append([]*process.Handle(nil), o.handles...)
}

// Done reports whether the solve chain has ended; Failed whether a stage failed.
func (o *Orchestrator) Done() bool   { return o.done }
func (o *Orchestrator) Failed() bool { return o.failed }

func (o *Orchestrator) stageDir(s Stage) string { return filepath.Join(o.cfg.WorkDir, s.Dir()) }

func (o *Orchestrator) optionsFor(s Stage, event string) []string {
	if s == Stress && o.timeRange != nil {
		o.analysis.Apply(*o.timeRange)
	}
	return o.analysis.options(s, event)
}

func (o *Orchestrator) prepare(s Stage) error {
	if s == Events {
		events, err := o.readEvents()
		if err != nil {
			return err
		}
		for i, ev := range events {
			dir := o.eventDir(i)
			if _, err := writeOptionFile(dir, s, o.optionsFor(s, ev)); err != nil {
				return err
			}
		}
		o.log.Info("batch prepared", "stage", s.String(), "events", len(events))
		return nil
	}
	path, err := writeOptionFile(o.stageDir(s), s, o.optionsFor(s, ""))
	if err != nil {
		o.log.Error("batch prepare failed", "stage", s.String(), "error", err)
		return err
	}
	o.log.Info("batch prepared", "stage", s.String(), "file", path)
	return nil
}

// next launches the next stage of the chain that can be set up, skipping the
// ones that cannot. It reports whether anything was launched.
func (o *Orchestrator) next() bool {
	for o.pos < len(o.chain) {
		s := o.chain[o.pos]
		o.pos++
		if err := o.launchStage(s); err != nil {
			o.log.Error("batch stage skipped", "stage", s.String(), "error", err)
			continue
		}
		return true
	}
	o.done = true
	return false
}

func (o *Orchestrator) launchStage(s Stage) error {
	if s == Events {
		return o.launchEvents()
	}
	dir := o.stageDir(s)
	fco, err := writeOptionFile(dir, s, o.optionsFor(s, ""))
	if err != nil {
		return err
	}
	if err := o.spawn(s, dir, fco, func(status int) { o.stageDone(s, status) }); err != nil {
		return err
	}
	if o.cfg.OnStageStarted != nil {
		o.cfg.OnStageStarted(s, dir)
	}
	return nil
}

func (o *Orchestrator) spawn(s Stage, dir, fco string, onDone func(int)) error {
	o.group++
	h := process.New(process.Config{
		Name:     s.Program(),
		GroupID:  o.group,
		Registry: o.cfg.Registry,
		Sched:    o.cfg.Sched,
		Logger:   o.cfg.Logger,
		OnDone:   onDone,
	})
	l := o.cfg.Launch
	_, err := h.Start(process.Options{
		Program:      s.Program(),
		Args:         []string{"-fco", fco},
		RemotePrefix: l.RemotePrefix,
		WorkDir:      dir,
		Env:          l.Env,
		SearchDirs:   l.SearchDirs,
		Capture:      l.Capture,
	})
	if err != nil {
		return err
	}
	o.handles = append(o.handles, h)
	return nil
}

func (o *Orchestrator) stageDone(s Stage, status int) {
	if o.cfg.OnStageDone != nil {
		o.cfg.OnStageDone(s, status)
	}
	if status != 0 {
		o.failed = true
		o.done = true
		o.log.Error("batch stage failed", "stage", s.String(), "status", status)
		return
	}
	o.log.Info("batch stage done", "stage", s.String())
	if !o.next() {
		o.log.Info("batch finished", "failed", o.failed)
	}
}

func (o *Orchestrator) eventDir(i int) string {
	return filepath.Join(o.stageDir(Events), strconv.Itoa(i+1))
}

// readEvents returns the non-empty, non-comment lines of the events file.
func (o *Orchestrator) readEvents() ([]string, error) {
	if o.eventsFile == "" {
		return nil, errors.New("events stage requires an events file")
	}
	f, err := os.Open(o.eventsFile)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("events file lists no events")
	}
	return out, nil
}

// launchEvents starts one solver per event, each in its own group. The stage
// completes when the last of them exits and fails if any of them failed.
func (o *Orchestrator) launchEvents() error {
	events, err := o.readEvents()
	if err != nil {
		return err
	}
	remaining, status := 0, 0
	onDone := func(s int) {
		if s != 0 {
			status = process.ExitFailure
		}
		remaining--
		if remaining == 0 {
			o.stageDone(Events, status)
		}
	}
	for i, ev := range events {
		dir := o.eventDir(i)
		fco, err := writeOptionFile(dir, Events, o.optionsFor(Events, ev))
		if err == nil {
			err = o.spawn(Events, dir, fco, onDone)
		}
		if err != nil {
			o.log.Error("event skipped", "event", ev, "error", err)
			status = process.ExitFailure
			continue
		}
		remaining++
		if o.cfg.OnStageStarted != nil {
			o.cfg.OnStageStarted(Events, dir)
		}
	}
	if remaining == 0 {
		return errors.New("no event could be launched")
	}
	return nil
}
