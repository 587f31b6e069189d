// Package rdbsync keeps the result index in step with running solvers: it arms
// header and data polling while any process group is active and flushes once
// more after the last process exits.
package rdbsync

import (
	"log/slog"
	"time"

	"github.com/loykin/fedemsync/internal/extractor"
	"github.com/loykin/fedemsync/internal/registry"
	"github.com/loykin/fedemsync/internal/sched"
)

// DefaultInterval is the header and data poll interval.
const DefaultInterval = 500 * time.Millisecond

// ModelSync brings the set of watched result files up to date with the model.
type ModelSync interface {
	SyncResultFiles() error
}

// Lifecycle is the registry side the coordinator listens to.
type Lifecycle interface {
	Subscribe(fn func(registry.Event)) func()
}

type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Coordinator drives the extractor from the registry lifecycle.
type Coordinator struct {
	ext      *extractor.Extractor
	model    ModelSync
	sched    sched.Scheduler
	log      *slog.Logger
	interval time.Duration

	headerTimer sched.Timer
	dataTimer   sched.Timer
	checking    bool

	unsubRegistry func()
	unsubExt      []func()
	onHeader      []extractor.Listener
	onData        []extractor.Listener
}

func New(reg Lifecycle, ext *extractor.Extractor, model ModelSync, s sched.Scheduler, cfg Config) *Coordinator {
	c := &Coordinator{
		ext:      ext,
		model:    model,
		sched:    s,
		log:      cfg.Logger,
		interval: cfg.Interval,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "rdbsync")
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if reg != nil {
		c.unsubRegistry = reg.Subscribe(c.onLifecycle)
	}
	return c
}

func (c *Coordinator) onLifecycle(e registry.Event) {
	switch e.Type {
	case registry.GroupStarted:
		if !c.checking {
			c.StartRDBChecking()
		}
	case registry.Finished:
		c.StopRDBChecking()
	}
}

// OnHeaderChanged registers a consumer of header changes seen while checking.
func (c *Coordinator) OnHeaderChanged(fn extractor.Listener) { c.onHeader = append(c.onHeader, fn) }

// OnDataChanged registers a consumer of data growth seen while checking.
func (c *Coordinator) OnDataChanged(fn extractor.Listener) { c.onData = append(c.onData, fn) }

// StartRDBChecking arms both poll timers and starts forwarding extractor events.
// Calling it while already checking is a no-op.
func (c *Coordinator) StartRDBChecking() {
	if c.checking {
		return
	}
	c.checking = true
	c.unsubExt = []func(){
		c.ext.OnHeaderChanged(c.fanOut(&c.onHeader)),
		c.ext.OnDataChanged(c.fanOut(&c.onData)),
	}
	c.headerTimer = c.sched.Every(c.interval, c.CheckForNewHeaders)
	c.dataTimer = c.sched.Every(c.interval, c.CheckForNewData)
	c.log.Debug("rdb checking started", "interval", c.interval.String())
}

// StopRDBChecking runs a final header and data check, disarms the timers and
// releases closed temporary result files.
func (c *Coordinator) StopRDBChecking() {
	if !c.checking {
		return
	}
	c.CheckForNewHeaders()
	c.CheckForNewData()
	for _, t := range []sched.Timer{c.headerTimer, c.dataTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.headerTimer, c.dataTimer = nil, nil
	for _, u := range c.unsubExt {
		u()
	}
	c.unsubExt = nil
	c.checking = false
	if released := c.ext.ReleaseClosedTempFiles(); len(released) > 0 {
		c.log.Info("released temporary result files", "files", released)
	}
	c.log.Debug("rdb checking stopped")
}

func (c *Coordinator) fanOut(list *[]extractor.Listener) extractor.Listener {
	return func(e *extractor.Extractor) {
		for _, fn := range append([]extractor.Listener(nil), *list...) {
			fn(e)
		}
	}
}

// CheckForNewHeaders picks up result files that appeared since the last check.
func (c *Coordinator) CheckForNewHeaders() {
	if c.model == nil {
		return
	}
	if err := c.model.SyncResultFiles(); err != nil {
		c.log.Warn("result file sync failed", "error", err)
	}
}

// CheckForNewData scans the watched files for appended content.
func (c *Coordinator) CheckForNewData() { c.ext.DoResultFilesUpdate() }

// Checking reports whether the poll timers are armed.
func (c *Coordinator) Checking() bool { return c.checking }

func (c *Coordinator) Interval() time.Duration { return c.interval }

// SetInterval changes the poll cadence of both timers. Non-positive values are ignored.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.interval = d
	for _, t := range []sched.Timer{c.headerTimer, c.dataTimer} {
		if t != nil {
			t.Reset(d)
		}
	}
}

// Close stops checking without the final flush and detaches from the registry.
func (c *Coordinator) Close() {
	for _, t := range []sched.Timer{c.headerTimer, c.dataTimer} {
		if t != nil {
			t.Stop()
		}
	}
	for _, u := range c.unsubExt {
		u()
	}
	c.unsubExt = nil
	c.checking = false
	if c.unsubRegistry != nil {
		c.unsubRegistry()
		c.unsubRegistry = nil
	}
}
