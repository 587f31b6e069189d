package registry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/fedemsync/internal/history"
	"github.com/loykin/fedemsync/internal/metrics"
	"github.com/loykin/fedemsync/internal/sched"
)

// DefaultInterval is the registry tick used when none is configured.
const DefaultInterval = time.Second

// Process is the view the registry has of one spawned program.
// Update is called once per tick while the process is registered; it may
// remove the process (or another one) from the registry.
type Process interface {
	PID() int
	Name() string
	GroupID() int
	Update()
	Kill(noDeathHandling bool)
}

// Recordable is implemented by processes that can describe themselves to history sinks.
type Recordable interface {
	Record() history.Record
}

// Progress is the progress display reset when the last process finishes.
type Progress interface {
	Reset()
	SetSubTask(label string)
}

type noProgress struct{}

func (noProgress) Reset()            {}
func (noProgress) SetSubTask(string) {}

// Config configures a Registry.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	Progress Progress
}

// Registry owns all live processes, grouped by caller-assigned group id, and polls
// them on a fixed tick. It must only be used from the scheduler goroutine.
type Registry struct {
	sched    sched.Scheduler
	log      *slog.Logger
	progress Progress

	groups map[int][]Process
	total  int
	subs   []*subscriber
	hist   *historyQueue

	interval time.Duration
	timer    sched.Timer
}

type subscriber struct{ fn func(Event) }

func New(s sched.Scheduler, cfg Config) *Registry {
	r := &Registry{
		sched:    s,
		log:      cfg.Logger,
		progress: cfg.Progress,
		groups:   make(map[int][]Process),
		interval: cfg.Interval,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.progress == nil {
		r.progress = noProgress{}
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	return r
}

// historyQueueSize bounds the events waiting for slow sinks. Events beyond it
// are dropped with a warning.
const historyQueueSize = 1024

// historyQueue delivers events to the sinks from a single goroutine so each
// sink sees them in registration order.
type historyQueue struct {
	ch   chan history.Event
	done chan struct{}
}

func (r *Registry) runHistory(q *historyQueue, sinks []history.Sink) {
	defer close(q.done)
	for evt := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, s := range sinks {
			if err := s.Send(ctx, evt); err != nil {
				r.log.Warn("history sink failed", "event", string(evt.Type), "name", evt.Record.Name, "error", err)
			}
		}
		cancel()
	}
}

// SetHistorySinks configures sinks receiving a record for every added and removed
// process. Passing no sinks clears the list. Events queued for the previous
// sinks are delivered before this returns.
func (r *Registry) SetHistorySinks(sinks ...history.Sink) {
	r.closeHistory()
	if len(sinks) == 0 {
		return
	}
	q := &historyQueue{ch: make(chan history.Event, historyQueueSize), done: make(chan struct{})}
	r.hist = q
	go r.runHistory(q, append([]history.Sink(nil), sinks...))
}

func (r *Registry) closeHistory() {
	if r.hist == nil {
		return
	}
	close(r.hist.ch)
	<-r.hist.done
	r.hist = nil
}

// Close delivers pending history events and stops the history worker.
func (r *Registry) Close() { r.closeHistory() }

// Subscribe registers fn for lifecycle events and returns a function that removes it.
func (r *Registry) Subscribe(fn func(Event)) func() {
	s := &subscriber{fn: fn}
	r.subs = append(r.subs, s)
	return func() {
		for i, x := range r.subs {
			if x == s {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) emit(e Event) {
	metrics.IncLifecycle(e.Type.String())
	r.log.Debug("registry event", "event", e.Type.String(), "group", e.GroupID)
	subs := append([]*subscriber(nil), r.subs...)
	for _, s := range subs {
		s.fn(e)
	}
}

func indexOf(list []Process, p Process) int {
	for i, x := range list {
		if x == p {
			return i
		}
	}
	return -1
}

// AddProcess inserts p into its group bucket. Adding a process twice is a no-op.
func (r *Registry) AddProcess(p Process) {
	gid := p.GroupID()
	bucket := r.groups[gid]
	if indexOf(bucket, p) >= 0 {
		return
	}
	r.groups[gid] = append(bucket, p)
	r.total++
	metrics.SetRunning(r.total)
	r.record(history.EventStart, p)

	if r.total == 1 {
		r.emit(Event{Type: Started})
	}
	if len(r.groups[gid]) == 1 {
		r.emit(Event{Type: GroupStarted, GroupID: gid})
	}
}

// RemoveProcess erases p from its bucket. Removing an unknown process is a no-op.
func (r *Registry) RemoveProcess(p Process) {
	gid := p.GroupID()
	bucket := r.groups[gid]
	i := indexOf(bucket, p)
	if i < 0 {
		return
	}
	bucket = append(bucket[:i:i], bucket[i+1:]...)
	if len(bucket) == 0 {
		delete(r.groups, gid)
	} else {
		r.groups[gid] = bucket
	}
	r.total--
	metrics.SetRunning(r.total)
	r.record(history.EventFinish, p)

	if len(bucket) == 0 {
		r.emit(Event{Type: GroupFinished, GroupID: gid})
	}
	if r.total == 0 {
		r.progress.Reset()
		r.progress.SetSubTask("")
		r.emit(Event{Type: Finished})
	}
}

func (r *Registry) record(t history.EventType, p Process) {
	if r.hist == nil {
		return
	}
	rec := history.Record{Name: p.Name(), PID: p.PID(), GroupID: p.GroupID()}
	if rp, ok := p.(Recordable); ok {
		rec = rp.Record()
	}
	select {
	case r.hist.ch <- history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}:
	default:
		r.log.Warn("history queue full, event dropped", "event", string(t), "name", rec.Name)
	}
}

// snapshot returns every registered process ordered by group id, then insertion.
func (r *Registry) snapshot() []Process {
	ids := r.Groups()
	out := make([]Process, 0, r.total)
	for _, id := range ids {
		out = append(out, r.groups[id]...)
	}
	return out
}

// Check visits every process registered at tick start exactly once. Processes
// removed during the tick are still visited; their Update is expected to be a
// no-op once they are no longer running. Processes added during the tick are
// visited on the next one.
func (r *Registry) Check() {
	for _, p := range r.snapshot() {
		p.Update()
	}
}

// KillAll force-terminates every registered process without death handling and
// drops them from the registry.
func (r *Registry) KillAll() {
	procs := r.snapshot()
	if len(procs) > 0 {
		r.log.Info("killing all processes", "count", len(procs))
	}
	for _, p := range procs {
		p.Kill(true)
		r.RemoveProcess(p)
	}
}

// Start arms the polling tick.
func (r *Registry) Start() { r.CheckOnInterval(true) }

// CheckOnInterval pauses (false) or resumes (true) the tick without touching
// registered processes.
func (r *Registry) CheckOnInterval(on bool) {
	if on {
		if r.timer == nil || !r.timer.Active() {
			r.timer = r.sched.Every(r.interval, r.Check)
		}
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// SetInterval changes the tick cadence; an armed tick is rescheduled.
func (r *Registry) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.interval = d
	if r.timer != nil && r.timer.Active() {
		r.timer.Reset(d)
	}
}

func (r *Registry) Interval() time.Duration { return r.interval }

// Checking reports whether the tick is armed.
func (r *Registry) Checking() bool { return r.timer != nil && r.timer.Active() }

// Count returns the number of registered processes.
func (r *Registry) Count() int { return r.total }

// GroupCount returns the number of processes registered in group id.
func (r *Registry) GroupCount(id int) int { return len(r.groups[id]) }

// Groups returns the non-empty group ids in ascending order.
func (r *Registry) Groups() []int {
	ids := make([]int, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Processes returns a snapshot of all registered processes.
func (r *Registry) Processes() []Process { return r.snapshot() }
