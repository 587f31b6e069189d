// Package sched provides the cooperative, single-threaded scheduling model used by
// the registry, the result extractor and the RDB coordinator.
//
// All callbacks registered on a Scheduler run serially on one goroutine, so the
// packages built on top of it need no locks for their own state. Goroutines that
// perform blocking I/O hand their results back through Post.
package sched

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs callbacks serially.
type Scheduler interface {
	// Every arms a repeating timer that invokes fn once per interval.
	Every(d time.Duration, fn func()) Timer
	// Post enqueues fn to run on the scheduler goroutine.
	Post(fn func())
}

// Timer is a repeating timer created by a Scheduler.
type Timer interface {
	Stop()
	Reset(d time.Duration)
	Interval() time.Duration
	Active() bool
}

// Loop is the real-time Scheduler. Run must be called for callbacks to execute.
type Loop struct {
	tasks chan func()
	once  sync.Once
	done  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{tasks: make(chan func(), 256), done: make(chan struct{})}
}

// Run executes queued callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post enqueues fn. It drops fn once the loop has stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	t := &loopTimer{loop: l, fn: fn, interval: d, stop: make(chan struct{}), reset: make(chan time.Duration, 1)}
	t.active = true
	go t.run()
	return t
}

type loopTimer struct {
	loop  *Loop
	fn    func()
	stop  chan struct{}
	reset chan time.Duration

	mu       sync.Mutex
	interval time.Duration
	active   bool
	queued   bool
}

func (t *loopTimer) run() {
	tk := time.NewTicker(t.Interval())
	defer tk.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-t.loop.done:
			return
		case d := <-t.reset:
			tk.Reset(d)
		case <-tk.C:
			t.mu.Lock()
			if t.queued || !t.active {
				t.mu.Unlock()
				continue
			}
			t.queued = true
			t.mu.Unlock()
			t.loop.Post(t.fire)
		}
	}
}

func (t *loopTimer) fire() {
	t.mu.Lock()
	t.queued = false
	active := t.active
	t.mu.Unlock()
	if active {
		t.fn()
	}
}

func (t *loopTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	close(t.stop)
}

func (t *loopTimer) Reset(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.interval = d
	active := t.active
	t.mu.Unlock()
	if !active {
		return
	}
	select {
	case t.reset <- d:
	default:
		// a pending reset is replaced by the newest interval
		select {
		case <-t.reset:
		default:
		}
		t.reset <- d
	}
}

func (t *loopTimer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *loopTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
