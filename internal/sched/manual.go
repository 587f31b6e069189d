package sched

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler driven by Advance. It is intended for tests
// and for replaying tick sequences without a running loop.
type Manual struct {
	now    time.Duration
	seq    int
	timers []*manualTimer
	posted []func()
}

func NewManual() *Manual { return &Manual{} }

// Now returns the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration { return m.now }

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	m.seq++
	t := &manualTimer{m: m, fn: fn, interval: d, next: m.now + d, active: true, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Post(fn func()) { m.posted = append(m.posted, fn) }

// Drain runs every posted callback, including ones posted while draining.
func (m *Manual) Drain() {
	for len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		fn()
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline order.
// A timer fires at most once per elapsed interval; posted callbacks are drained
// after each fire.
func (m *Manual) Advance(d time.Duration) {
	end := m.now + d
	for {
		t := m.nextDue(end)
		if t == nil {
			break
		}
		m.now = t.next
		t.next += t.interval
		t.fn()
		m.Drain()
	}
	m.now = end
	m.Drain()
}

func (m *Manual) nextDue(end time.Duration) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.active && t.next <= end {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].next != due[j].next {
			return due[i].next < due[j].next
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

// Active returns the number of armed timers.
func (m *Manual) Active() int {
	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

type manualTimer struct {
	m        *Manual
	fn       func()
	interval time.Duration
	next     time.Duration
	active   bool
	seq      int
}

func (t *manualTimer) Stop() { t.active = false }

func (t *manualTimer) Reset(d time.Duration) {
	if d <= 0 {
		return
	}
	t.interval = d
	t.next = t.m.now + d
}

func (t *manualTimer) Interval() time.Duration { return t.interval }
func (t *manualTimer) Active() bool            { return t.active }
