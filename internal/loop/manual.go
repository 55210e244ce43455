package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Executor for tests. Time stands still until
// Advance is called; timer callbacks and posted tasks run synchronously on
// the calling goroutine.
type Manual struct {
	now     time.Time
	queue   []func()
	timers  []*manualTimer
	nextSeq uint64
}

var _ Executor = (*Manual)(nil)

type manualTimer struct {
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewManual returns a Manual executor starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time { return m.now }

// Post queues fn. It runs on the next Flush or Advance.
func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

// AfterFunc registers fn to run when the clock reaches now+d. A
// non-positive d fires on the next Advance or Flush.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.nextSeq++
	t := &manualTimer{deadline: m.now.Add(d), seq: m.nextSeq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Flush runs posted tasks and already-due timers until nothing is left.
func (m *Manual) Flush() {
	for {
		if len(m.queue) > 0 {
			fn := m.queue[0]
			m.queue = m.queue[1:]
			fn()
			continue
		}
		t := m.nextDue(m.now)
		if t == nil {
			return
		}
		t.done = true
		t.fn()
	}
}

// Advance moves the clock forward by d, firing timers in deadline order.
// The clock reads each timer's deadline while its callback runs, and
// posted tasks are drained after every callback.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.Flush()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		t.done = true
		t.fn()
		m.Flush()
	}
	m.now = target
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// nextDue returns the earliest armed timer due at or before limit and
// prunes finished timers.
func (m *Manual) nextDue(limit time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].deadline.Equal(live[j].deadline) {
			return live[i].seq < live[j].seq
		}
		return live[i].deadline.Before(live[j].deadline)
	})
	if live[0].deadline.After(limit) {
		return nil
	}
	return live[0]
}
