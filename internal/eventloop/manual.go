package eventloop

import (
	"context"
	"sort"
	"time"
)

// Manual is a deterministic Runtime driven by the caller. Posted tasks run
// inline, timers fire only on Advance, and async work runs inline unless
// held. It is not safe for concurrent use.
type Manual struct {
	now     time.Duration
	seq     int
	timers  []*manualTimer
	holding bool
	pending []func()
}

// NewManual returns a manual runtime at time zero.
func NewManual() *Manual {
	return &Manual{}
}

type manualTimer struct {
	at   time.Duration
	seq  int
	fn   func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Post implements Runtime.
func (m *Manual) Post(fn func()) bool {
	fn()
	return true
}

// Call implements Runtime.
func (m *Manual) Call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

// AfterFunc implements Runtime.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Async implements Runtime.
func (m *Manual) Async(ctx context.Context, work func(context.Context) error, then func(error)) {
	run := func() {
		err := work(ctx)
		if then != nil {
			then(err)
		}
	}
	if m.holding {
		m.pending = append(m.pending, run)
		return
	}
	run()
}

// Now returns the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration { return m.now }

// Advance moves virtual time forward by d, firing due timers in order.
// Timers armed by fired timers run too if they fall within the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		next.done = true
		next.fn()
	}
	m.now = target
	m.compact()
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.done && t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live
}

// Armed returns the number of timers that have neither fired nor been
// stopped.
func (m *Manual) Armed() int {
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// NextIn returns how long until the earliest armed timer fires.
func (m *Manual) NextIn() (time.Duration, bool) {
	var best *manualTimer
	for _, t := range m.timers {
		if t.done {
			continue
		}
		if best == nil || t.at < best.at {
			best = t
		}
	}
	if best == nil {
		return 0, false
	}
	return best.at - m.now, true
}

// HoldAsync makes Async queue its work until Flush is called.
func (m *Manual) HoldAsync(hold bool) { m.holding = hold }

// Pending returns the number of held async routines.
func (m *Manual) Pending() int { return len(m.pending) }

// Flush runs held async routines, including ones queued while flushing.
func (m *Manual) Flush() {
	for len(m.pending) > 0 {
		run := m.pending[0]
		m.pending = m.pending[1:]
		run()
	}
}
