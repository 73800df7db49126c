package engine

import (
	"context"
	"time"
)

// minTimerDelay is the clamp applied to timer delays, as browsers and
// Node do for zero or negative values.
const minTimerDelay = time.Millisecond

type timer struct {
	id    int64
	seq   int64
	due   time.Time
	every time.Duration
	fn    func() error
}

// loop is a single-goroutine event loop. Timers are kept on the VM
// goroutine and fired in (due, creation) order; completions from other
// goroutines, such as finished fetches, arrive through the inbox.
type loop struct {
	timers   map[int64]*timer
	nextID   int64
	seq      int64
	inbox    chan func() error
	closed   chan struct{}
	inflight int
	now      func() time.Time
}

func newLoop() *loop {
	return &loop{
		timers: make(map[int64]*timer),
		inbox:  make(chan func() error, 16),
		closed: make(chan struct{}),
		now:    time.Now,
	}
}

// setTimer schedules fn after delay, repeating when every is true.
// It must be called from the VM goroutine.
func (l *loop) setTimer(fn func() error, delay time.Duration, every bool) int64 {
	if delay < minTimerDelay {
		delay = minTimerDelay
	}
	l.nextID++
	l.seq++
	t := &timer{id: l.nextID, seq: l.seq, due: l.now().Add(delay), fn: fn}
	if every {
		t.every = delay
	}
	l.timers[t.id] = t
	return t.id
}

// setImmediate queues fn ahead of any timer that is not yet due.
func (l *loop) setImmediate(fn func() error) int64 {
	l.nextID++
	l.seq++
	t := &timer{id: l.nextID, seq: l.seq, due: l.now(), fn: fn}
	l.timers[t.id] = t
	return t.id
}

func (l *loop) clearTimer(id int64) {
	delete(l.timers, id)
}

// begin registers an operation running off the VM goroutine; its
// completion must be delivered with post.
func (l *loop) begin() { l.inflight++ }

// post hands a completion to the VM goroutine. It never blocks once the
// loop is closed, so late completions are dropped.
func (l *loop) post(fn func() error) {
	select {
	case l.inbox <- fn:
	case <-l.closed:
	}
}

// idle reports whether nothing is scheduled or in flight.
func (l *loop) idle() bool {
	return len(l.timers) == 0 && l.inflight == 0
}

func (l *loop) next() *timer {
	var best *timer
	for _, t := range l.timers {
		if best == nil || t.due.Before(best.due) || t.due.Equal(best.due) && t.seq < best.seq {
			best = t
		}
	}
	return best
}

// runOnce runs the next due timer or inbox completion, waiting for one if
// needed. It returns ctx.Err() when the context ends first and
// errLoopIdle when there is nothing left that could ever run.
func (l *loop) runOnce(ctx context.Context) error {
	if l.idle() {
		return errLoopIdle
	}
	var wait <-chan time.Time
	if t := l.next(); t != nil {
		d := t.due.Sub(l.now())
		if d <= 0 {
			return l.fire(t)
		}
		tm := time.NewTimer(d)
		defer tm.Stop()
		wait = tm.C
	}
	select {
	case fn := <-l.inbox:
		l.inflight--
		return fn()
	case <-wait:
		if t := l.next(); t != nil && !t.due.After(l.now()) {
			return l.fire(t)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loop) fire(t *timer) error {
	if t.every > 0 {
		l.seq++
		t.seq = l.seq
		t.due = l.now().Add(t.every)
	} else {
		delete(l.timers, t.id)
	}
	return t.fn()
}

// close stops accepting completions and forgets pending timers.
func (l *loop) close() {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	l.timers = make(map[int64]*timer)
}
