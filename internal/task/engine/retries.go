package engine

import (
	"sync"
	"time"

	"statbot/internal/task/clock"
)

// retryTimers holds runs parked between attempts.
type retryTimers struct {
	mu     sync.Mutex
	closed bool
	seq    uint64
	parked map[uint64]*parkedRun
}

type parkedRun struct {
	timer clock.Timer
	qt    queuedTask
}

// park arranges for fire(qt) after wait. It reports false once closed.
func (r *retryTimers) park(c clock.Clock, wait time.Duration, qt queuedTask, fire func(queuedTask)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.parked == nil {
		r.parked = make(map[uint64]*parkedRun)
	}
	r.seq++
	key := r.seq
	p := &parkedRun{qt: qt}
	r.parked[key] = p
	p.timer = c.AfterFunc(wait, func() {
		if qt, ok := r.take(key); ok {
			fire(qt)
		}
	})
	return true
}

func (r *retryTimers) take(key uint64) (queuedTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parked[key]
	if !ok || r.closed {
		return queuedTask{}, false
	}
	delete(r.parked, key)
	return p.qt, true
}

// closeAll stops every timer and refuses further parking until reopen. The
// runs that were parked are returned.
func (r *retryTimers) closeAll() []queuedTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]queuedTask, 0, len(r.parked))
	for key, p := range r.parked {
		p.timer.Stop()
		out = append(out, p.qt)
		delete(r.parked, key)
	}
	return out
}

func (r *retryTimers) reopen() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

func (r *retryTimers) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}
