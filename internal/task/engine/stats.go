package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"statbot/internal/eventbus"
	logx "statbot/pkg/logx"
)

const warnEvery = 5 * time.Second

// history keeps the most recent attempts.
type history struct {
	mu    sync.Mutex
	limit int
	items []Attempt
}

func (h *history) add(a Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, a)
	if n := len(h.items) - max(h.limit, 1); n > 0 {
		h.items = append(h.items[:0], h.items[n:]...)
	}
}

func (h *history) setLimit(n int) {
	h.mu.Lock()
	h.limit = n
	h.mu.Unlock()
}

func (h *history) list() []Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Attempt(nil), h.items...)
}

// dropStats counts dropped work and throttles the matching warnings.
type dropStats struct {
	queueFull atomic.Uint64
	stale     atomic.Uint64

	lastFullWarn  atomic.Int64
	lastStaleWarn atomic.Int64
}

func (d *dropStats) total() uint64 { return d.queueFull.Load() + d.stale.Load() }

// allow reports whether a warning guarded by last may be logged at now.
func allow(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) record(a Attempt) { s.hist.add(a) }

func (s *Service) publish(typ string, a Attempt) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: a})
	}
}

func (s *Service) dropQueueFull(now time.Time, qt queuedTask, q chan queuedTask) {
	n := s.drops.queueFull.Add(1)
	// A retry still holds the overlap state taken by its first enqueue.
	if qt.run.Abandon(ErrQueueFull) && qt.run.Attempt() > 0 && qt.track {
		qt.state.release()
	}
	a := Attempt{ID: qt.task.ID, Task: qt.task.Name, Attempt: qt.run.Attempt(), Started: now, Outcome: OutcomeDropped, Error: "queue_full"}
	s.record(a)
	s.publish(eventbus.TaskDropped, a)
	if allow(&s.drops.lastFullWarn, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) dropStale(now time.Time, qt queuedTask, delay time.Duration) {
	n := s.drops.stale.Add(1)
	a := Attempt{ID: qt.task.ID, Task: qt.task.Name, Attempt: qt.run.Attempt(), Started: now, QueueDelay: delay, Outcome: OutcomeDropped, Error: "stale_queue_delay"}
	s.record(a)
	s.publish(eventbus.TaskDropped, a)
	if allow(&s.drops.lastStaleWarn, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", n),
		)
	}
}
