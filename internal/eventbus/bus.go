package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the task runtime and the app.
const (
	TaskStarted  = "task.started"
	TaskRetrying = "task.retrying"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	JobAdded   = "job.added"
	JobRemoved = "job.removed"

	ConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks. A subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch       chan Event
	exact    map[string]bool
	prefixes []string
}

func newSubscriber(buffer int, types []string) *subscriber {
	s := &subscriber{ch: make(chan Event, buffer)}
	for _, t := range types {
		if p, ok := strings.CutSuffix(t, "*"); ok {
			s.prefixes = append(s.prefixes, p)
			continue
		}
		if s.exact == nil {
			s.exact = make(map[string]bool)
		}
		s.exact[t] = true
	}
	return s
}

// wants matches exact types and prefix patterns written as "task.*". A
// subscriber without patterns gets everything.
func (s *subscriber) wants(typ string) bool {
	if s.exact == nil && s.prefixes == nil {
		return true
	}
	if s.exact[typ] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Publish sends under the read lock and unsubscribe closes under the
	// write lock, so a send never hits a closed channel.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := newSubscriber(buffer, types)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
