// Package clock abstracts wall time and delayed callbacks so retry backoff
// and scheduling can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call stopped it.
	Stop() bool
}

// Alarm is a Timer that delivers on a channel.
type Alarm interface {
	Timer
	C() <-chan time.Time
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTimer(d time.Duration) Alarm
}

// Real is backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (Real) NewTimer(d time.Duration) Alarm { return realAlarm{t: time.NewTimer(d)} }

type realAlarm struct{ t *time.Timer }

func (a realAlarm) Stop() bool { return a.t.Stop() }
func (a realAlarm) C() <-chan time.Time { return a.t.C }

// Fake is a manually advanced clock. Timers fire synchronously inside Advance,
// in deadline order, on the calling goroutine.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	seq       uint64
	timers    []*fakeTimer
	durations []time.Duration
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, fn, false)
}

// NewTimer sends the fake time on C when Advance reaches the deadline.
// Alarms are left out of Pending and Durations.
func (f *Fake) NewTimer(d time.Duration) Alarm {
	ch := make(chan time.Time, 1)
	a := &fakeAlarm{ch: ch}
	a.fakeTimer = f.add(d, func() {
		select {
		case ch <- f.Now():
		default:
		}
	}, true)
	return a
}

func (f *Fake) add(d time.Duration, fn func(), alarm bool) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, at: f.now.Add(d), seq: f.seq, fn: fn, alarm: alarm}
	f.timers = append(f.timers, t)
	if !alarm {
		f.durations = append(f.durations, d)
	}
	return t
}

// Advance moves time forward by d and runs every timer that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.popDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

func (f *Fake) popDueLocked(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.Slice(f.timers, func(i, j int) bool {
		if f.timers[i].at.Equal(f.timers[j].at) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].at.Before(f.timers[j].at)
	})
	t := f.timers[0]
	if t.at.After(target) {
		return nil
	}
	f.timers = f.timers[1:]
	t.fired = true
	return t
}

// Pending reports AfterFunc timers that have neither fired nor been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.alarm {
			n++
		}
	}
	return n
}

// Durations returns every delay passed to AfterFunc, in call order.
func (f *Fake) Durations() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.durations...)
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	seq   uint64
	fn    func()
	fired bool
	alarm bool
}

type fakeAlarm struct {
	*fakeTimer
	ch chan time.Time
}

func (a *fakeAlarm) C() <-chan time.Time { return a.ch }

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.fired {
		return false
	}
	for i, x := range f.timers {
		if x == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}
