package engine

import (
	"strings"
	"sync"
	"sync/atomic"
)

// RunState marks a task as running. A run holds it from enqueue until its
// last attempt ends, pending retries included.
type RunState struct {
	held atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.held.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.held.Store(false)
	}
}

// Running reports whether a run currently holds the state.
func (s *RunState) Running() bool {
	return s != nil && s.held.Load()
}

// runStates hands out one RunState per task name.
type runStates struct {
	mu sync.Mutex
	m  map[string]*RunState
}

func (r *runStates) get(name string) *RunState {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]*RunState)
	}
	st, ok := r.m[key]
	if !ok {
		st = &RunState{}
		r.m[key] = st
	}
	return st
}
