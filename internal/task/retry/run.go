package retry

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Pending State = iota
	Retrying
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Run tracks one logical run of a task across its attempts.
//
//	Pending --Succeed--> Succeeded
//	Pending --Fail-----> Retrying(attempt, deadline) | Failed
//	Retrying --Resume--> Pending (attempt+1)
//	Pending|Retrying --Abandon--> Failed
type Run struct {
	task   string
	policy Policy

	mu       sync.Mutex
	state    State
	attempt  int
	deadline time.Time
	waits    []time.Duration
	err      error
}

func NewRun(task string, p Policy) *Run {
	return &Run{task: task, policy: p}
}

func (r *Run) Task() string { return r.task }

func (r *Run) Policy() Policy { return r.policy }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt is the number of the current (or last) attempt.
func (r *Run) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Deadline is when a Retrying run becomes due again.
func (r *Run) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

// Waits lists the backoff delays issued so far.
func (r *Run) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// Err is the last attempt error, nil after success.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) Done() bool {
	s := r.State()
	return s == Succeeded || s == Failed
}

func (r *Run) Succeed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, Succeeded)
	}
	r.state = Succeeded
	r.err = nil
	return nil
}

// Fail records a failed attempt. The returned error is a *TransientError when
// another attempt is scheduled at Deadline, or a *TerminalError otherwise.
func (r *Run) Fail(cause error, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending {
		return fmt.Errorf("%w: %s -> failure", ErrInvalidTransition, r.state)
	}
	r.err = cause
	next := r.attempt + 1
	if IsPermanent(cause) || !r.policy.ShouldRetry(next) {
		r.state = Failed
		return &TerminalError{Task: r.task, Attempts: next, Err: cause}
	}
	wait := r.policy.WaitTime(r.attempt)
	r.state = Retrying
	r.deadline = now.Add(wait)
	r.waits = append(r.waits, wait)
	return &TransientError{Task: r.task, Attempt: r.attempt, Wait: wait, Err: cause}
}

// Resume moves a Retrying run back to Pending for its next attempt.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Retrying {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, Pending)
	}
	r.state = Pending
	r.attempt++
	r.deadline = time.Time{}
	return nil
}

// Abandon ends a run that will never be attempted again (shutdown, dropped).
// It reports false when the run had already finished.
func (r *Run) Abandon(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Succeeded || r.state == Failed {
		return false
	}
	r.state = Failed
	if cause != nil {
		r.err = cause
	}
	return true
}
