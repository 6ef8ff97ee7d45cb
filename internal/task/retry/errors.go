package retry

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid retry state transition")

// TransientError marks a failed attempt that has another attempt scheduled.
type TransientError struct {
	Task    string
	Attempt int
	Wait    time.Duration
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed, retrying in %s: %v", e.Task, e.Attempt, e.Wait, e.Err)
}

func (e *TransientError) Unwrap() error     { return e.Err }
func (e *TransientError) ErrorType() string { return "transient" }

// TerminalError marks a run that ended without success.
type TerminalError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error     { return e.Err }
func (e *TerminalError) ErrorType() string { return "terminal" }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the run fails terminally without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
