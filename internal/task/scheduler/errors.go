package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrNotFound       = errors.New("job not found")
	ErrUnknownTask    = errors.New("unknown task")
)

// TriggerError reports a trigger that cannot produce a fire time.
type TriggerError struct {
	Trigger string
	Err     error
}

func (e *TriggerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid trigger %q", e.Trigger)
	}
	return fmt.Sprintf("invalid trigger %q: %v", e.Trigger, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

func (e *TriggerError) Is(target error) bool { return target == ErrInvalidTrigger }

// NotFoundError reports an unknown job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %q not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
