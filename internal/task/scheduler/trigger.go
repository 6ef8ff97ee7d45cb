package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"statbot/internal/storage"
)

// Trigger produces fire times for a job. Build one with Cron, Interval or Date.
type Trigger struct {
	kind  string
	expr  string
	every time.Duration
	at    time.Time
}

// Cron fires on a 5-field (or 6-field with seconds) cron expression evaluated
// in the scheduler timezone. Descriptors like "@daily" are accepted.
func Cron(expr string) Trigger { return Trigger{kind: storage.TriggerCron, expr: strings.TrimSpace(expr)} }

// Interval fires every period, first one period after the job is scheduled.
func Interval(every time.Duration) Trigger {
	return Trigger{kind: storage.TriggerInterval, every: every}
}

// Date fires once at the given instant, then the job is removed.
func Date(at time.Time) Trigger { return Trigger{kind: storage.TriggerDate, at: at} }

func (t Trigger) Kind() string { return t.kind }

// At is the instant of a date trigger and zero for the other kinds.
func (t Trigger) At() time.Time { return t.at }

func (t Trigger) String() string {
	switch t.kind {
	case storage.TriggerCron:
		return "cron(" + t.expr + ")"
	case storage.TriggerInterval:
		return "interval(" + t.every.String() + ")"
	case storage.TriggerDate:
		return "date(" + t.at.Format(time.RFC3339) + ")"
	default:
		return "trigger(?)"
	}
}

func (t Trigger) spec() string {
	switch t.kind {
	case storage.TriggerCron:
		return t.expr
	case storage.TriggerInterval:
		return t.every.String()
	case storage.TriggerDate:
		return t.at.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func triggerFromRecord(kind, spec string) (Trigger, error) {
	switch kind {
	case storage.TriggerCron:
		return Cron(spec), nil
	case storage.TriggerInterval:
		d, err := time.ParseDuration(spec)
		if err != nil {
			return Trigger{}, &TriggerError{Trigger: spec, Err: err}
		}
		return Interval(d), nil
	case storage.TriggerDate:
		at, err := time.Parse(time.RFC3339Nano, spec)
		if err != nil {
			return Trigger{}, &TriggerError{Trigger: spec, Err: err}
		}
		return Date(at), nil
	default:
		return Trigger{}, &TriggerError{Trigger: kind + ":" + spec, Err: errors.New("unknown trigger kind")}
	}
}

// schedule is a compiled trigger.
type schedule interface {
	// Next returns the first fire time strictly after t, or zero if none.
	Next(t time.Time) time.Time
}

type intervalSchedule struct{ every time.Duration }

// Next does not round to whole seconds, unlike cron.Every.
func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

type dateSchedule struct{ at time.Time }

func (s dateSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

func compileTrigger(p cron.Parser, loc *time.Location, t Trigger) (schedule, error) {
	switch t.kind {
	case storage.TriggerCron:
		if t.expr == "" {
			return nil, &TriggerError{Trigger: t.String(), Err: errors.New("empty cron expression")}
		}
		sched, err := p.Parse(t.expr)
		if err != nil {
			return nil, &TriggerError{Trigger: t.String(), Err: err}
		}
		if spec, ok := sched.(*cron.SpecSchedule); ok && loc != nil && !hasTZPrefix(t.expr) {
			spec.Location = loc
		}
		return sched, nil
	case storage.TriggerInterval:
		if t.every <= 0 {
			return nil, &TriggerError{Trigger: t.String(), Err: fmt.Errorf("interval must be > 0")}
		}
		return intervalSchedule{every: t.every}, nil
	case storage.TriggerDate:
		if t.at.IsZero() {
			return nil, &TriggerError{Trigger: t.String(), Err: errors.New("date required")}
		}
		return dateSchedule{at: t.at}, nil
	default:
		return nil, &TriggerError{Trigger: t.String(), Err: errors.New("trigger kind required")}
	}
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}

// firstFire is the first fire time of a freshly scheduled trigger.
// A date in the past is due immediately.
func firstFire(t Trigger, sched schedule, now time.Time) time.Time {
	if t.kind == storage.TriggerDate {
		return t.at
	}
	return sched.Next(now)
}
