package app

import (
	"context"
	"time"

	"statbot/internal/metrics"
	"statbot/internal/task/scheduler"
)

type healthReport struct {
	Status    string          `json:"status"`
	Redis     string          `json:"redis"`
	Telegram  bool            `json:"telegram"`
	Scheduler schedulerHealth `json:"scheduler"`
	Tasks     metrics.Summary `json:"tasks"`
	Notifier  bool            `json:"notifier"`
	Events    uint64          `json:"events_dropped"`
}

type schedulerHealth struct {
	Running  bool       `json:"running"`
	Timezone string     `json:"timezone"`
	Jobs     []jobState `json:"jobs"`
	Queued   int        `json:"queued"`
}

type jobState struct {
	ID       string    `json:"id"`
	Task     string    `json:"task"`
	Trigger  string    `json:"trigger"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
	Running  bool      `json:"running"`
	Orphaned bool      `json:"orphaned,omitempty"`
}

// health backs /healthz. Status is "degraded" while Redis is unreachable
// or the scheduler is not running.
func (a *App) health() any {
	snap := a.sched.Snapshot()
	rep := healthReport{
		Status:   "ok",
		Redis:    "ok",
		Telegram: a.adapter != nil,
		Notifier: a.notif.Enabled(),
		Events:   a.bus.Dropped(),
		Scheduler: schedulerHealth{
			Running:  snap.Running,
			Timezone: snap.Timezone,
			Jobs:     jobStates(snap.Jobs),
			Queued:   snap.Engine.QueueLen,
		},
	}
	if sum, err := a.metrics.Summary(); err == nil {
		rep.Tasks = sum
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.activity.Ping(ctx); err != nil {
		rep.Redis = err.Error()
		rep.Status = "degraded"
	}
	if snap.Enabled && !snap.Running {
		rep.Status = "degraded"
	}
	return rep
}

func jobStates(in []scheduler.JobInfo) []jobState {
	out := make([]jobState, 0, len(in))
	for _, j := range in {
		out = append(out, jobState{
			ID:       j.ID,
			Task:     j.Task,
			Trigger:  j.Trigger,
			Next:     j.Next,
			Prev:     j.Prev,
			Running:  j.Running,
			Orphaned: j.Orphaned,
		})
	}
	return out
}
