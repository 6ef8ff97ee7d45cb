package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"statbot/internal/eventbus"
	"statbot/internal/storage"
	"statbot/internal/task/engine"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

// AddJob schedules spec and persists it. A job with the same ID is replaced
// and keeps its registration order.
func (s *Service) AddJob(ctx context.Context, spec JobSpec) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	spec.Task = strings.TrimSpace(spec.Task)
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Options.Retry != nil {
		if err := spec.Options.Retry.Validate(); err != nil {
			return "", fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}

	s.mu.Lock()
	body, ok := s.registry[spec.Task]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, spec.Task)
	}
	sched, err := compileTrigger(s.parser, s.loc, spec.Trigger)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	now := s.clock.Now()
	next := firstFire(spec.Trigger, sched, now)
	if next.IsZero() {
		s.mu.Unlock()
		return "", &TriggerError{Trigger: spec.Trigger.String(), Err: errors.New("trigger never fires")}
	}

	seq, created := s.seq+1, now
	state := &engine.RunState{}
	var ver uint64
	if old, ok := s.jobs[spec.ID]; ok {
		seq, created, state, ver = old.seq, old.created, old.state, old.ver
	} else if rec, ok := s.orphans[spec.ID]; ok && !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt
	}
	if seq > s.seq {
		s.seq = seq
	}
	rec := toRecord(spec, s.loc, created, now)
	s.mu.Unlock()

	if err := s.persist(ctx, rec); err != nil {
		return "", fmt.Errorf("persist job %s: %w", spec.ID, err)
	}

	s.mu.Lock()
	delete(s.orphans, spec.ID)
	j := &job{
		spec:    spec,
		sched:   sched,
		body:    body,
		state:   state,
		next:    next,
		seq:     seq,
		ver:     ver + 1,
		created: created,
	}
	s.jobs[spec.ID] = j
	heap.Push(&s.heap, entry{next: next, seq: seq, id: spec.ID, ver: j.ver})
	s.mu.Unlock()
	s.wake()

	s.log.Debug("job scheduled",
		logx.String("job", spec.ID),
		logx.String("task", spec.Task),
		logx.String("trigger", spec.Trigger.String()),
		logx.Time("next", next),
	)
	s.publish(eventbus.JobAdded, spec.ID)
	return spec.ID, nil
}

// RemoveJob unschedules id and deletes it from the store.
func (s *Service) RemoveJob(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	_, live := s.jobs[id]
	_, orphan := s.orphans[id]
	s.mu.Unlock()
	if !live && !orphan {
		return &NotFoundError{ID: id}
	}

	if err := s.deleteStored(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	s.mu.Lock()
	// Stale heap entries are skipped by version.
	delete(s.jobs, id)
	delete(s.orphans, id)
	s.mu.Unlock()
	s.wake()

	s.log.Debug("job removed", logx.String("job", id))
	s.publish(eventbus.JobRemoved, id)
	return nil
}

// AddSchedule registers id for task using a schedule string accepted by
// ParseSchedule.
func (s *Service) AddSchedule(ctx context.Context, id, task, schedule string, opt JobOptions) (string, error) {
	tr, err := ParseSchedule(schedule)
	if err != nil {
		return "", &TriggerError{Trigger: schedule, Err: err}
	}
	return s.AddJob(ctx, JobSpec{ID: id, Task: task, Trigger: tr, Options: opt})
}

// AddDaily fires task every day at hh:mm in the scheduler timezone.
func (s *Service) AddDaily(ctx context.Context, id, task, atHHMM string, opt JobOptions) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", &TriggerError{Trigger: atHHMM, Err: err}
	}
	return s.AddJob(ctx, JobSpec{ID: id, Task: task, Trigger: Cron(fmt.Sprintf("%d %d * * *", m, h)), Options: opt})
}

// AddWeekly fires task on weekday at hh:mm in the scheduler timezone.
func (s *Service) AddWeekly(ctx context.Context, id, task string, weekday time.Weekday, atHHMM string, opt JobOptions) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", &TriggerError{Trigger: atHHMM, Err: err}
	}
	return s.AddJob(ctx, JobSpec{ID: id, Task: task, Trigger: Cron(fmt.Sprintf("%d %d * * %d", m, h, int(weekday))), Options: opt})
}

// AddOnce fires task after delay, then removes the job.
func (s *Service) AddOnce(ctx context.Context, id, task string, delay time.Duration, opt JobOptions) (string, error) {
	if delay < 0 {
		delay = 0
	}
	return s.AddJob(ctx, JobSpec{ID: id, Task: task, Trigger: Date(s.clock.Now().Add(delay)), Options: opt})
}

// rehydrateLocked turns a stored record into a live job when its task is
// registered, otherwise keeps it as an orphan. Reports whether it went live.
func (s *Service) rehydrateLocked(rec storage.JobRecord, now time.Time) bool {
	body, ok := s.registry[rec.Task]
	if !ok {
		if _, seen := s.orphans[rec.ID]; !seen {
			s.log.Warn("stored job references unknown task", logx.String("job", rec.ID), logx.String("task", rec.Task))
		}
		s.orphans[rec.ID] = rec
		return false
	}
	spec, err := fromRecord(rec)
	if err != nil {
		s.log.Error("stored job is invalid", logx.String("job", rec.ID), logx.Err(err))
		s.orphans[rec.ID] = rec
		return false
	}
	sched, err := compileTrigger(s.parser, s.loc, spec.Trigger)
	if err != nil {
		s.log.Error("stored job trigger is invalid", logx.String("job", rec.ID), logx.Err(err))
		s.orphans[rec.ID] = rec
		return false
	}
	s.seq++
	j := &job{
		spec:    spec,
		sched:   sched,
		body:    body,
		state:   &engine.RunState{},
		seq:     s.seq,
		ver:     1,
		created: rec.CreatedAt,
	}
	j.next = firstFire(spec.Trigger, sched, now)
	s.jobs[rec.ID] = j
	if !j.next.IsZero() {
		heap.Push(&s.heap, entry{next: j.next, seq: j.seq, id: rec.ID, ver: j.ver})
	}
	return true
}

func (s *Service) persist(ctx context.Context, rec storage.JobRecord) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return s.store.PersistJob(ctx, rec)
}

func (s *Service) deleteStored(ctx context.Context, id string) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return s.store.DeleteJob(ctx, id)
}

func toRecord(spec JobSpec, loc *time.Location, created, now time.Time) storage.JobRecord {
	rec := storage.JobRecord{
		ID:          spec.ID,
		Task:        spec.Task,
		TriggerKind: spec.Trigger.kind,
		TriggerSpec: spec.Trigger.spec(),
		Overlap:     spec.Options.Overlap.String(),
		CreatedAt:   created,
		UpdatedAt:   now,
	}
	if loc != nil {
		rec.Timezone = loc.String()
	}
	if spec.Options.Timeout > 0 {
		rec.Timeout = spec.Options.Timeout
	}
	if p := spec.Options.Retry; p != nil {
		rec.Retry = &storage.RetryRecord{MaxRetries: p.MaxRetries, BaseDelay: p.BaseDelay, Cap: p.Cap}
	}
	return rec
}

func fromRecord(rec storage.JobRecord) (JobSpec, error) {
	tr, err := triggerFromRecord(rec.TriggerKind, rec.TriggerSpec)
	if err != nil {
		return JobSpec{}, err
	}
	spec := JobSpec{
		ID:      rec.ID,
		Task:    rec.Task,
		Trigger: tr,
		Options: JobOptions{Overlap: engine.ParseOverlap(rec.Overlap), Timeout: max(rec.Timeout, 0)},
	}
	if r := rec.Retry; r != nil {
		spec.Options.Retry = &retry.Policy{MaxRetries: r.MaxRetries, BaseDelay: r.BaseDelay, Cap: r.Cap}
	}
	return spec, nil
}

// MarshalJSON renders the trigger the way it is stored.
func (t Trigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Spec string `json:"spec"`
	}{t.kind, t.spec()})
}
