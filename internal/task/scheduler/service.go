package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"statbot/internal/eventbus"
	"statbot/internal/storage"
	"statbot/internal/task/clock"
	"statbot/internal/task/engine"
	logx "statbot/pkg/logx"
)

func New(cfg Config, eng *engine.Service, store storage.JobStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	s := &Service{
		cfg:    withDefaults(cfg),
		log:    log.With(logx.String("comp", "scheduler")),
		clock:  clock.Real{},
		engine: eng,
		store:  store,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		registry:    map[string]Func{},
		jobs:        map[string]*job{},
		orphans:     map[string]storage.JobRecord{},
		wakeCh:      make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocationLocked()
	return s
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A timezone change recompiles cron triggers and
// recomputes every next fire time.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	oldTZ := s.cfg.Timezone
	s.cfg = cfg
	if oldTZ != cfg.Timezone {
		s.loc = s.loadLocationLocked()
		now := s.clock.Now()
		for _, j := range s.jobs {
			sched, err := compileTrigger(s.parser, s.loc, j.spec.Trigger)
			if err != nil {
				s.log.Error("trigger recompile failed", logx.String("job", j.spec.ID), logx.Err(err))
				continue
			}
			j.sched = sched
			j.ver++
			j.next = firstFire(j.spec.Trigger, sched, now)
		}
		s.rebuildHeapLocked()
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()
	s.wake()
}

// Register binds a task body to name. Stored jobs waiting for this task are
// rehydrated.
func (s *Service) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("task name and body are required")
	}
	s.mu.Lock()
	s.registry[name] = fn
	var adopt []storage.JobRecord
	for id, rec := range s.orphans {
		if rec.Task == name {
			adopt = append(adopt, rec)
			delete(s.orphans, id)
		}
	}
	now := s.clock.Now()
	for _, rec := range adopt {
		s.rehydrateLocked(rec, now)
	}
	s.mu.Unlock()
	if len(adopt) > 0 {
		s.wake()
	}
	return nil
}

// Start loads stored jobs, computes next fire times and starts the loop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	recs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.loc = s.loadLocationLocked()
	now := s.clock.Now()
	restored := 0
	for _, rec := range recs {
		if _, ok := s.jobs[rec.ID]; ok {
			continue
		}
		if s.rehydrateLocked(rec, now) {
			restored++
		}
	}
	for _, j := range s.jobs {
		j.ver++
		if j.spec.Trigger.kind == storage.TriggerDate {
			j.next = j.spec.Trigger.at
		} else {
			j.next = j.sched.Next(now)
		}
	}
	s.rebuildHeapLocked()

	if s.engine != nil {
		s.engine.Start(ctx)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopCh, s.loopDone)

	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", len(s.jobs)),
		logx.Int("restored", restored),
		logx.Int("orphaned", len(s.orphans)),
	)
	return nil
}

// Shutdown stops the loop, then stops the engine with the grace period.
// Pending retries are canceled. Calling it when not running is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	grace := s.cfg.GracePeriod
	s.mu.Unlock()

	s.log.Info("stop requested")
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// The engine stops even when ctx is already done: an expired grace
	// abandons in-flight work and parked retries at once.
	if s.engine != nil {
		gctx, cancel := context.WithTimeout(ctx, grace)
		s.engine.Stop(gctx)
		cancel()
	}
	if err != nil {
		s.log.Warn("service stopped before the loop exited", logx.Err(err))
		return err
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		now := s.clock.Now()
		wait := s.cfg.TickInterval
		if len(s.heap) > 0 {
			if d := s.heap[0].next.Sub(now); d < wait {
				wait = max(d, 0)
			}
		}
		s.mu.Unlock()

		if wait > 0 {
			t := s.clock.NewTimer(wait)
			// The clock may have moved past the deadline while the timer was armed.
			if s.clock.Now().Sub(now) < wait {
				select {
				case <-stopCh:
					t.Stop()
					return
				case <-s.wakeCh:
				case <-t.C():
				}
			}
			t.Stop()
		}

		select {
		case <-stopCh:
			return
		default:
		}
		s.runDue()
	}
}

type firing struct {
	id   string
	at   time.Time
	spec JobSpec
	body Func
	st   *engine.RunState
}

// runDue pops every due entry in (time, registration) order and hands the
// bodies to the engine.
func (s *Service) runDue() {
	now := s.clock.Now()
	var due []firing
	var finished []string

	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].next.After(now) {
		e := heap.Pop(&s.heap).(entry)
		j, ok := s.jobs[e.id]
		if !ok || j.ver != e.ver {
			continue
		}
		due = append(due, firing{id: j.spec.ID, at: e.next, spec: j.spec, body: j.body, st: j.state})
		j.prev = e.next

		next := j.sched.Next(e.next)
		if !next.IsZero() && !next.After(now) {
			// Missed fires while stopped or stalled collapse into one.
			next = j.sched.Next(now)
		}
		if next.IsZero() {
			delete(s.jobs, j.spec.ID)
			finished = append(finished, j.spec.ID)
			continue
		}
		j.next = next
		heap.Push(&s.heap, entry{next: next, seq: j.seq, id: j.spec.ID, ver: j.ver})
	}
	s.mu.Unlock()

	for _, f := range due {
		s.dispatch(f)
	}
	for _, id := range finished {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deleteStored(ctx, id); err != nil {
			s.log.Warn("completed job not removed from store", logx.String("job", id), logx.Err(err))
		}
		cancel()
		s.publish(eventbus.JobRemoved, id)
	}
}

func (s *Service) dispatch(f firing) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked", logx.String("job", f.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if s.engine == nil {
		return
	}
	body := f.body
	err := s.engine.Enqueue(engine.Task{
		ID:      fmt.Sprintf("%s@%d", f.id, f.at.Unix()),
		Name:    f.spec.Task,
		Timeout: f.spec.Options.Timeout,
		Run:     func(ctx context.Context, attempt int) error { return body(ctx, attempt) },
		Opt:     engine.TaskOptions{Overlap: f.spec.Options.Overlap, Retry: f.spec.Options.Retry},
		State:   f.st,
	})
	if err != nil {
		s.reportEnqueueError(f.id, err)
		return
	}
	s.log.Debug("job dispatched", logx.String("job", f.id), logx.String("task", f.spec.Task), logx.Time("fire", f.at))
}

func (s *Service) rebuildHeapLocked() {
	s.heap = s.heap[:0]
	for _, j := range s.jobs {
		if j.next.IsZero() {
			continue
		}
		s.heap = append(s.heap, entry{next: j.next, seq: j.seq, id: j.spec.ID, ver: j.ver})
	}
	heap.Init(&s.heap)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
