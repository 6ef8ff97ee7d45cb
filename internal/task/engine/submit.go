package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"statbot/internal/eventbus"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

// Enqueue adds t without blocking. When the queue is full the task is
// dropped and ErrQueueFull returned; use Submit for backpressure.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit adds t, waiting for queue space until ctx is done or the engine
// stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Run == nil:
		return errors.New("task Run is nil")
	case t.Name == "":
		return errors.New("task Name is required")
	}
	if p := t.Opt.Retry; p != nil {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
	}
	now := s.clock.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case p.stopping():
		return ErrStopping
	}

	qt := queuedTask{
		task:       t,
		enqueuedAt: now,
		timeout:    t.Timeout,
		run:        retry.NewRun(t.Name, t.Opt.policy()),
		state:      t.State,
	}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.state == nil {
		qt.state = s.states.get(t.Name)
	}
	if t.Opt.Overlap == OverlapSkipIfRunning {
		if !qt.state.tryAcquire() {
			s.publish(eventbus.TaskSkipped, Attempt{ID: t.ID, Task: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.track = true
	}
	unhold := func() {
		if qt.track {
			qt.state.release()
		}
	}

	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			unhold()
			s.dropQueueFull(now, qt, p.queue)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		unhold()
		return ctx.Err()
	case <-p.stop:
		unhold()
		return ErrStopping
	}
}

// requeue puts a run whose backoff elapsed back on the queue.
func (s *Service) requeue(qt queuedTask) {
	if err := qt.run.Resume(); err != nil {
		s.abandon(qt, err, "retry resume rejected")
		return
	}
	now := s.clock.Now()
	qt.enqueuedAt = now

	s.mu.Lock()
	p := s.pool
	closed := p == nil || p.stopping()
	pushed := false
	if !closed {
		select {
		case p.queue <- qt:
			pushed = true
		default:
		}
	}
	s.mu.Unlock()

	switch {
	case pushed:
	case closed:
		s.abandon(qt, ErrStopped, "retry canceled")
	default:
		s.dropQueueFull(now, qt, p.queue)
	}
}
