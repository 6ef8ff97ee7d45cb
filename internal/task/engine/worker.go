package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"statbot/internal/eventbus"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool) {
	for {
		// A closed stop channel wins over queued work.
		if ctx.Err() != nil || p.stopping() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case qt := <-p.queue:
			if p.stopping() {
				s.abandon(qt, ErrStopped, "queued task abandoned")
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

// execOne runs a single attempt of qt and decides what happens next:
// success, a parked retry, or a terminal failure.
func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := s.clock.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	attempt := qt.run.Attempt()
	name := qt.task.Name

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		qt.run.Abandon(errors.New("stale queue delay"))
		if qt.track {
			qt.state.release()
		}
		s.dropStale(start, qt, queueDelay)
		return
	}

	s.log.Debug("task.started", logx.String("task", name), logx.Int("attempt", attempt), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, Attempt{ID: qt.task.ID, Task: name, Attempt: attempt, Started: start, QueueDelay: queueDelay})

	scope := s.metrics.Track(name)
	wallStart := time.Now()
	err := s.runAttempt(ctx, qt, attempt)
	dur := time.Since(wallStart)

	item := Attempt{ID: qt.task.ID, Task: name, Attempt: attempt, Started: start, QueueDelay: queueDelay, Duration: dur}

	if err == nil {
		scope.End(nil)
		_ = qt.run.Succeed()
		if qt.track {
			qt.state.release()
		}
		item.Outcome = OutcomeSuccess
		s.record(item)
		lvl := s.log.Debug
		if dur >= 750*time.Millisecond || attempt > 0 {
			lvl = s.log.Info
		}
		lvl("task.completed", logx.String("task", name), logx.Int("attempt", attempt), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFinished, item)
		return
	}

	item.Error = err.Error()

	// The engine is abandoning attempts (grace period over): no retry decision.
	if ctx.Err() != nil {
		scope.End(err)
		s.abandon(qt, err, "task abandoned")
		return
	}

	outcome := qt.run.Fail(err, s.clock.Now())
	scope.End(outcome)

	var transient *retry.TransientError
	if errors.As(outcome, &transient) {
		s.metrics.Retry(name)
		item.Outcome = OutcomeRetrying
		item.Wait = transient.Wait
		s.record(item)
		s.log.Warn("task.retrying",
			logx.String("task", name),
			logx.Int("attempt", attempt),
			logx.Duration("wait", transient.Wait),
			logx.Err(err),
		)
		s.publish(eventbus.TaskRetrying, item)
		if !s.retries.park(s.clock, transient.Wait, qt, s.requeue) {
			s.abandon(qt, ErrStopped, "retry canceled")
		}
		return
	}

	if qt.track {
		qt.state.release()
	}
	item.Outcome = OutcomeFailure
	s.record(item)
	s.log.Error("task.failed",
		logx.String("task", name),
		logx.String("id", qt.task.ID),
		logx.Int("attempts", attempt+1),
		logx.Duration("dur", dur),
		logx.Err(err),
	)
	s.publish(eventbus.TaskFailed, item)
}

// runAttempt calls the body with a timeout, converting panics to errors.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask, attempt int) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx, attempt)
}
