package scheduler

import (
	"errors"
	"time"

	"statbot/internal/eventbus"
	"statbot/internal/task/engine"
	logx "statbot/pkg/logx"
)

// Enqueue warnings for one job are logged at most this often.
const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs why a due job could not be handed to the engine.
func (s *Service) reportEnqueueError(id string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("job fire skipped", logx.String("job", id), logx.Err(err))
		s.publish(eventbus.TaskSkipped, id)
		return
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		s.log.Debug("job fire during shutdown", logx.String("job", id), logx.Err(err))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	quiet := now.Sub(s.lastEnqWarn[id]) < enqueueWarnEvery
	if !quiet {
		s.lastEnqWarn[id] = now
	}
	s.enqMu.Unlock()
	if !quiet {
		s.log.Warn("job failed to enqueue", logx.String("job", id), logx.Err(err))
	}
}
