package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "statbot/pkg/logx"
)

// A run that lasted this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	stopOnClean  bool
	publishFirst bool
}

// WithRestartBackoff sets the exponential backoff bounds between runs.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first failed run as the supervisor
// error without canceling the supervisor.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// WithStopOnCleanExit decides whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart runs fn and reruns it after errors or panics until the context
// is canceled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.minBackoff
		for runs := 1; ctx.Err() == nil; runs++ {
			began := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnClean {
					return
				}
				err = errors.New("exited")
			}
			if p.publishFirst {
				s.setErr(fmt.Errorf("%s: %w", name, err))
			}
			if time.Since(began) >= stableRun {
				backoff = p.minBackoff
			}

			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Int("run", runs), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}
