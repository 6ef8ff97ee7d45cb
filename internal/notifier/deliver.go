package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"statbot/internal/task/retry"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

// deliver performs one rate-limited send bounded by timeout.
func (s *Service) deliver(ctx context.Context, lim *rate.Limiter, timeout time.Duration, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if s.sender == nil {
		return ErrNoSender
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.sender.SendText(sctx, to, text, opt); err != nil {
		return err
	}
	s.remember(text)
	return nil
}

func (s *Service) worker(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.sendAlert(ctx, j)
		}
	}
}

// sendAlert delivers j, retrying transport errors with jittered
// exponential backoff until the retry budget is spent.
func (s *Service) sendAlert(ctx context.Context, j job) {
	if s.sender == nil {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := priorityPrefix(j.alert.Priority) + j.alert.Text
	pol := retry.Policy{MaxRetries: cfg.RetryMax, BaseDelay: cfg.RetryBase, Cap: cfg.RetryMaxDelay}

	var err error
	for attempt := 0; ; attempt++ {
		if err = s.deliver(ctx, lim, cfg.SendTimeout, j.alert.Target, text, j.alert.Options); err == nil {
			s.emit(EventSent, j.alert, j.key, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Debug("alert send failed", logx.String("channel", j.alert.Channel), logx.Int("attempt", attempt+1), logx.Err(err))
		if !pol.ShouldRetry(attempt + 1) {
			break
		}
		t := time.NewTimer(jitter(pol.WaitTime(attempt), cfg.RetryMaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("channel", j.alert.Channel), logx.Int64("chat_id", j.alert.Target.ChatID), logx.Err(err))
	s.emit(EventFailed, j.alert, j.key, err)
}

func (s *Service) persistLoop(ctx context.Context, writes <-chan dedupWrite) {
	for {
		var w dedupWrite
		select {
		case <-ctx.Done():
			return
		case next, ok := <-writes:
			if !ok {
				return
			}
			w = next
		}
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
		}
		cancel()
	}
}

// jitter spreads d over [0.7d, 1.3d], capped at ceiling.
func jitter(d, ceiling time.Duration) time.Duration {
	f := 0.7 + 0.6*rand.Float64()
	return min(max(time.Duration(float64(d)*f), 0), ceiling)
}

func priorityPrefix(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	}
	return ""
}
