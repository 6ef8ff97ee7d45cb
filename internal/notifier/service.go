package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"statbot/internal/eventbus"
	rtsup "statbot/internal/runtime/supervisor"
	"statbot/internal/storage"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("notifier has no sender")
)

const historyLimit = 300

type job struct {
	alert Alert
	key   string
}

// run is one Start..Stop cycle of the alert pipeline.
type run struct {
	queue   chan job
	persist chan dedupWrite // nil unless dedup is persisted
	sup     *rtsup.Supervisor

	inflight sync.WaitGroup // Notify calls holding the queue
	closing  bool
	done     chan struct{} // closed once fully stopped
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  storage.DedupStore

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run

	dedup *dedupCache

	histMu  sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		store:  store,
		dedup:  newDedupCache(),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the supervisor of the running pipeline, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Apply swaps the config. Rate changes apply at once; queue size and
// worker count apply from the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func withDefaults(c Config) Config {
	pos := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	posDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	pos(&c.Workers, 2)
	pos(&c.QueueSize, 512)
	pos(&c.RatePerSec, 3)
	pos(&c.DedupMaxEntries, 2000)
	posDur(&c.RetryBase, 500*time.Millisecond)
	posDur(&c.RetryMaxDelay, 10*time.Second)
	posDur(&c.SendTimeout, 10*time.Second)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	return c
}

// Start launches the alert workers. It does nothing when disabled or
// already running, and waits out a Stop in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if r := s.cur; r != nil && r.closing {
		s.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	r := &run{
		queue: make(chan job, cfg.QueueSize),
		done:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
	}
	if cfg.PersistDedup && s.store != nil {
		r.persist = make(chan dedupWrite, 1024)
	}
	s.cur = r
	s.mu.Unlock()

	if r.persist != nil {
		r.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, r.persist)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, r.queue)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new alerts and drains the queue until ctx is done, after
// which pending sends are abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := !r.closing
	r.closing = true
	s.mu.Unlock()

	if first {
		go func() {
			r.inflight.Wait()
			if r.persist != nil {
				close(r.persist)
			}
			close(r.queue)
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			if s.cur == r {
				s.cur = nil
			}
			s.mu.Unlock()
			close(r.done)
		}()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// Send delivers text to chatID synchronously under the shared rate limit.
// Blank text is a no-op.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		if s.sender == nil {
			return ErrNoSender
		}
		return nil
	}
	s.mu.Lock()
	lim, timeout := s.limiter, s.cfg.SendTimeout
	s.mu.Unlock()
	if err := s.deliver(ctx, lim, timeout, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		if errors.Is(err, ErrNoSender) {
			return err
		}
		return fmt.Errorf("send to %d: %w", chatID, err)
	}
	return nil
}

// Notify queues an alert. A duplicate inside the dedup window is dropped
// and reported as success.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg, r := s.cfg, s.cur
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || r.closing:
		s.mu.Unlock()
		return ErrStopped
	}
	r.inflight.Add(1)
	s.mu.Unlock()
	defer r.inflight.Done()

	key := dedupKey(a)
	if key != "" && cfg.DedupWindow > 0 {
		var store storage.DedupStore
		if r.persist != nil {
			store = s.store
		}
		ok, until := s.dedup.admit(ctx, key, time.Now(), cfg.DedupWindow, cfg.DedupMaxEntries, store)
		if !ok {
			s.emit(EventDeduped, a, key, nil)
			return nil
		}
		if r.persist != nil {
			select {
			case r.persist <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case r.queue <- job{alert: a, key: key}:
		s.emit(EventQueued, a, key, nil)
		return nil
	default:
		s.emit(EventDropped, a, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recently delivered texts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(text string) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if n := len(s.history) - historyLimit; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}

func (s *Service) emit(typ string, a Alert, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{Channel: a.Channel, ChatID: a.Target.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
