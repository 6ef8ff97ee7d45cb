package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"statbot/internal/eventbus"
	"statbot/internal/metrics"
	rtsup "statbot/internal/runtime/supervisor"
	"statbot/internal/task/clock"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// abandonWait bounds how long Stop waits for bodies after canceling them.
const abandonWait = time.Second

// Service runs tasks on a fixed worker pool with per-task retry.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Registry
	clock   clock.Clock

	mu   sync.Mutex
	cfg  Config
	pool *pool

	retries  retryTimers
	states   runStates
	hist     history
	drops    dropStats
	inFlight atomic.Int32
	idSeq    atomic.Uint64
}

// pool is one Start..Stop cycle of the workers.
type pool struct {
	queue chan queuedTask
	stop  chan struct{} // closed when Stop begins
	done  chan struct{} // closed when fully stopped
	sup   *rtsup.Supervisor
}

func (p *pool) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	run        *retry.Run

	state *RunState
	track bool // state is held by this run
}

type Option func(*Service)

// WithMetrics wraps every attempt in a tracking scope of reg.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Service) { s.metrics = reg } }

// WithClock replaces the wall clock used for backoff timers.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "taskengine")),
		bus:   bus,
		clock: clock.Real{},
	}
	s.hist.setLimit(s.cfg.HistorySize)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

// Apply swaps the config. A change of worker count or queue size restarts
// the pool, abandoning parked retries.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil && !s.pool.stopping()
	s.mu.Unlock()
	s.hist.setLimit(cfg.HistorySize)

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers when enabled. It is a no-op while running and
// waits for a Stop in progress first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for p := s.pool; p != nil; p = s.pool {
		if !p.stopping() {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Attempts run on the supervisor context, so canceling it abandons them.
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log)),
	}
	s.pool = p
	s.mu.Unlock()
	s.retries.reopen()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new work and cancels parked retries. Running attempts may
// finish until ctx is done; then their contexts are canceled and the runs
// abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping()
	if first {
		close(p.stop)
	}
	s.mu.Unlock()

	if !first {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		return
	}

	for _, qt := range s.retries.closeAll() {
		s.abandon(qt, ErrStopped, "retry canceled")
	}
	go func() {
		_ = p.sup.Wait(context.Background())
		for {
			select {
			case qt := <-p.queue:
				s.abandon(qt, ErrStopped, "queued task abandoned")
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		if s.pool == p {
			s.pool = nil
		}
		s.mu.Unlock()
		s.inFlight.Store(0)
		close(p.done)
	}()

	select {
	case <-p.done:
		s.log.Info("task engine stopped")
		return
	case <-ctx.Done():
	}

	p.sup.Cancel()
	t := time.NewTimer(abandonWait)
	defer t.Stop()
	select {
	case <-p.done:
		s.log.Warn("task engine stopped after abandoning in-flight tasks")
	case <-t.C:
		s.log.Warn("task engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

func (s *Service) abandon(qt queuedTask, cause error, msg string) {
	if qt.run.Abandon(cause) {
		s.log.Info(msg, logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempt", qt.run.Attempt()))
		s.record(Attempt{ID: qt.task.ID, Task: qt.task.Name, Attempt: qt.run.Attempt(), Started: s.clock.Now(), Outcome: OutcomeAbandoned, Error: cause.Error()})
	}
	if qt.track {
		qt.state.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		PendingRetries:   s.retries.len(),
		Dropped:          s.drops.total(),
		DroppedQueueFull: s.drops.queueFull.Load(),
		DroppedStale:     s.drops.stale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          s.hist.list(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}
