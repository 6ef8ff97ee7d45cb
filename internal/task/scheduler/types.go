package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"statbot/internal/eventbus"
	"statbot/internal/storage"
	"statbot/internal/task/clock"
	"statbot/internal/task/engine"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"

	// TickInterval bounds how long the loop sleeps between due checks.
	TickInterval time.Duration
	// GracePeriod is how long Shutdown lets in-flight attempts finish.
	GracePeriod time.Duration
}

const (
	DefaultTimezone     = "Asia/Shanghai"
	DefaultTickInterval = time.Second
	DefaultGracePeriod  = 10 * time.Second
)

// Func is a task body. attempt is 0-based.
type Func func(ctx context.Context, attempt int) error

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type JobOptions struct {
	Timeout time.Duration
	Overlap OverlapPolicy
	// Retry nil means a single attempt per fire.
	Retry *retry.Policy
}

// JobSpec describes a job to add. An empty ID gets a generated UUID.
type JobSpec struct {
	ID      string
	Task    string
	Trigger Trigger
	Options JobOptions
}

type job struct {
	spec    JobSpec
	sched   schedule
	body    Func
	state   *engine.RunState
	next    time.Time
	prev    time.Time
	seq     uint64
	ver     uint64
	created time.Time
}

type JobInfo struct {
	ID      string
	Task    string
	Trigger string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	// Orphaned jobs are stored but reference a task that is not registered.
	Orphaned bool
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Jobs     []JobInfo
	Engine   engine.Snapshot
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	clock  clock.Clock
	parser cron.Parser

	engine *engine.Service
	store  storage.JobStore
	// storeMu serializes store mutations in call order.
	storeMu sync.Mutex

	registry map[string]Func
	jobs     map[string]*job
	orphans  map[string]storage.JobRecord
	heap     entryHeap
	seq      uint64

	running  bool
	wakeCh   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
