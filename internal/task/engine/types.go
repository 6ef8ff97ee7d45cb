package engine

import (
	"context"
	"time"

	"statbot/internal/task/retry"
)

const (
	DefaultWorkers     = 5
	DefaultQueueSize   = 256
	DefaultHistorySize = 200
)

// Config controls the executor pool.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds each attempt of tasks that set no Timeout.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops work that waited longer than this in the queue.
	// Zero keeps everything.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip"
	}
	return "allow"
}

// ParseOverlap maps "allow" to OverlapAllow and anything else to
// OverlapSkipIfRunning.
func ParseOverlap(s string) OverlapPolicy {
	if s == "allow" {
		return OverlapAllow
	}
	return OverlapSkipIfRunning
}

type TaskOptions struct {
	Overlap OverlapPolicy
	// Retry is the backoff policy for failed attempts; nil means one attempt.
	Retry *retry.Policy
}

func (o TaskOptions) policy() retry.Policy {
	if o.Retry != nil {
		return *o.Retry
	}
	return retry.Once()
}

// Task is a unit of work. Run receives the 0-based attempt number.
//
// With OverlapSkipIfRunning, a new run is refused while another run holds
// State, or the engine's per-name state when State is nil.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context, attempt int) error
	Opt     TaskOptions
	State   *RunState
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeDropped   Outcome = "dropped"
)

// Attempt is one execution try of a task body.
type Attempt struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	// Wait is the backoff before the next attempt when Outcome is retrying.
	Wait  time.Duration `json:"wait,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled        bool
	Workers        int
	QueueLen       int
	QueueCap       int
	InFlight       int
	PendingRetries int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []Attempt
}

// NoRetry makes err terminal: the run fails on the attempt that returned it.
//
//	return engine.NoRetry(fmt.Errorf("bad chat id: %w", err))
func NoRetry(err error) error { return retry.Permanent(err) }

// IsNoRetry reports whether err was wrapped by NoRetry.
func IsNoRetry(err error) bool { return retry.IsPermanent(err) }
