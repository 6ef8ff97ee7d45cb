package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed    = errors.New("storage closed")
	ErrInvalidID = errors.New("job id is required")
)

// Config configures storage.
//
// Driver values: "file", "sqlite", "memory". Empty or "none" selects memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Trigger kinds stored in JobRecord.TriggerKind.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerDate     = "date"
)

// JobRecord is the durable form of a scheduled job. The task body itself is
// not stored; Task names a body registered with the scheduler.
type JobRecord struct {
	ID   string `json:"id"`
	Task string `json:"task"`

	// TriggerSpec is a cron expression, a Go duration or an RFC 3339 instant
	// depending on TriggerKind.
	TriggerKind string `json:"trigger_kind"`
	TriggerSpec string `json:"trigger_spec"`
	Timezone    string `json:"timezone,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
	Overlap string        `json:"overlap,omitempty"`
	Retry   *RetryRecord  `json:"retry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RetryRecord struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	Cap        time.Duration `json:"cap"`
}
