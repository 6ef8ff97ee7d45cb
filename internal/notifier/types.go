package notifier

import (
	"time"

	kit "statbot/internal/transport"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Priority prefixes alert text. Higher is louder.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarn     Priority = 7
	PriorityCritical Priority = 9
)

// Alert is an operator notification.
type Alert struct {
	// Channel groups alerts for dedup, e.g. "task.failed". Empty disables dedup.
	Channel  string
	Target   kit.ChatTarget
	Priority Priority
	Text     string
	Options  *kit.SendOptions
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event is published on the event bus for notifier lifecycle events.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Event types.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
