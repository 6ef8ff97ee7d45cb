package activity

import (
	"time"
)

// Config configures the Redis connection and key retention.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration

	// ActiveWindow is how recently a chat must have been seen to count as
	// active for reports.
	ActiveWindow time.Duration
	// DayTTL bounds how long a per-day zset lives without cleanup.
	DayTTL time.Duration
}

const (
	DefaultAddr         = "localhost:6379"
	DefaultDB           = 2
	DefaultActiveWindow = 24 * time.Hour
	DefaultDayTTL       = 35 * 24 * time.Hour
)

// Entry is one user's message count.
type Entry struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Count  int64  `json:"count"`
}

// Report is the per-chat daily summary.
type Report struct {
	ChatID  int64     `json:"chat_id"`
	Day     time.Time `json:"day"`
	Total   int64     `json:"total"`
	Entries []Entry   `json:"entries"`
}

func (r Report) Empty() bool { return len(r.Entries) == 0 }

type CleanupStats struct {
	KeysDeleted  int `json:"keys_deleted"`
	ChatsDropped int `json:"chats_dropped"`
}
