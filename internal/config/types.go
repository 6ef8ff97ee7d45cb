package config

// Config is the root of the config file. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Redis      RedisConfig      `json:"redis"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Retry      RetryConfig      `json:"retry"`
	Jobs       JobsConfig       `json:"jobs"`
	Metrics    MetricsConfig    `json:"metrics"`

	// Notifier is a pointer so an omitted section means enabled with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the getUpdates long-poll timeout.
	PollTimeout string `json:"poll_timeout"`
	// AlertChatIDs receive terminal task failure alerts.
	AlertChatIDs []int64 `json:"alert_chat_ids,omitempty"`
	// LogChatID receives log records at or above logging.telegram.min_level.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RedisConfig points at the activity cache.
type RedisConfig struct {
	Addr         string `json:"addr"`
	Password     string `json:"password,omitempty"` // never logged
	DB           int    `json:"db"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
	ActiveWindow string `json:"active_window,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/scheduled_jobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; default "Asia/Shanghai".
	Timezone     string `json:"timezone,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	GracePeriod  string `json:"grace_period,omitempty"`
}

// TaskEngineConfig controls execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// RetryConfig is the backoff policy of the daily report. MaxRetries is a
// pointer so an explicit 0 (no retry) differs from omitted (3).
type RetryConfig struct {
	MaxRetries *int   `json:"max_retries,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	Cap        string `json:"cap,omitempty"`
}

type JobsConfig struct {
	DailyReportAt    string `json:"daily_report_at,omitempty"`    // "HH:MM", default "23:59"
	WeeklyCleanupDay string `json:"weekly_cleanup_day,omitempty"` // "sunday".."saturday" or "0".."6"
	WeeklyCleanupAt  string `json:"weekly_cleanup_at,omitempty"`  // "HH:MM", default "02:00"
	ReportTopN       int    `json:"report_top_n,omitempty"`
	Retention        string `json:"retention,omitempty"`
	ReportTimeout    string `json:"report_timeout,omitempty"`
	CleanupTimeout   string `json:"cleanup_timeout,omitempty"`
	// IncludeEmpty sends a report even to chats without messages today.
	IncludeEmpty bool `json:"include_empty,omitempty"`
	// Extra schedules additional runs of the built-in tasks.
	Extra []ExtraJob `json:"extra,omitempty"`
}

// ExtraJob is one additional job. Schedule is a cron expression, "@every
// 1h", a Go duration, "HH:MM" (an interval), or a prefixed form such as
// "at:2024-06-01T10:00:00Z" for a single run.
type ExtraJob struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default ":8000"
	Path    string `json:"path,omitempty"`  // default "/metrics"
	Token   string `json:"token,omitempty"` // optional bearer token, never logged
	// RuntimeCollectors adds the Go and process collectors.
	RuntimeCollectors bool   `json:"runtime_collectors,omitempty"`
	// Pprof mounts /debug/pprof/ on the metrics listener, behind the token.
	Pprof             bool   `json:"pprof,omitempty"`
	ReadTimeout       string `json:"read_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls report delivery and operator alerts.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}
