package config

import (
	"reflect"
	"slices"
	"strings"

	logx "statbot/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"telegram": true,
	"redis":    true,
	"storage":  true,
}

// SummarizeConfigChange returns the changed top-level sections, safe log
// fields (never secrets) and the subset of sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!slices.Equal(oldCfg.Telegram.AlertChatIDs, newCfg.Telegram.AlertChatIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.alert_chats", len(newCfg.Telegram.AlertChatIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Redis (never log password)
	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", newCfg.Redis.Addr),
			logx.Int("redis.db", newCfg.Redis.DB),
			logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick_interval", newCfg.Scheduler.TickInterval),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(newCfg.TaskEngine.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		mr := -1
		if newCfg.Retry.MaxRetries != nil {
			mr = *newCfg.Retry.MaxRetries
		}
		attrs = append(attrs,
			logx.Int("retry.max_retries", mr),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
			logx.String("retry.cap", newCfg.Retry.Cap),
		)
	}

	if !jobsEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.daily_report_at", newCfg.Jobs.DailyReportAt),
			logx.String("jobs.weekly_cleanup_day", newCfg.Jobs.WeeklyCleanupDay),
			logx.String("jobs.weekly_cleanup_at", newCfg.Jobs.WeeklyCleanupAt),
			logx.Int("jobs.extra", len(newCfg.Jobs.Extra)),
		)
	}

	// Metrics (never log token)
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}

	// An omitted section means runtime defaults.
	oldN, newN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.dedup_window", newN.DedupWindow),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	slices.Sort(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "10m",
		DedupMaxEntries: 2000,
	}
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

func jobsEqual(a, b JobsConfig) bool {
	if !slices.Equal(a.Extra, b.Extra) {
		return false
	}
	a.Extra, b.Extra = nil, nil
	return reflect.DeepEqual(a, b)
}
