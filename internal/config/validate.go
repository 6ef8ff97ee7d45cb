package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks values that decoding alone cannot: duration strings, clock
// times, weekday names and enum fields. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	dur("redis.dial_timeout", cfg.Redis.DialTimeout)
	dur("redis.active_window", cfg.Redis.ActiveWindow)
	if cfg.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db: must be >= 0, got %d", cfg.Redis.DB))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	dur("scheduler.grace_period", cfg.Scheduler.GracePeriod)

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	dur("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)

	if p := cfg.Retry.MaxRetries; p != nil && *p < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries: must be >= 0, got %d", *p))
	}
	dur("retry.base_delay", cfg.Retry.BaseDelay)
	dur("retry.cap", cfg.Retry.Cap)

	for path, v := range map[string]string{
		"jobs.daily_report_at":   cfg.Jobs.DailyReportAt,
		"jobs.weekly_cleanup_at": cfg.Jobs.WeeklyCleanupAt,
	} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, _, err := ParseClock(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if _, err := ParseWeekday(cfg.Jobs.WeeklyCleanupDay, time.Sunday); err != nil {
		errs = append(errs, fmt.Errorf("jobs.weekly_cleanup_day: %w", err))
	}
	if cfg.Jobs.ReportTopN < 0 {
		errs = append(errs, fmt.Errorf("jobs.report_top_n: must be >= 0, got %d", cfg.Jobs.ReportTopN))
	}
	dur("jobs.retention", cfg.Jobs.Retention)
	dur("jobs.report_timeout", cfg.Jobs.ReportTimeout)
	dur("jobs.cleanup_timeout", cfg.Jobs.CleanupTimeout)
	seen := map[string]bool{"daily_report": true, "weekly_cleanup": true}
	for i, j := range cfg.Jobs.Extra {
		path := fmt.Sprintf("jobs.extra[%d]", i)
		id := strings.TrimSpace(j.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s.id: required", path))
		case seen[id]:
			errs = append(errs, fmt.Errorf("%s.id: %q is already used", path, id))
		}
		seen[id] = true
		if strings.TrimSpace(j.Task) == "" {
			errs = append(errs, fmt.Errorf("%s.task: required", path))
		}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		dur(path+".timeout", j.Timeout)
	}

	dur("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	dur("metrics.write_timeout", cfg.Metrics.WriteTimeout)
	dur("metrics.idle_timeout", cfg.Metrics.IdleTimeout)
	if p := strings.TrimSpace(cfg.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("metrics.path: must start with '/', got %q", p))
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(v string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}

// ParseWeekday accepts full or three-letter English names (any case) or a
// number 0..6 with Sunday as 0. Empty returns def.
func ParseWeekday(v string, def time.Weekday) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return def, fmt.Errorf("weekday %d out of range 0..6", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return def, fmt.Errorf("unknown weekday %q", v)
}
