package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"statbot/internal/activity"
	"statbot/internal/config"
	"statbot/internal/jobs"
	"statbot/internal/metrics"
	"statbot/internal/notifier"
	"statbot/internal/storage"
	"statbot/internal/task/engine"
	"statbot/internal/task/retry"
	"statbot/internal/task/scheduler"
	logx "statbot/pkg/logx"
)

// mapLogConfig builds the logging config. The chat sink is only enabled
// when a real chat transport exists and a log chat is configured.
func mapLogConfig(cfg *config.Config, chatAvailable bool) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled && chatAvailable && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data/scheduled_jobs.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./data/scheduled_jobs.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapEngineConfig follows scheduler.enabled: the engine only runs
// scheduled work.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", tc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	workers := tc.Workers
	if workers <= 0 {
		workers = engine.DefaultWorkers
	}
	queueSize := tc.QueueSize
	if queueSize <= 0 {
		queueSize = engine.DefaultQueueSize
	}
	historySize := tc.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	return engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", sc.TickInterval, scheduler.DefaultTickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.grace_period", sc.GracePeriod, scheduler.DefaultGracePeriod)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      sc.Enabled,
		Timezone:     strings.TrimSpace(sc.Timezone),
		TickInterval: tick,
		GracePeriod:  grace,
	}, nil
}

// mapRetryPolicy treats an omitted max_retries as the default, while an
// explicit 0 disables retries.
func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	p := retry.DefaultPolicy()
	if cfg.Retry.MaxRetries != nil {
		p.MaxRetries = *cfg.Retry.MaxRetries
	}
	var err error
	if p.BaseDelay, err = config.ParseDurationOrDefault("retry.base_delay", cfg.Retry.BaseDelay, p.BaseDelay); err != nil {
		return retry.Policy{}, err
	}
	if p.Cap, err = config.ParseDurationOrDefault("retry.cap", cfg.Retry.Cap, p.Cap); err != nil {
		return retry.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, fmt.Errorf("retry: %w", err)
	}
	return p, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	def := jobs.DefaultConfig()
	jc := cfg.Jobs
	out := def
	if v := strings.TrimSpace(jc.DailyReportAt); v != "" {
		out.DailyReportAt = v
	}
	if v := strings.TrimSpace(jc.WeeklyCleanupAt); v != "" {
		out.WeeklyCleanupAt = v
	}
	wd, err := config.ParseWeekday(jc.WeeklyCleanupDay, def.WeeklyCleanupDay)
	if err != nil {
		return jobs.Config{}, fmt.Errorf("jobs.weekly_cleanup_day: %w", err)
	}
	out.WeeklyCleanupDay = wd

	var errs []error
	if out.Retention, err = config.ParseDurationOrDefault("jobs.retention", jc.Retention, def.Retention); err != nil {
		errs = append(errs, err)
	}
	if out.ReportTimeout, err = config.ParseDurationOrDefault("jobs.report_timeout", jc.ReportTimeout, def.ReportTimeout); err != nil {
		errs = append(errs, err)
	}
	if out.CleanupTimeout, err = config.ParseDurationOrDefault("jobs.cleanup_timeout", jc.CleanupTimeout, def.CleanupTimeout); err != nil {
		errs = append(errs, err)
	}
	if out.Retry, err = mapRetryPolicy(cfg); err != nil {
		errs = append(errs, err)
	}
	for i, x := range jc.Extra {
		path := fmt.Sprintf("jobs.extra[%d]", i)
		task := strings.TrimSpace(x.Task)
		if task != jobs.DailyReport && task != jobs.WeeklyCleanup {
			errs = append(errs, fmt.Errorf("%s.task: unknown task %q", path, x.Task))
		}
		if _, perr := scheduler.ParseSchedule(x.Schedule); perr != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, perr))
		}
		timeout, terr := config.ParseDurationOrDefault(path+".timeout", x.Timeout, 0)
		if terr != nil {
			errs = append(errs, terr)
		}
		out.Extra = append(out.Extra, jobs.Scheduled{
			ID:       strings.TrimSpace(x.ID),
			Task:     task,
			Schedule: strings.TrimSpace(x.Schedule),
			Timeout:  timeout,
		})
	}
	if len(errs) > 0 {
		return jobs.Config{}, errors.Join(errs...)
	}
	out.SkipEmptyReports = !jc.IncludeEmpty
	return out, nil
}

func mapActivityConfig(cfg *config.Config) (activity.Config, error) {
	rc := cfg.Redis
	dial, err := config.ParseDurationOrDefault("redis.dial_timeout", rc.DialTimeout, 5*time.Second)
	if err != nil {
		return activity.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("redis.active_window", rc.ActiveWindow, activity.DefaultActiveWindow)
	if err != nil {
		return activity.Config{}, err
	}
	addr := strings.TrimSpace(rc.Addr)
	if addr == "" {
		addr = activity.DefaultAddr
	}
	return activity.Config{
		Addr:         addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  dial,
		ActiveWindow: window,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		d := config.DefaultNotifier()
		nc = &d
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 512
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 3
	}
	if out.DedupMaxEntries <= 0 {
		out.DedupMaxEntries = 2000
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	mc := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("metrics.write_timeout", mc.WriteTimeout, 10*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 60*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	addr := strings.TrimSpace(mc.Addr)
	if addr == "" {
		addr = ":8000"
	}
	path := strings.TrimSpace(mc.Path)
	if path == "" {
		path = "/metrics"
	}
	return metrics.ServerConfig{
		Enabled:      mc.Enabled,
		Addr:         addr,
		Path:         path,
		Token:        strings.TrimSpace(mc.Token),
		Pprof:        mc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
