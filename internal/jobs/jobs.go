// Package jobs holds the recurring task bodies and their default schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"statbot/internal/activity"
	"statbot/internal/task/engine"
	"statbot/internal/task/retry"
	"statbot/internal/task/scheduler"
	logx "statbot/pkg/logx"
)

const (
	DailyReport   = "daily_report"
	WeeklyCleanup = "weekly_cleanup"
)

type ReportSource interface {
	GenerateReport(ctx context.Context, chatID int64) (activity.Report, error)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type ChatLister interface {
	ActiveChats(ctx context.Context) ([]int64, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context, before time.Time) (activity.CleanupStats, error)
}

// Config controls the default schedules and task parameters.
type Config struct {
	DailyReportAt    string // "HH:MM"
	WeeklyCleanupDay time.Weekday
	WeeklyCleanupAt  string // "HH:MM"
	Retention        time.Duration
	ReportTimeout    time.Duration
	CleanupTimeout   time.Duration
	// Retry applies to the daily report. The weekly cleanup never retries.
	Retry retry.Policy
	// SkipEmptyReports suppresses reports for chats with no messages today.
	SkipEmptyReports bool
	// Extra are additional jobs running one of the task bodies above.
	Extra []Scheduled
}

// Scheduled is an additional job given by a schedule string (see
// scheduler.ParseSchedule). A zero Timeout uses the task's default.
type Scheduled struct {
	ID       string
	Task     string
	Schedule string
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DailyReportAt:    "23:59",
		WeeklyCleanupDay: time.Sunday,
		WeeklyCleanupAt:  "02:00",
		Retention:        7 * 24 * time.Hour,
		ReportTimeout:    2 * time.Minute,
		CleanupTimeout:   5 * time.Minute,
		Retry:            retry.DefaultPolicy(),
		SkipEmptyReports: true,
	}
}

type Deps struct {
	Reports ReportSource
	Chats   ChatLister
	Sender  Sender
	Cleaner Cleaner
	Log     logx.Logger
	Now     func() time.Time
}

// Tasks binds the task bodies to their collaborators.
type Tasks struct {
	reports ReportSource
	chats   ChatLister
	sender  Sender
	cleaner Cleaner
	log     logx.Logger
	now     func() time.Time

	retention time.Duration
	skipEmpty bool
}

func New(cfg Config, d Deps) *Tasks {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Tasks{
		reports:   d.Reports,
		chats:     d.Chats,
		sender:    d.Sender,
		cleaner:   d.Cleaner,
		log:       d.Log.With(logx.String("comp", "jobs")),
		now:       d.Now,
		retention: cfg.Retention,
		skipEmpty: cfg.SkipEmptyReports,
	}
}

// DailyReport sends today's activity report to every active chat. A failed
// chat fails the attempt so the whole run is retried.
func (t *Tasks) DailyReport(ctx context.Context, attempt int) error {
	log := t.log.With(logx.String("task", DailyReport), logx.Int("attempt", attempt))
	chats, err := t.chats.ActiveChats(ctx)
	if err != nil {
		return fmt.Errorf("list active chats: %w", err)
	}
	if len(chats) == 0 {
		log.Warn("no active chats to report")
		return nil
	}

	var errs []error
	sent := 0
	for _, chatID := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := t.reports.GenerateReport(ctx, chatID)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
		if rep.Empty() && t.skipEmpty {
			continue
		}
		if err := t.sender.Send(ctx, chatID, rep.Text()); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
		sent++
	}
	log.Info("daily report sent", logx.Int("chats", len(chats)), logx.Int("sent", sent), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// WeeklyCleanup drops activity older than the retention window. Failures are
// terminal.
func (t *Tasks) WeeklyCleanup(ctx context.Context, attempt int) error {
	before := t.now().Add(-t.retention)
	st, err := t.cleaner.Cleanup(ctx, before)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("cleanup before %s: %w", before.Format(time.RFC3339), err))
	}
	t.log.Info("weekly cleanup done",
		logx.String("task", WeeklyCleanup),
		logx.Time("before", before),
		logx.Int("keys_deleted", st.KeysDeleted),
		logx.Int("chats_dropped", st.ChatsDropped),
	)
	return nil
}

// Register binds the task bodies by name.
func Register(s *scheduler.Service, t *Tasks) error {
	if err := s.Register(DailyReport, t.DailyReport); err != nil {
		return err
	}
	return s.Register(WeeklyCleanup, t.WeeklyCleanup)
}

// RegisterDefaults registers the bodies and (re)schedules the default jobs.
// Re-running it replaces the jobs in place, which is how a changed retry
// policy or time reaches future runs.
func RegisterDefaults(ctx context.Context, s *scheduler.Service, t *Tasks, cfg Config) error {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.DailyReportAt) == "" {
		cfg.DailyReportAt = def.DailyReportAt
	}
	if strings.TrimSpace(cfg.WeeklyCleanupAt) == "" {
		cfg.WeeklyCleanupAt = def.WeeklyCleanupAt
	}
	if err := Register(s, t); err != nil {
		return err
	}

	rp := cfg.Retry
	if _, err := s.AddDaily(ctx, DailyReport, DailyReport, cfg.DailyReportAt, scheduler.JobOptions{
		Timeout: cfg.ReportTimeout,
		Overlap: scheduler.OverlapSkipIfRunning,
		Retry:   &rp,
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", DailyReport, err)
	}
	if _, err := s.AddWeekly(ctx, WeeklyCleanup, WeeklyCleanup, cfg.WeeklyCleanupDay, cfg.WeeklyCleanupAt, scheduler.JobOptions{
		Timeout: cfg.CleanupTimeout,
		Overlap: scheduler.OverlapSkipIfRunning,
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", WeeklyCleanup, err)
	}
	for _, x := range cfg.Extra {
		tr, err := scheduler.ParseSchedule(x.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", x.ID, &scheduler.TriggerError{Trigger: x.Schedule, Err: err})
		}
		// A reload must not replay a single run that already happened.
		if at := tr.At(); !at.IsZero() && !at.After(t.now()) {
			t.log.Info("single-run job is in the past; not scheduled", logx.String("job", x.ID), logx.Time("at", at))
			continue
		}
		opt := scheduler.JobOptions{Timeout: x.Timeout, Overlap: scheduler.OverlapSkipIfRunning}
		switch x.Task {
		case DailyReport:
			opt.Retry = &rp
			if opt.Timeout <= 0 {
				opt.Timeout = cfg.ReportTimeout
			}
		case WeeklyCleanup:
			if opt.Timeout <= 0 {
				opt.Timeout = cfg.CleanupTimeout
			}
		}
		if _, err := s.AddSchedule(ctx, x.ID, x.Task, x.Schedule, opt); err != nil {
			return fmt.Errorf("schedule %s: %w", x.ID, err)
		}
	}
	return nil
}

// DropExtra removes the jobs of prev that cur no longer lists.
func DropExtra(ctx context.Context, s *scheduler.Service, prev, cur []Scheduled) error {
	keep := make(map[string]bool, len(cur))
	for _, x := range cur {
		keep[x.ID] = true
	}
	var errs []error
	for _, x := range prev {
		if keep[x.ID] {
			continue
		}
		if err := s.RemoveJob(ctx, x.ID); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
