package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"statbot/internal/activity"
	"statbot/internal/config"
	"statbot/internal/eventbus"
	"statbot/internal/jobs"
	"statbot/internal/metrics"
	"statbot/internal/notifier"
	rtsup "statbot/internal/runtime/supervisor"
	"statbot/internal/storage"
	"statbot/internal/task/engine"
	"statbot/internal/task/scheduler"
	kit "statbot/internal/transport"
	"statbot/internal/transport/telegram"
	logx "statbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	// root carries no comp field; components add their own.
	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when no bot token is configured; sender then logs.
	adapter *telegram.Adapter
	sender  kit.Sender

	rdb      *redis.Client
	activity *activity.Store
	metrics  *metrics.Registry
	http     *metrics.Server
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	alerts   *alertForwarder
	updates  chan kit.Update

	// jobsMu guards tasks, which is rebuilt when the jobs or retry
	// sections change.
	jobsMu sync.Mutex
	tasks  *jobs.Tasks
	extra  []jobs.Scheduled
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	a := &App{cfgm: cfgm, updates: make(chan kit.Update, 256)}
	bootLog := logx.NewConsole(cfg.Logging.Level)

	var ls *logSender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
		a.sender = ad
	} else {
		ls = newLogSender(bootLog)
		a.sender = ls
	}

	a.logs, a.root = logx.New(mapLogConfig(cfg, a.adapter != nil), a.sender)
	a.log = a.root.With(logx.String("comp", "app"))
	if ls != nil {
		ls.log = a.root.With(logx.String("comp", "logsender"))
		a.log.Warn("telegram.token is empty; outgoing messages are logged only")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	actCfg, err := mapActivityConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	a.store, err = storage.Open(sc, a.root)
	if err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	var mopts []metrics.Option
	if cfg.Metrics.RuntimeCollectors {
		mopts = append(mopts, metrics.WithRuntimeCollectors())
	}
	a.metrics = metrics.New(a.root, mopts...)
	a.engine = engine.New(engCfg, a.root, a.bus, engine.WithMetrics(a.metrics))
	a.sched = scheduler.New(schedCfg, a.engine, a.store, a.root, scheduler.WithBus(a.bus))

	a.rdb = activity.NewClient(actCfg)
	a.activity = activity.New(a.rdb, actCfg, a.root,
		activity.WithLocation(a.sched.Location()),
		activity.WithTopN(cfg.Jobs.ReportTopN),
	)

	a.notif = notifier.New(ncfg, a.sender, a.root, a.bus, a.store)
	a.alerts = &alertForwarder{log: a.root.With(logx.String("comp", "alerts")), notif: a.notif}
	a.alerts.setChats(cfg.Telegram.AlertChatIDs)
	a.tasks = a.newTasks(jcfg)
	a.http = metrics.NewServer(mcfg, a.metrics, a.health, a.root)
	return a, nil
}

func (a *App) newTasks(cfg jobs.Config) *jobs.Tasks {
	return jobs.New(cfg, jobs.Deps{
		Reports: a.activity,
		Chats:   a.activity,
		Sender:  a.notif,
		Cleaner: a.activity,
		Log:     a.root,
	})
}

// Scheduler exposes the scheduler for callers adding their own jobs.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.root)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapped(cfg) })

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := a.activity.Ping(pctx); err != nil {
		a.log.Warn("redis unreachable; activity will be retried per request", logx.Err(err))
	}
	cancel()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.http.Start(runCtx)

	cfg := a.cfgm.Get()
	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	if err := jobs.RegisterDefaults(ctx, a.sched, a.currentTasks(), jcfg); err != nil {
		return err
	}
	a.jobsMu.Lock()
	a.extra = jcfg.Extra
	a.jobsMu.Unlock()
	if a.sched.Enabled() {
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; reports and cleanup will not run")
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		if err := a.adapter.UpdateMenuCommands(menuCommands); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
		h := &updateHandler{
			log:    a.root.With(logx.String("comp", "updates")),
			store:  a.activity,
			sender: a.sender,
			now:    time.Now,
		}
		a.sup.Go("updates.dispatch", func(c context.Context) error { return h.loop(c, a.updates) })
	}

	failed, unsubFailed := a.bus.Subscribe(64, eventbus.TaskFailed)
	a.sup.Go0("alerts.forward", func(c context.Context) {
		defer unsubFailed()
		a.alerts.loop(c, failed)
	})

	// Debug-level event trace; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

func (a *App) currentTasks() *jobs.Tasks {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	return a.tasks
}

// applyConfig pushes a reloaded config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg, a.adapter != nil))
	a.alerts.setChats(newCfg.Telegram.AlertChatIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if mcfg, err := mapMetricsConfig(newCfg); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, mcfg)
	}

	a.applyTaskRuntime(ctx, newCfg)

	if slices.Contains(sections, "jobs") || slices.Contains(sections, "retry") {
		a.applyJobs(ctx, newCfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTaskRuntime(ctx context.Context, cfg *config.Config) {
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}

	running := a.sched.Running()
	if running && !schedCfg.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, schedCfg.GracePeriod+time.Second)
		if err := a.sched.Shutdown(stopCtx); err != nil {
			a.log.Warn("scheduler shutdown incomplete", logx.Err(err))
		}
		cancel()
		a.log.Info("scheduler disabled via config")
	}

	a.engine.Apply(ctx, engCfg)
	a.sched.Apply(schedCfg)

	if !running && schedCfg.Enabled {
		if err := a.sched.Start(ctx); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
			a.log.Error("scheduler start failed", logx.Err(err))
			return
		}
		a.log.Info("scheduler enabled via config")
	}
}

// applyJobs rebinds the task bodies and re-adds the default jobs so the new
// times and retry policy apply to future runs. Runs already in flight keep
// the policy they started with.
func (a *App) applyJobs(ctx context.Context, cfg *config.Config) {
	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		return
	}
	a.jobsMu.Lock()
	a.tasks = a.newTasks(jcfg)
	t, prev := a.tasks, a.extra
	a.extra = jcfg.Extra
	a.jobsMu.Unlock()
	if err := jobs.DropExtra(ctx, a.sched, prev, jcfg.Extra); err != nil {
		a.log.Warn("removed extra jobs not all dropped", logx.Err(err))
	}
	if err := jobs.RegisterDefaults(ctx, a.sched, t, jcfg); err != nil {
		a.log.Error("default jobs not rescheduled", logx.Err(err))
		return
	}
	a.log.Info("default jobs rescheduled",
		logx.String("daily_report_at", jcfg.DailyReportAt),
		logx.String("retry", jcfg.Retry.String()),
		logx.Int("extra", len(jcfg.Extra)),
	)
}

// validateMapped rejects a reload that any component would refuse.
func validateMapped(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapEngineConfig(cfg)
	collect(err)
	_, err = mapSchedulerConfig(cfg)
	collect(err)
	_, err = mapActivityConfig(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	_, err = mapJobsConfig(cfg)
	collect(err)
	_, err = mapMetricsConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Intake first, then the scheduler (which drains the engine), then sinks.
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	grace := scheduler.DefaultGracePeriod
	if sc, err := mapSchedulerConfig(a.cfgm.Get()); err == nil {
		grace = sc.GracePeriod
	}
	step("scheduler", grace+time.Second, func(c context.Context) error { return a.sched.Shutdown(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("redis", 1*time.Second, func(context.Context) error { return a.rdb.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, update dispatch, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
