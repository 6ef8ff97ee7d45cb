package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statbot/internal/eventbus"
	"statbot/internal/storage"
	"statbot/internal/task/clock"
	"statbot/internal/task/engine"
	"statbot/internal/task/retry"
	logx "statbot/pkg/logx"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	svc   *Service
	clock *clock.Fake
	store storage.Store
	bus   eventbus.Bus
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	h := &harness{
		clock: clock.NewFake(time.Date(2024, 6, 1, 23, 58, 0, 0, time.UTC)),
		store: store,
		bus:   eventbus.New(),
	}
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), h.bus, engine.WithClock(h.clock))
	h.svc = New(Config{Enabled: true, Timezone: "UTC", TickInterval: tick}, eng, store, logx.Nop(),
		WithClock(h.clock), WithBus(h.bus))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

type counter struct{ n atomic.Int32 }

func (c *counter) body(context.Context, int) error {
	c.n.Add(1)
	return nil
}

func TestCronJobFiresAndAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("daily_report", c.body))
	require.NoError(t, h.svc.Start(context.Background()))

	id, err := h.svc.AddJob(context.Background(), JobSpec{ID: "daily_report", Task: "daily_report", Trigger: Cron("59 23 * * *")})
	require.NoError(t, err)
	assert.Equal(t, "daily_report", id)

	jobs := h.svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC), jobs[0].Next.UTC())

	time.Sleep(3 * tick)
	assert.EqualValues(t, 0, c.n.Load(), "must not fire early")

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.n.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return h.svc.Jobs()[0].Next.UTC().Equal(time.Date(2024, 6, 2, 23, 59, 0, 0, time.UTC))
	}, waitFor, tick)
	assert.Equal(t, time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC), h.svc.Jobs()[0].Prev.UTC())
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("weekly_cleanup", c.body))

	_, err := h.svc.AddJob(context.Background(), JobSpec{Task: "nope", Trigger: Cron("* * * * *")})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = h.svc.AddJob(context.Background(), JobSpec{Task: "weekly_cleanup", Trigger: Cron("61 * * * *")})
	require.ErrorIs(t, err, ErrInvalidTrigger)
	var te *TriggerError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Trigger, "61 * * * *")

	_, err = h.svc.AddJob(context.Background(), JobSpec{Task: "weekly_cleanup", Trigger: Interval(0)})
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	_, err = h.svc.AddJob(context.Background(), JobSpec{Task: "weekly_cleanup"})
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	recs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAddJobGeneratesID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("ping", c.body))

	id, err := h.svc.AddJob(context.Background(), JobSpec{Task: "ping", Trigger: Interval(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	recs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, storage.TriggerInterval, recs[0].TriggerKind)
	assert.Equal(t, "1m0s", recs[0].TriggerSpec)
}

func TestAddJobSameIDReplaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("daily_report", c.body))

	_, err := h.svc.AddJob(context.Background(), JobSpec{ID: "r", Task: "daily_report", Trigger: Cron("59 23 * * *")})
	require.NoError(t, err)
	_, err = h.svc.AddJob(context.Background(), JobSpec{ID: "r", Task: "daily_report", Trigger: Cron("0 12 * * *")})
	require.NoError(t, err)

	jobs := h.svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "cron(0 12 * * *)", jobs[0].Trigger)

	recs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0 12 * * *", recs[0].TriggerSpec)
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("ping", c.body))
	require.NoError(t, h.svc.Start(context.Background()))

	err := h.svc.RemoveJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)

	_, err = h.svc.AddJob(context.Background(), JobSpec{ID: "p", Task: "ping", Trigger: Interval(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, h.svc.RemoveJob(context.Background(), "p"))
	assert.Empty(t, h.svc.Jobs())

	h.clock.Advance(2 * time.Minute)
	time.Sleep(5 * tick)
	assert.EqualValues(t, 0, c.n.Load(), "removed job must not fire")

	recs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Start(context.Background()))
	assert.ErrorIs(t, h.svc.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, h.svc.Running())
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Shutdown(context.Background()))
	require.NoError(t, h.svc.Start(context.Background()))
	require.NoError(t, h.svc.Shutdown(context.Background()))
	require.NoError(t, h.svc.Shutdown(context.Background()))
	assert.False(t, h.svc.Running())
}

func TestStartRehydratesStoredJobs(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PersistJob(context.Background(), storage.JobRecord{
		ID: "ping", Task: "ping", TriggerKind: storage.TriggerInterval, TriggerSpec: "1m0s", CreatedAt: created,
	}))
	require.NoError(t, store.PersistJob(context.Background(), storage.JobRecord{
		ID: "legacy", Task: "legacy_task", TriggerKind: storage.TriggerCron, TriggerSpec: "0 * * * *", CreatedAt: created.Add(time.Second),
	}))

	h := newHarness(t, store)
	var ping, legacy counter
	require.NoError(t, h.svc.Register("ping", ping.body))
	require.NoError(t, h.svc.Start(context.Background()))

	jobs := h.svc.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "ping", jobs[0].ID)
	assert.False(t, jobs[0].Orphaned)
	assert.Equal(t, h.clock.Now().Add(time.Minute), jobs[0].Next)
	assert.Equal(t, "legacy", jobs[1].ID)
	assert.True(t, jobs[1].Orphaned)

	recs, err := store.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2, "orphans stay in the store")

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return ping.n.Load() == 1 }, waitFor, tick)

	require.NoError(t, h.svc.Register("legacy_task", legacy.body))
	jobs = h.svc.Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.False(t, j.Orphaned, j.ID)
	}
}

func TestJobTimeoutSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	h := newHarness(t, store)
	var c counter
	require.NoError(t, h.svc.Register("ping", c.body))
	_, err := h.svc.AddJob(context.Background(), JobSpec{ID: "p", Task: "ping", Trigger: Interval(time.Hour), Options: JobOptions{Timeout: 90 * time.Second}})
	require.NoError(t, err)

	recs, err := store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 90*time.Second, recs[0].Timeout)

	again := newHarness(t, store)
	require.NoError(t, again.svc.Register("ping", c.body))
	require.NoError(t, again.svc.Start(context.Background()))
	jobs := again.svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 90*time.Second, jobs[0].Timeout)
}

func TestSameInstantFiresInRegistrationOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var mu sync.Mutex
	var order []string
	rec := func(name string) Func {
		return func(context.Context, int) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, h.svc.Register(name, rec(name)))
		_, err := h.svc.AddJob(context.Background(), JobSpec{ID: name, Task: name, Trigger: Cron("59 23 * * *")})
		require.NoError(t, err)
	}
	require.NoError(t, h.svc.Start(context.Background()))

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestDateJobRemovedAfterFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	events, unsub := h.bus.Subscribe(8, eventbus.JobRemoved)
	defer unsub()

	var c counter
	require.NoError(t, h.svc.Register("once", c.body))
	require.NoError(t, h.svc.Start(context.Background()))
	_, err := h.svc.AddOnce(context.Background(), "once", "once", 10*time.Second, JobOptions{})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return c.n.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.svc.Jobs()) == 0 }, waitFor, tick)

	select {
	case ev := <-events:
		assert.Equal(t, "once", ev.Data)
	case <-time.After(waitFor):
		t.Fatal("job.removed not published")
	}
	recs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFailingJobRetriesThroughEngine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var calls atomic.Int32
	require.NoError(t, h.svc.Register("flaky", func(_ context.Context, attempt int) error {
		calls.Add(1)
		if attempt == 0 {
			return errors.New("boom")
		}
		return nil
	}))
	require.NoError(t, h.svc.Start(context.Background()))
	_, err := h.svc.AddDaily(context.Background(), "flaky", "flaky", "23:59", JobOptions{Retry: ptr(retry.DefaultPolicy())})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, tick)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
}

func TestShutdownMidBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		canceled bool
	}{
		{"within grace", false},
		{"context already done", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			var calls atomic.Int32
			require.NoError(t, h.svc.Register("down", func(context.Context, int) error {
				calls.Add(1)
				return errors.New("down")
			}))
			require.NoError(t, h.svc.Start(context.Background()))
			_, err := h.svc.AddOnce(context.Background(), "down", "down", 0, JobOptions{
				Overlap: OverlapSkipIfRunning,
				Retry:   ptr(retry.DefaultPolicy()),
			})
			require.NoError(t, err)
			require.Eventually(t, func() bool { return h.svc.engine.Snapshot().PendingRetries == 1 }, waitFor, tick)

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			if tt.canceled {
				cancel()
			}
			err = h.svc.Shutdown(ctx)
			cancel()
			if tt.canceled && err != nil {
				assert.ErrorIs(t, err, context.Canceled)
			} else {
				require.NoError(t, err)
			}
			assert.False(t, h.svc.Running())

			before := calls.Load()
			h.clock.Advance(time.Minute)
			time.Sleep(5 * tick)
			assert.Equal(t, before, calls.Load(), "no attempt after Shutdown returns")
			assert.EqualValues(t, 1, calls.Load())

			snap := h.svc.engine.Snapshot()
			assert.Zero(t, snap.InFlight)
			assert.Zero(t, snap.PendingRetries)
			assert.Zero(t, h.clock.Pending())
		})
	}
}

func TestApplyInvalidTimezoneFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("r", c.body))
	_, err := h.svc.AddJob(context.Background(), JobSpec{ID: "r", Task: "r", Trigger: Cron("0 12 * * *")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC), h.svc.Jobs()[0].Next.UTC())

	h.svc.Apply(Config{Enabled: true, Timezone: "Invalid/Zone", TickInterval: tick})
	assert.Equal(t, time.Local, h.svc.Location(), "invalid timezone falls back to Local")
	assert.False(t, h.svc.Jobs()[0].Next.IsZero())
}

func TestAddWeeklyBuildsCron(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var c counter
	require.NoError(t, h.svc.Register("weekly_cleanup", c.body))
	_, err := h.svc.AddWeekly(context.Background(), "weekly_cleanup", "weekly_cleanup", time.Sunday, "02:00", JobOptions{})
	require.NoError(t, err)
	jobs := h.svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "cron(0 2 * * 0)", jobs[0].Trigger)
	// 2024-06-01 is a Saturday.
	assert.Equal(t, time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC), jobs[0].Next.UTC())

	_, err = h.svc.AddWeekly(context.Background(), "bad", "weekly_cleanup", time.Sunday, "2am", JobOptions{})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func ptr[T any](v T) *T { return &v }
