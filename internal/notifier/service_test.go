package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statbot/internal/eventbus"
	"statbot/internal/storage"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeSender struct {
	mu    sync.Mutex
	fails int
	calls int
	texts []string
	chats []int64
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: bad gateway")
	}
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func start(t *testing.T, svc *Service) {
	t.Helper()
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		svc.Stop(ctx)
	})
}

func TestSendDeliversSynchronously(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc := New(testConfig(), snd, logx.Nop(), nil, nil)

	require.NoError(t, svc.Send(context.Background(), -100123, "daily report"))
	assert.Equal(t, []string{"daily report"}, snd.sent())
	require.Len(t, svc.Snapshot(), 1)

	require.NoError(t, svc.Send(context.Background(), -100123, "   "), "blank text is a no-op")
	assert.Equal(t, 1, snd.callCount())
}

func TestSendReturnsTransportError(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 1}
	svc := New(testConfig(), snd, logx.Nop(), nil, nil)

	err := svc.Send(context.Background(), 7, "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send to 7")

	assert.ErrorIs(t, New(testConfig(), nil, logx.Nop(), nil, nil).Send(context.Background(), 7, "x"), ErrNoSender)
}

func TestNotifyRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	svc := New(testConfig(), snd, logx.Nop(), nil, nil)
	start(t, svc)

	require.NoError(t, svc.Notify(context.Background(), Alert{Channel: "task.failed", Target: kit.ChatTarget{ChatID: 1}, Priority: PriorityCritical, Text: "daily_report failed"}))
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, waitFor, tick)
	assert.Equal(t, 3, snd.callCount())
	assert.True(t, strings.HasPrefix(snd.sent()[0], "🚨 "))
}

func TestNotifyGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventFailed)
	defer unsub()

	snd := &fakeSender{fails: 10}
	svc := New(testConfig(), snd, logx.Nop(), bus, nil)
	start(t, svc)

	require.NoError(t, svc.Notify(context.Background(), Alert{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}))
	select {
	case ev := <-events:
		assert.NotEmpty(t, ev.Data.(Event).Error)
	case <-time.After(waitFor):
		t.Fatal("notifier.failed not published")
	}
	assert.Equal(t, 3, snd.callCount())
}

func TestNotifyDeduplicates(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc := New(testConfig(), snd, logx.Nop(), nil, nil)
	start(t, svc)

	a := Alert{Channel: "task.failed", Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Notify(context.Background(), a))
	}
	a.Text = "different"
	require.NoError(t, svc.Notify(context.Background(), a))

	require.Eventually(t, func() bool { return len(snd.sent()) == 2 }, waitFor, tick)
	time.Sleep(5 * tick)
	assert.Len(t, snd.sent(), 2)
}

func TestNotifyDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	cfg := testConfig()
	cfg.PersistDedup = true
	a := Alert{Channel: "task.failed", Target: kit.ChatTarget{ChatID: 1}, Text: "weekly_cleanup failed"}

	first := &fakeSender{}
	svc := New(cfg, first, logx.Nop(), nil, store)
	svc.Start(context.Background())
	require.NoError(t, svc.Notify(context.Background(), a))
	require.Eventually(t, func() bool { return len(first.sent()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		_, ok, _ := store.GetDedup(context.Background(), dedupKey(a))
		return ok
	}, waitFor, tick)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	svc.Stop(ctx)
	cancel()

	second := &fakeSender{}
	svc2 := New(cfg, second, logx.Nop(), nil, store)
	start(t, svc2)
	require.NoError(t, svc2.Notify(context.Background(), a))
	time.Sleep(5 * tick)
	assert.Empty(t, second.sent())
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	assert.ErrorIs(t, New(cfg, &fakeSender{}, logx.Nop(), nil, nil).Notify(context.Background(), Alert{Text: "x"}), ErrDisabled)

	svc := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, svc.Notify(context.Background(), Alert{Text: "x"}), ErrStopped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.Notify(ctx, Alert{Text: "x"}), context.Canceled)
}

func TestDedupKeyIgnoresEmptyChannel(t *testing.T) {
	t.Parallel()
	assert.Empty(t, dedupKey(Alert{Text: "x"}))
	a := dedupKey(Alert{Channel: "c", Text: "x"})
	b := dedupKey(Alert{Channel: "c", Text: "y"})
	assert.NotEqual(t, a, b)
}

func TestDedupCachePrunesSoonestExpiring(t *testing.T) {
	t.Parallel()
	c := newDedupCache()
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	ok, _ := c.admit(ctx, "a", now, time.Minute, 2, nil)
	require.True(t, ok)
	ok, _ = c.admit(ctx, "b", now, time.Hour, 2, nil)
	require.True(t, ok)
	ok, until := c.admit(ctx, "c", now, 2*time.Hour, 2, nil)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Hour), until)
	assert.Equal(t, 2, c.size())

	ok, _ = c.admit(ctx, "a", now, time.Minute, 2, nil)
	assert.True(t, ok, "evicted key is admitted again")
	ok, _ = c.admit(ctx, "c", now.Add(time.Minute), time.Minute, 2, nil)
	assert.False(t, ok, "unexpired key stays suppressed")
	ok, _ = c.admit(ctx, "c", now.Add(3*time.Hour), time.Minute, 2, nil)
	assert.True(t, ok, "expired key is admitted")
}
