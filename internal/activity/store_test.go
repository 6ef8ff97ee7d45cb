package activity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "statbot/pkg/logx"
)

var day0 = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

func newStore(t *testing.T, now *time.Time) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb, Config{}, logx.Nop(),
		WithLocation(time.UTC),
		WithTopN(2),
		WithNow(func() time.Time { return *now }),
	)
	return s, mr
}

func TestRecordAndLeaderboard(t *testing.T) {
	t.Parallel()
	now := day0
	s, mr := newStore(t, &now)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	for _, uid := range []int64{1, 2, 2, 3, 3, 3} {
		require.NoError(t, s.RecordMessage(ctx, -100, uid, "", now))
	}
	require.NoError(t, s.RecordMessage(ctx, -100, 1, "alice", now))

	// Equal scores rank by member in reverse lexical order.
	top, err := s.Leaderboard(ctx, -100, 0)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{UserID: 3, Count: 3}, {UserID: 2, Count: 2}}, top)

	all, err := s.Leaderboard(ctx, -100, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, Entry{UserID: 1, Name: "alice", Count: 2}, all[2])

	assert.True(t, mr.Exists("chat:-100:activity:20240601"))
	assert.Greater(t, mr.TTL("chat:-100:activity:20240601"), time.Duration(0))
}

func TestActiveChatsWindow(t *testing.T) {
	t.Parallel()
	now := day0
	s, _ := newStore(t, &now)
	ctx := context.Background()

	require.NoError(t, s.RecordMessage(ctx, 10, 1, "", now.Add(-48*time.Hour)))
	require.NoError(t, s.RecordMessage(ctx, 20, 1, "", now.Add(-time.Hour)))
	require.NoError(t, s.RecordMessage(ctx, 30, 1, "", now))

	chats, err := s.ActiveChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 20}, chats)
}

func TestGenerateReport(t *testing.T) {
	t.Parallel()
	now := day0
	s, _ := newStore(t, &now)
	ctx := context.Background()

	// Yesterday's messages are not part of today's report.
	require.NoError(t, s.RecordMessage(ctx, 5, 9, "", now.Add(-24*time.Hour)))
	for _, uid := range []int64{1, 1, 1, 1, 2, 2, 3} {
		require.NoError(t, s.RecordMessage(ctx, 5, uid, "", now))
	}
	require.NoError(t, s.RecordMessage(ctx, 5, 2, "bob", now))

	r, err := s.GenerateReport(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.Total)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), r.Day)
	assert.Equal(t, []Entry{{UserID: 1, Count: 4}, {UserID: 2, Name: "bob", Count: 3}}, r.Entries)

	txt := r.Text()
	assert.Contains(t, txt, "2024-06-01")
	assert.Contains(t, txt, "Messages: 8")
	assert.Contains(t, txt, "2. bob: 3")

	empty, err := s.GenerateReport(ctx, 404)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.Contains(t, empty.Text(), "No messages today.")
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	now := day0
	s, mr := newStore(t, &now)
	ctx := context.Background()

	for d := 0; d < 10; d++ {
		require.NoError(t, s.RecordMessage(ctx, 1, 1, "", now.Add(-time.Duration(d)*24*time.Hour)))
	}
	require.NoError(t, s.RecordMessage(ctx, 2, 1, "", now.Add(-9*24*time.Hour)))

	st, err := s.Cleanup(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	// Days -8 and -9 for chat 1, day -9 for chat 2.
	assert.Equal(t, 3, st.KeysDeleted)
	assert.Equal(t, 1, st.ChatsDropped)

	assert.False(t, mr.Exists("chat:1:activity:20240523"))
	assert.True(t, mr.Exists("chat:1:activity:20240525"))
	assert.True(t, mr.Exists("chat:1:activity"), "all-time counters are kept")

	chats, err := s.ActiveChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, chats)
}

func TestLeaderboardText(t *testing.T) {
	assert.Equal(t, "No activity recorded yet.", LeaderboardText(nil))
	got := LeaderboardText([]Entry{{UserID: 1, Name: "alice", Count: 9}, {UserID: 2, Count: 4}})
	assert.Equal(t, "🏆 Leaderboard\n1. alice: 9\n2. user 2: 4", got)
}
