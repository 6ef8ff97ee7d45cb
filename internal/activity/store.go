package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "statbot/pkg/logx"
)

const (
	activeChatsKey = "chats:active"
	dayLayout      = "20060102"
	scanBatch      = 200
)

func allKey(chatID int64) string   { return fmt.Sprintf("chat:%d:activity", chatID) }
func namesKey(chatID int64) string { return fmt.Sprintf("chat:%d:names", chatID) }
func dayKey(chatID int64, day time.Time) string {
	return fmt.Sprintf("chat:%d:activity:%s", chatID, day.Format(dayLayout))
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	opt := &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	return redis.NewClient(opt)
}

// Store implements the report source, active chat lister and cleaner on top
// of Redis. It is safe for concurrent use.
type Store struct {
	rdb          redis.UniversalClient
	log          logx.Logger
	loc          *time.Location
	now          func() time.Time
	topN         int
	activeWindow time.Duration
	dayTTL       time.Duration
}

type Option func(*Store)

// WithLocation sets the timezone that defines day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithTopN sets how many users a report lists.
func WithTopN(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.topN = n
		}
	}
}

func New(rdb redis.UniversalClient, cfg Config, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		rdb:          rdb,
		log:          log.With(logx.String("comp", "activity")),
		loc:          time.Local,
		now:          time.Now,
		topN:         10,
		activeWindow: cfg.ActiveWindow,
		dayTTL:       cfg.DayTTL,
	}
	if s.activeWindow <= 0 {
		s.activeWindow = DefaultActiveWindow
	}
	if s.dayTTL <= 0 {
		s.dayTTL = DefaultDayTTL
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RecordMessage counts one message from userID in chatID at time at.
func (s *Store) RecordMessage(ctx context.Context, chatID, userID int64, name string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	member := strconv.FormatInt(userID, 10)
	dk := dayKey(chatID, at.In(s.loc))

	pipe := s.rdb.TxPipeline()
	pipe.ZIncrBy(ctx, allKey(chatID), 1, member)
	pipe.ZIncrBy(ctx, dk, 1, member)
	pipe.Expire(ctx, dk, s.dayTTL)
	pipe.ZAddGT(ctx, activeChatsKey, redis.Z{Score: float64(at.Unix()), Member: strconv.FormatInt(chatID, 10)})
	if name = strings.TrimSpace(name); name != "" {
		pipe.HSet(ctx, namesKey(chatID), member, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// Leaderboard returns the all-time top users of chatID.
func (s *Store) Leaderboard(ctx context.Context, chatID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.topN
	}
	return s.top(ctx, chatID, allKey(chatID), limit)
}

// ActiveChats lists chats seen within the active window, most recent first.
func (s *Store) ActiveChats(ctx context.Context) ([]int64, error) {
	since := s.now().Add(-s.activeWindow).Unix()
	ids, err := s.rdb.ZRevRangeByScore(ctx, activeChatsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("active chats: %w", err)
	}
	out := make([]int64, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.log.Warn("bad chat id in active set", logx.String("member", raw))
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// GenerateReport summarizes today's activity in chatID.
func (s *Store) GenerateReport(ctx context.Context, chatID int64) (Report, error) {
	now := s.now().In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	key := dayKey(chatID, day)

	entries, err := s.top(ctx, chatID, key, s.topN)
	if err != nil {
		return Report{}, err
	}
	scores, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return Report{}, fmt.Errorf("report total: %w", err)
	}
	var total int64
	for _, z := range scores {
		total += int64(z.Score)
	}
	return Report{ChatID: chatID, Day: day, Total: total, Entries: entries}, nil
}

func (s *Store) top(ctx context.Context, chatID int64, key string, limit int) ([]Entry, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("rank %s: %w", key, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(zs))
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		uid, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		members = append(members, m)
		out = append(out, Entry{UserID: uid, Count: int64(z.Score)})
	}
	if len(members) == 0 {
		return out, nil
	}
	names, err := s.rdb.HMGet(ctx, namesKey(chatID), members...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.Debug("name lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return out, nil
	}
	for i := range out {
		if i < len(names) {
			if n, ok := names[i].(string); ok {
				out[i].Name = n
			}
		}
	}
	return out, nil
}

// Cleanup deletes per-day keys for days before the day of before, and drops
// chats last seen before it from the active set.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (CleanupStats, error) {
	var st CleanupStats
	b := before.In(s.loc)
	cutoff := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, s.loc)

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "chat:*:activity:*", scanBatch).Result()
		if err != nil {
			return st, fmt.Errorf("scan day keys: %w", err)
		}
		var stale []string
		for _, k := range keys {
			i := strings.LastIndexByte(k, ':')
			day, err := time.ParseInLocation(dayLayout, k[i+1:], s.loc)
			if err != nil {
				continue
			}
			if day.Before(cutoff) {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			n, err := s.rdb.Del(ctx, stale...).Result()
			if err != nil {
				return st, fmt.Errorf("delete day keys: %w", err)
			}
			st.KeysDeleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	n, err := s.rdb.ZRemRangeByScore(ctx, activeChatsKey, "-inf", "("+strconv.FormatInt(before.Unix(), 10)).Result()
	if err != nil {
		return st, fmt.Errorf("prune active chats: %w", err)
	}
	st.ChatsDropped = int(n)
	return st, nil
}
