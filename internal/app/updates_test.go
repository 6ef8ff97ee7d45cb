package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"statbot/internal/activity"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

type recorded struct {
	chatID, userID int64
	name           string
}

type fakeActivity struct {
	mu        sync.Mutex
	records   []recorded
	lastLimit int
	failTop   bool
}

func (f *fakeActivity) RecordMessage(_ context.Context, chatID, userID int64, name string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recorded{chatID, userID, name})
	return nil
}

func (f *fakeActivity) Leaderboard(_ context.Context, _ int64, limit int) ([]activity.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.failTop {
		return nil, errors.New("redis down")
	}
	return []activity.Entry{{UserID: 1, Name: "alice", Count: 7}}, nil
}

func (f *fakeActivity) GenerateReport(_ context.Context, chatID int64) (activity.Report, error) {
	return activity.Report{ChatID: chatID, Day: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Total: 2,
		Entries: []activity.Entry{{UserID: 2, Name: "bob", Count: 2}}}, nil
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func newHandler() (*updateHandler, *fakeActivity, *captureSender) {
	act := &fakeActivity{}
	snd := &captureSender{}
	return &updateHandler{log: logx.Nop(), store: act, sender: snd, now: time.Now}, act, snd
}

func msg(text string, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: -42, ThreadID: 3, FromID: 7, FromUsername: "carol", Text: text, IsGroup: group,
	}}
}

func TestHandleRecordsGroupMessages(t *testing.T) {
	t.Parallel()
	h, act, snd := newHandler()
	ctx := context.Background()

	h.handle(ctx, msg("hello", true))
	h.handle(ctx, msg("private hello", false))
	h.handle(ctx, msg("   ", true))
	h.handle(ctx, kit.Update{Kind: kit.UpdateMessage})

	if len(act.records) != 1 {
		t.Fatalf("records = %d, want 1", len(act.records))
	}
	if got := act.records[0]; got != (recorded{-42, 7, "@carol"}) {
		t.Fatalf("record = %+v", got)
	}
	if len(snd.msgs) != 0 {
		t.Fatalf("unexpected replies %v", snd.msgs)
	}
}

func TestHandleTopCommand(t *testing.T) {
	t.Parallel()
	h, act, snd := newHandler()
	h.handle(context.Background(), msg("/top@statbot 3", true))

	if len(act.records) != 0 {
		t.Fatal("commands must not count as activity")
	}
	if act.lastLimit != 3 {
		t.Fatalf("limit = %d, want 3", act.lastLimit)
	}
	if len(snd.msgs) != 1 || !strings.Contains(snd.msgs[0], "1. alice: 7") {
		t.Fatalf("reply = %v", snd.msgs)
	}
	if snd.to[0] != (kit.ChatTarget{ChatID: -42, ThreadID: 3}) {
		t.Fatalf("reply target = %+v", snd.to[0])
	}

	h.handle(context.Background(), msg("/top 1000", true))
	if act.lastLimit != maxTopLimit {
		t.Fatalf("limit = %d, want %d", act.lastLimit, maxTopLimit)
	}
}

func TestHandleTopFailureReplies(t *testing.T) {
	t.Parallel()
	h, act, snd := newHandler()
	act.failTop = true
	h.handle(context.Background(), msg("/top", true))
	if len(snd.msgs) != 1 || snd.msgs[0] != "Leaderboard is unavailable right now." {
		t.Fatalf("reply = %v", snd.msgs)
	}
}

func TestHandleTodayAndUnknown(t *testing.T) {
	t.Parallel()
	h, _, snd := newHandler()
	h.handle(context.Background(), msg("/today", true))
	h.handle(context.Background(), msg("/whatever", true))
	if len(snd.msgs) != 1 || !strings.HasPrefix(snd.msgs[0], "📊 Daily report 2024-06-01") {
		t.Fatalf("reply = %v", snd.msgs)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args []string
		ok   bool
	}{
		{"/top", "top", nil, true},
		{"/TOP@Bot 5 x", "top", []string{"5", "x"}, true},
		{"/", "", nil, false},
		{"/@bot", "", nil, false},
		{"top", "", nil, false},
	}
	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.in)
		if ok != tt.ok || cmd != tt.cmd || !slices.Equal(args, tt.args) {
			t.Fatalf("parseCommand(%q) = %q %v %v, want %q %v %v", tt.in, cmd, args, ok, tt.cmd, tt.args, tt.ok)
		}
	}
}

func TestLoopStopsOnClose(t *testing.T) {
	t.Parallel()
	h, act, _ := newHandler()
	in := make(chan kit.Update, 2)
	in <- msg("a", true)
	in <- msg("b", true)
	close(in)
	if err := h.loop(context.Background(), in); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if len(act.records) != 2 {
		t.Fatalf("records = %d, want 2", len(act.records))
	}
}
