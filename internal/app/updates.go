package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"statbot/internal/activity"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

const maxTopLimit = 50

// menuCommands is published to the chat client's command menu.
var menuCommands = []kit.BotCommand{
	{Command: "top", Description: "All-time message leaderboard"},
	{Command: "today", Description: "Today's activity report"},
}

// ActivityRecorder is the part of the activity store the update loop uses.
type ActivityRecorder interface {
	RecordMessage(ctx context.Context, chatID, userID int64, name string, at time.Time) error
	Leaderboard(ctx context.Context, chatID int64, limit int) ([]activity.Entry, error)
	GenerateReport(ctx context.Context, chatID int64) (activity.Report, error)
}

type updateHandler struct {
	log    logx.Logger
	store  ActivityRecorder
	sender kit.Sender
	now    func() time.Time
}

func (h *updateHandler) loop(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			h.handle(ctx, up)
		}
	}
}

func (h *updateHandler) handle(ctx context.Context, up kit.Update) {
	m := up.Message
	if up.Kind != kit.UpdateMessage || m == nil {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if cmd, args, ok := parseCommand(text); ok {
		h.command(ctx, m, cmd, args)
		return
	}
	if !m.IsGroup || m.FromID == 0 {
		return
	}
	if err := h.store.RecordMessage(ctx, m.ChatID, m.FromID, senderName(m), h.now()); err != nil {
		h.log.Warn("record message failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (h *updateHandler) command(ctx context.Context, m *kit.Message, cmd string, args []string) {
	var reply string
	switch cmd {
	case "top":
		limit := 0
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = min(n, maxTopLimit)
			}
		}
		entries, err := h.store.Leaderboard(ctx, m.ChatID, limit)
		if err != nil {
			h.log.Warn("leaderboard failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			reply = "Leaderboard is unavailable right now."
			break
		}
		reply = activity.LeaderboardText(entries)
	case "today":
		r, err := h.store.GenerateReport(ctx, m.ChatID)
		if err != nil {
			h.log.Warn("report failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			reply = "Report is unavailable right now."
			break
		}
		reply = r.Text()
	default:
		return
	}
	to := m.ReplyTarget()
	if _, err := h.sender.SendText(ctx, to, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		h.log.Warn("reply failed", logx.String("cmd", cmd), logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	cmd = strings.ToLower(cmd)
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func senderName(m *kit.Message) string {
	if n := strings.TrimSpace(m.FromName); n != "" {
		return n
	}
	if u := strings.TrimSpace(m.FromUsername); u != "" {
		return "@" + u
	}
	return ""
}
