package telegram

import (
	"context"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "statbot/internal/transport"
)

// textLimit stays under Telegram's 4096 character cap.
const textLimit = 4000

// SendText sends text, split into several messages when it is too long.
// The returned ref is that of the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{ParseMode: o.ParseMode, DisableWebPagePreview: o.DisablePreview, ThreadID: to.ThreadID}

	var first kit.MessageRef
	for i, part := range splitTelegramText(text, textLimit, o.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, part, send)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// splitTelegramText packs whole lines into chunks of at most limit runes.
// A line longer than limit is cut hard; in HTML mode the cut moves back so
// that no tag is split.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(s, "\n") {
		rs := []rune(line)
		sep := 0
		if len(cur) > 0 {
			sep = 1
		}
		if len(cur)+sep+len(rs) <= limit {
			if sep == 1 {
				cur = append(cur, '\n')
			}
			cur = append(cur, rs...)
			continue
		}
		flush()
		for len(rs) > limit {
			n := cutAt(rs, limit, html)
			out = append(out, string(rs[:n]))
			rs = rs[n:]
		}
		cur = append(cur, rs...)
	}
	flush()
	return out
}

func cutAt(rs []rune, limit int, html bool) int {
	if !html {
		return limit
	}
	open, closed := -1, -1
	for i, r := range rs[:limit] {
		switch r {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > 0 && open > closed {
		return open
	}
	return limit
}
