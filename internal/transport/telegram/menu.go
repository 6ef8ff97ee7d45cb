package telegram

import (
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands sets the bot command menu. Telegram is only called
// when the list differs from the last one set.
func (a *Adapter) UpdateMenuCommands(cmds []kit.BotCommand) error {
	sum, list := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// menuCommands converts cmds to telebot commands, skipping unnamed ones,
// and returns a hash of the result.
func menuCommands(cmds []kit.BotCommand) (uint64, []tele.Command) {
	list := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	h := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if len(list) == maxMenuCommands {
			break
		}
		desc := c.Description
		switch {
		case desc == "":
			desc = c.Command
		case len(desc) > maxMenuDescription:
			desc = desc[:maxMenuDescription]
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		_, _ = h.Write([]byte(c.Command + "\x00" + desc + "\x00"))
	}
	return h.Sum64(), list
}
