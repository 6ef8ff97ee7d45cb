package app

import (
	"context"
	"sync/atomic"

	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

// logSender stands in for the chat transport when no bot token is
// configured. Outgoing messages are written to the log instead.
type logSender struct {
	log  logx.Logger
	next atomic.Int64
}

var _ kit.Sender = (*logSender)(nil)

func newLogSender(log logx.Logger) *logSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &logSender{log: log.With(logx.String("comp", "logsender"))}
}

func (s *logSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	id := int(s.next.Add(1))
	s.log.Info("message", logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
