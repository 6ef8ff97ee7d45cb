// Package transport defines the chat-facing types shared by the bot and its
// chat client adapters.
package transport

import "context"

type UpdateKind string

// UpdateMessage is the only kind delivered today: a text message.
const UpdateMessage UpdateKind = "message"

// Update is one inbound event from the chat client.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound text message. FromName falls back to the username
// when the sender has no display name.
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 outside topics

	FromID       int64
	FromUsername string
	FromName     string

	Text    string
	IsGroup bool
}

// ReplyTarget addresses the chat and topic m was posted in.
func (m *Message) ReplyTarget() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a sent message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a Sender that also receives updates.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is an entry of the chat client's command menu.
type BotCommand struct {
	Command     string
	Description string
}
