package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"statbot/internal/eventbus"
	"statbot/internal/notifier"
	"statbot/internal/task/engine"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

// Alerter is the part of the notifier the alert loop uses.
type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// alertForwarder turns terminal task failures into operator alerts.
type alertForwarder struct {
	log   logx.Logger
	notif Alerter

	mu    sync.RWMutex
	chats []int64
}

func (f *alertForwarder) setChats(ids []int64) {
	f.mu.Lock()
	f.chats = slices.Clone(ids)
	f.mu.Unlock()
}

func (f *alertForwarder) loop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == eventbus.TaskFailed {
				f.forward(ctx, e)
			}
		}
	}
}

func (f *alertForwarder) forward(ctx context.Context, e eventbus.Event) {
	a, ok := e.Data.(engine.Attempt)
	if !ok {
		return
	}
	f.mu.RLock()
	chats := f.chats
	f.mu.RUnlock()
	if len(chats) == 0 {
		return
	}

	text := failureText(a)
	for _, id := range chats {
		err := f.notif.Notify(ctx, notifier.Alert{
			Channel:  "task.failed/" + a.Task,
			Target:   kit.ChatTarget{ChatID: id},
			Priority: notifier.PriorityCritical,
			Text:     text,
		})
		switch {
		case err == nil, errors.Is(err, notifier.ErrDisabled):
		default:
			f.log.Warn("alert not queued", logx.String("task", a.Task), logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

func failureText(a engine.Attempt) string {
	return fmt.Sprintf("Task %s failed after %d attempt(s): %s", a.Task, a.Attempt+1, a.Error)
}
