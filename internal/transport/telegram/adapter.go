// Package telegram implements the transport adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "statbot/internal/runtime/supervisor"
	kit "statbot/internal/transport"
	logx "statbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call at construction. Used by tests.
	Offline bool
}

// Adapter polls Telegram for updates and sends messages through the Bot API.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	sess atomic.Pointer[session]

	menuMu   sync.Mutex
	menuHash uint64
}

// session is one Start..Stop cycle.
type session struct {
	out     chan<- kit.Update
	sup     *rtsup.Supervisor
	dropped atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{log: log, bot: bot}
	bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.forward(up)
		}
		return nil
	})
	return a, nil
}

// Supervisor returns the supervisor of the running session, or nil.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	if s := a.sess.Load(); s != nil {
		return s.sup
	}
	return nil
}

func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	switch m.Chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		msg.IsGroup = true
	}
	if u := m.Sender; u != nil {
		msg.FromID = u.ID
		msg.FromUsername = u.Username
		msg.FromName = strings.TrimSpace(u.FirstName + " " + u.LastName)
		if msg.FromName == "" {
			msg.FromName = u.Username
		}
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: &msg}, true
}

// forward hands an update to the consumer without blocking the poller.
func (a *Adapter) forward(up kit.Update) {
	s := a.sess.Load()
	if s == nil {
		return
	}
	select {
	case s.out <- up:
	default:
		s.dropped.Add(1)
	}
}

// Start begins long polling and delivers updates to out. Calling it on a
// running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess.Load() != nil {
		return nil
	}
	s := &session{out: out, sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))}
	a.sess.Store(s)

	s.sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.logDrops(s)
				return
			case <-t.C:
				a.logDrops(s)
			}
		}
	})
	s.sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns when the poller gives up; keep it running until
	// the session ends.
	s.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) logDrops(s *session) {
	if n := s.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (consumer too slow)", logx.Uint64("count", n), logx.Int("chan_cap", cap(s.out)))
	}
}

// Stop ends polling. It waits at most two seconds, or less if ctx expires
// sooner, since an in-flight getUpdates call cannot be interrupted.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	s := a.sess.Swap(nil)
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	a.log.Info("stopping")
	s.sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	switch err := s.sup.Wait(wctx); {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case err != nil:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
