package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "statbot/internal/transport"
)

const (
	chatQueueSize = 256
	chatMaxLen    = 3500
	chatFieldLen  = 600
	chatTimeout   = 10 * time.Second
)

type chatMessage struct {
	to   kit.ChatTarget
	text string
}

// chatSink is a zerolog.LevelWriter that forwards records at or above a
// minimum level to a chat. Writes never block; over-rate or overflowing
// records are dropped.
type chatSink struct {
	sender kit.Sender
	queue  chan chatMessage

	mu      sync.Mutex
	target  kit.ChatTarget
	min     Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ zerolog.LevelWriter = (*chatSink)(nil)

func newChatSink(sender kit.Sender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatMessage, chatQueueSize), min: LevelWarn}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.target = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	c.min = parseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

// start launches the delivery goroutine once.
func (c *chatSink) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.queue:
			if c.sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatTimeout)
			_, _ = c.sender.SendText(sctx, m.to, m.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, minLevel, lim := c.target, c.min, c.limiter
	c.mu.Unlock()

	if c.sender == nil || to.ChatID == 0 || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := renderChat(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatMessage{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// renderChat turns a JSON record into "[LEVEL] message" followed by one
// sorted key=value line per field.
func renderChat(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	delete(rec, "time")
	delete(rec, "level")
	delete(rec, "message")
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(rec[k]), chatFieldLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 4 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
