package notifier

import (
	"context"
	"hash/fnv"
	"slices"
	"strconv"
	"sync"
	"time"

	"statbot/internal/storage"
)

// dedupKey identifies an alert for suppression. Alerts without a channel are
// never deduplicated.
func dedupKey(a Alert) string {
	if a.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	for _, part := range []string{
		a.Channel,
		strconv.FormatInt(a.Target.ChatID, 10),
		strconv.Itoa(a.Target.ThreadID),
		strconv.Itoa(int(a.Priority)),
		a.Text,
	} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// dedupCache remembers until when each key is suppressed. admit also
// consults an optional store so suppression carries across restarts.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

type dedupWrite struct {
	key   string
	until time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: make(map[string]time.Time)}
}

// admit reports whether key may be sent now. On admission the key is
// suppressed until now+window and the returned deadline should be persisted.
func (c *dedupCache) admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int, store storage.DedupStore) (bool, time.Time) {
	c.mu.Lock()
	u, seen := c.until[key]
	c.mu.Unlock()
	if seen && now.Before(u) {
		return false, time.Time{}
	}

	if store != nil {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		u, ok, err := store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			c.mu.Lock()
			c.until[key] = u
			c.mu.Unlock()
			return false, time.Time{}
		}
	}

	deadline := now.Add(window)
	c.mu.Lock()
	c.until[key] = deadline
	c.pruneLocked(now, limit)
	c.mu.Unlock()
	return true, deadline
}

// pruneLocked drops expired keys, then the soonest-expiring ones until at
// most limit remain.
func (c *dedupCache) pruneLocked(now time.Time, limit int) {
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	over := len(c.until) - limit
	if limit <= 0 || over <= 0 {
		return
	}
	keys := make([]string, 0, len(c.until))
	for k := range c.until {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return c.until[a].Compare(c.until[b]) })
	for _, k := range keys[:over] {
		delete(c.until, k)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
