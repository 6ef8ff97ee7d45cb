package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "statbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file: it loads it, watches it and hands each
// accepted revision to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	cur atomic.Pointer[revision]

	validate func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

type revision struct {
	cfg  *Config
	hash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
}

// SetValidator installs a check that a reloaded config must pass before it
// is committed. It does not apply to Load.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	if r := m.cur.Load(); r != nil {
		return r.cfg
	}
	return nil
}

func (m *Manager) commit(cfg *Config, hash uint64) {
	m.cur.Store(&revision{cfg: cfg, hash: hash})
}

// fingerprint hashes the canonical JSON form, so formatting-only edits of
// the file hash the same.
func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving every committed reload. A slow
// subscriber loses older revisions, never the newest.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(sub <-chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if ch == sub {
			delete(m.subs, ch)
			close(ch)
			return
		}
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Reload re-reads the file and publishes it when the content changed and
// the validator accepts it. It reports whether a new revision was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := fingerprint(cfg)
	if r := m.cur.Load(); r != nil && h != 0 && r.hash == h {
		return false, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("rejected: %w", err)
		}
	}
	m.commit(cfg, h)
	m.broadcast(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
	return true, nil
}

// Watch reloads the file on change until ctx is done. Bursts of events are
// debounced. A broken fsnotify watcher is rebuilt with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	kick := make(chan struct{}, 1)
	go m.debounceLoop(ctx, kick)

	notify := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	backoff := watchBackoffMin
	for {
		err := m.watchOnce(ctx, notify, func() { backoff = watchBackoffMin })
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher failed; retrying", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (m *Manager) debounceLoop(ctx context.Context, kick <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			t.Reset(reloadDebounce)
		case <-t.C:
			changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case !changed:
				m.log.Debug("config unchanged", logx.String("path", m.path))
			}
		}
	}
}

// watchOnce watches the parent directory so that editors replacing the
// file by rename are still seen. It returns when the watcher breaks.
func (m *Manager) watchOnce(ctx context.Context, notify, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dir, base := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", base))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), base) {
				notify()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error stream closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload")
				notify()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
