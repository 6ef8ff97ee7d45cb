package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
  alert_chat_ids: [-1001]
logging:
  level: info
  console: true
redis:
  addr: localhost:6379
  db: 2
storage:
  driver: sqlite
  path: ./data/scheduled_jobs.db
scheduler:
  enabled: true
  timezone: UTC
task_engine:
  workers: 5
retry:
  max_retries: 3
  base_delay: 5s
  cap: 60s
jobs:
  daily_report_at: "23:59"
  weekly_cleanup_day: sun
  weekly_cleanup_at: "02:00"
metrics:
  enabled: true
  addr: ":8000"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q, want 123:abc", cfg.Telegram.Token)
	}
	if !slices.Equal(cfg.Telegram.AlertChatIDs, []int64{-1001}) {
		t.Fatalf("alert chats = %v", cfg.Telegram.AlertChatIDs)
	}
	if cfg.Retry.MaxRetries == nil || *cfg.Retry.MaxRetries != 3 {
		t.Fatalf("retry.max_retries = %v, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected storage/redis: %+v %+v", cfg.Storage, cfg.Redis)
	}
	if cfg.Notifier != nil {
		t.Fatal("omitted notifier section should stay nil")
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"unknown field", `{"scheduler":{"enabled":true,"workers":2}}`, "unknown field"},
		{"trailing data", `{"scheduler":{"enabled":true}}{"x":1}`, "trailing data"},
		{"trailing array", `{"scheduler":{"enabled":true}} [1]`, "trailing data"},
		{"trailing garbage", `{}  x`, "trailing data"},
		{"bad duration", `{"retry":{"base_delay":"5 seconds"}}`, "retry.base_delay"},
		{"bad driver", `{"storage":{"driver":"postgres"}}`, "storage.driver"},
		{"bad clock", `{"jobs":{"daily_report_at":"25:00"}}`, "jobs.daily_report_at"},
		{"bad weekday", `{"jobs":{"weekly_cleanup_day":"someday"}}`, "jobs.weekly_cleanup_day"},
		{"bad timezone", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"negative retries", `{"retry":{"max_retries":-1}}`, "retry.max_retries"},
		{"metrics path", `{"metrics":{"path":"metrics"}}`, "metrics.path"},
		{"extra job id", `{"jobs":{"extra":[{"task":"daily_report","schedule":"1h"}]}}`, "jobs.extra[0].id"},
		{"extra job reserved id", `{"jobs":{"extra":[{"id":"daily_report","task":"daily_report","schedule":"1h"}]}}`, "already used"},
		{"extra job schedule", `{"jobs":{"extra":[{"id":"x","task":"daily_report"}]}}`, "jobs.extra[0].schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("config.json", []byte(tt.raw))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Weekday
		ok   bool
	}{
		{"", time.Sunday, true},
		{"Sunday", time.Sunday, true},
		{"wed", time.Wednesday, true},
		{"6", time.Saturday, true},
		{"7", time.Sunday, false},
		{"funday", time.Sunday, false},
	}
	for _, tt := range tests {
		got, err := ParseWeekday(tt.in, time.Sunday)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseWeekday(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseWeekday(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := ParseClock(" 23:59 ")
	if err != nil || h != 23 || m != 59 {
		t.Fatalf("ParseClock = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"2359", "24:00", "12:60", "ab:cd"} {
		if _, _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) should fail", bad)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", 5*time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("parsed = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg := *oldCfg
	newCfg.Telegram.Token = "456:def"
	newCfg.Logging.Level = "debug"
	newCfg.Retry.BaseDelay = "10s"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, &newCfg)
	if want := []string{"logging", "retry", "telegram"}; !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if !slices.Equal(restart, []string{"telegram"}) {
		t.Fatalf("restart = %v, want [telegram]", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}

	explicit := DefaultNotifier()
	same := *oldCfg
	same.Notifier = &explicit
	if changed, _, _ := SummarizeConfigChange(oldCfg, &same); len(changed) != 0 {
		t.Fatalf("explicit defaults should not count as change: %v", changed)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the loaded config")
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "trace" {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	updated := strings.Replace(sampleYAML, "level: info", "level: debug", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("level = %q, want debug", got.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after write")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("published config should be committed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "warn" {
			return os.ErrInvalid
		}
		return nil
	})

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	// Comments and layout do not count as a change.
	if err := os.WriteFile(path, []byte("# edited\n"+sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if changed, _ := m.Reload(context.Background()); changed {
		t.Fatal("comment-only edit should not publish")
	}

	before := m.Get()
	rejected := strings.Replace(sampleYAML, "level: info", "level: warn", 1)
	if err := os.WriteFile(path, []byte(rejected), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("err = %v, want validator error", err)
	}
	if m.Get() != before {
		t.Fatal("rejected config must not be committed")
	}
}

func TestDecodeYAMLShapes(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", []byte("logging:\n  level: info\nlogging:\n  level: debug\n")); err == nil {
		t.Fatalf("duplicate key: err = %v", err)
	}
	anchors := "scheduler:\n  timezone: &tz UTC\nactivity_note: *tz\n"
	if _, err := Decode("c.yaml", []byte(anchors)); err == nil || !strings.Contains(err.Error(), "activity_note") {
		t.Fatalf("unknown aliased key should be rejected, got %v", err)
	}
	cfg, err := Decode("c.yml", []byte(""))
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg == nil {
		t.Fatal("empty yaml should decode to zero config")
	}
}
