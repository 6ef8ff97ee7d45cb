package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failed, unsubFailed := b.Subscribe(4, TaskFailed)
	defer unsubFailed()
	tasks, unsubTasks := b.Subscribe(4, "task.*")
	defer unsubTasks()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFailed, Data: "x"})
	b.Publish(Event{Type: ConfigReloaded})

	if got := len(all); got != 3 {
		t.Fatalf("all got %d events, want 3", got)
	}
	if got := len(tasks); got != 2 {
		t.Fatalf("task.* got %d events, want 2", got)
	}
	if got := len(failed); got != 1 {
		t.Fatalf("failed got %d events, want 1", got)
	}
	e := <-failed
	if e.Data != "x" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TaskStarted})
		b.Publish(Event{Type: TaskStarted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TaskStarted})
}
