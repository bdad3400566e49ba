package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsAction(t *testing.T) {
	d := NewDispatcher(2)
	done := make(chan struct{})
	ok := d.Submit(context.Background(), "a", "Research", func(ctx context.Context) {
		close(done)
	})
	if !ok {
		t.Fatal("submit refused")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("action never ran")
	}
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	d := NewDispatcher(2)
	release := make(chan struct{})
	d.Submit(context.Background(), "a", "Research", func(ctx context.Context) {
		<-release
	})
	if d.Submit(context.Background(), "a", "Plan", func(ctx context.Context) {}) {
		t.Error("duplicate key accepted")
	}
	close(release)
}

func TestDispatcherEnforcesWidth(t *testing.T) {
	d := NewDispatcher(2)
	release := make(chan struct{})
	for _, key := range []string{"a", "b"} {
		if !d.Submit(context.Background(), key, "Research", func(ctx context.Context) { <-release }) {
			t.Fatalf("submit %s refused", key)
		}
	}
	if d.Submit(context.Background(), "c", "Research", func(ctx context.Context) {}) {
		t.Error("pool over width accepted a submission")
	}
	if d.Len() != 2 {
		t.Errorf("len = %d, want 2", d.Len())
	}
	close(release)

	// Slots free up once actions finish.
	deadline := time.After(time.Second)
	for d.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("slots never freed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !d.Submit(context.Background(), "c", "Research", func(ctx context.Context) {}) {
		t.Error("freed slot refused a submission")
	}
}

func TestDispatcherCancelWaits(t *testing.T) {
	d := NewDispatcher(1)
	var finished atomic.Bool
	d.Submit(context.Background(), "a", "Implement", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	if !d.Cancel("a") {
		t.Fatal("cancel found nothing in flight")
	}
	if !finished.Load() {
		t.Error("cancel returned before the action finished")
	}
	if d.Cancel("a") {
		t.Error("second cancel found a ghost action")
	}
}

func TestDispatcherShutdown(t *testing.T) {
	d := NewDispatcher(2)
	d.Submit(context.Background(), "a", "Research", func(ctx context.Context) {
		<-ctx.Done()
	})
	if !d.Shutdown(time.Second) {
		t.Error("shutdown timed out on a cooperative action")
	}

	d2 := NewDispatcher(1)
	block := make(chan struct{})
	defer close(block)
	d2.Submit(context.Background(), "b", "Research", func(ctx context.Context) {
		<-block // ignores cancellation
	})
	if d2.Shutdown(30 * time.Millisecond) {
		t.Error("shutdown reported clean exit for a stuck action")
	}
}
