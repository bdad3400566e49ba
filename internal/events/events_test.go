package events

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Kind: KindRunStarted, IssueRef: "github.com/acme/web#1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != KindRunStarted {
				t.Errorf("sub %d: kind = %q", i, e.Kind)
			}
			if e.Time.IsZero() {
				t.Errorf("sub %d: time not filled", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: KindPoll})
	b.Publish(Event{Kind: KindDrop}) // buffer full, must not block

	e := <-ch
	if e.Kind != KindPoll {
		t.Errorf("kind = %q, want %q", e.Kind, KindPoll)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second event %q", e.Kind)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	b.Publish(Event{Kind: KindPoll})
	if _, ok := <-ch; ok {
		t.Error("closed channel delivered an event")
	}
}
