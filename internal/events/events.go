// Package events carries the daemon's live activity feed. The engine
// publishes to a Bus; the websocket server and dashboard subscribe.
package events

import (
	"sync"
	"time"
)

// Event kinds.
const (
	KindPoll        = "poll"
	KindRunStarted  = "run_started"
	KindRunFinished = "run_finished"
	KindRunFailed   = "run_failed"
	KindDrop        = "drop"
	KindReset       = "reset"
	KindAdvance     = "advance"
	KindHibernate   = "hibernate"
	KindResume      = "resume"
	KindComment     = "comment"
	KindCompletion  = "completion"
)

// Event is one daemon activity record.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	IssueRef string    `json:"issue_ref,omitempty"`
	Workflow string    `json:"workflow,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses events rather than stalling the engine.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room. Time is filled
// in when zero.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
