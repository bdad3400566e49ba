package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/kiln/internal/logging"
)

// Dispatcher runs per-issue actions with a bounded pool. One action per
// issue at a time; submissions beyond the pool width are dropped, not
// queued, because the next poll re-derives everything from board state.
type Dispatcher struct {
	width int
	log   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*action
	wg       sync.WaitGroup
}

type action struct {
	workflow string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDispatcher creates a dispatcher limited to width concurrent actions.
func NewDispatcher(width int) *Dispatcher {
	return &Dispatcher{
		width:    width,
		log:      logging.WithComponent("dispatcher"),
		inflight: make(map[string]*action),
	}
}

// Submit runs fn in a goroutine keyed by the issue ref. Returns false when
// the issue already has an action in flight or the pool is full.
func (d *Dispatcher) Submit(ctx context.Context, key, workflow string, fn func(ctx context.Context)) bool {
	d.mu.Lock()
	if _, dup := d.inflight[key]; dup {
		d.mu.Unlock()
		d.log.Debug("Dropping duplicate submission",
			slog.String("issue_ref", key), slog.String("workflow", workflow))
		return false
	}
	if len(d.inflight) >= d.width {
		d.mu.Unlock()
		d.log.Warn("Dropping submission, pool full",
			slog.String("issue_ref", key),
			slog.String("workflow", workflow),
			slog.Int("width", d.width),
		)
		return false
	}

	actCtx, cancel := context.WithCancel(ctx)
	a := &action{workflow: workflow, cancel: cancel, done: make(chan struct{})}
	d.inflight[key] = a
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
			close(a.done)
			cancel()
			d.wg.Done()
		}()
		fn(actCtx)
	}()
	return true
}

// Running reports whether the issue has an action in flight.
func (d *Dispatcher) Running(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[key]
	return ok
}

// Len returns the number of in-flight actions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Cancel cancels the issue's in-flight action, if any, and waits for it to
// finish. Returns whether an action was cancelled.
func (d *Dispatcher) Cancel(key string) bool {
	d.mu.Lock()
	a, ok := d.inflight[key]
	d.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	<-a.done
	return true
}

// Shutdown cancels every in-flight action and waits up to grace for them to
// finish. Returns false if the grace period expired first.
func (d *Dispatcher) Shutdown(grace time.Duration) bool {
	d.mu.Lock()
	for _, a := range d.inflight {
		a.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		d.log.Warn("Shutdown grace period expired with actions still running",
			slog.Int("remaining", d.Len()))
		return false
	}
}
