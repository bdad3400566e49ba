package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/kiln/internal/store"
)

// maintenanceSchedule is the housekeeping cadence.
const maintenanceSchedule = "@every 1h"

// decisionRetention is how long yolo decisions stay queryable.
const decisionRetention = 30 * 24 * time.Hour

// maintenance runs periodic housekeeping beside the poll loop: orphaned
// worktrees, stale run records, old decision entries.
type maintenance struct {
	engine *Engine
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

func newMaintenance(e *Engine) *maintenance {
	return &maintenance{engine: e, cron: cron.New()}
}

func (m *maintenance) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	if _, err := m.cron.AddFunc(maintenanceSchedule, m.sweep); err != nil {
		m.engine.log.Warn("Failed to schedule maintenance", slog.Any("error", err))
		return
	}
	m.cron.Start()
	m.running = true
	m.engine.log.Info("Maintenance scheduled", slog.String("schedule", maintenanceSchedule))
}

func (m *maintenance) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.running = false
}

// sweep is one maintenance pass.
func (m *maintenance) sweep() {
	e := m.engine
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	e.liveMu.Lock()
	live := e.live
	e.liveMu.Unlock()
	// No completed poll yet means no authority on what is orphaned.
	if live != nil {
		if removed := e.workspace.OrphanSweep(ctx, live); len(removed) > 0 {
			e.log.Info("Removed orphaned worktrees",
				slog.Int("count", len(removed)), slog.Any("paths", removed))
		}
	}

	if n, err := m.finalizeStaleRuns(staleRunAge); err != nil {
		e.log.Warn("Failed to finalize stale runs", slog.Any("error", err))
	} else if n > 0 {
		e.log.Info("Finalized stale runs", slog.Int("count", n))
	}

	if e.decisions != nil {
		if n, err := e.decisions.Purge(decisionRetention); err != nil {
			e.log.Warn("Failed to purge old decisions", slog.Any("error", err))
		} else if n > 0 {
			e.log.Info("Purged old decisions", slog.Int64("count", n))
		}
	}
}

// finalizeStaleRuns cancels old run records whose issue is no longer in the
// dispatcher. A long stage run past the age threshold but still in flight is
// left alone; the startup pass handles true crash orphans.
func (m *maintenance) finalizeStaleRuns(olderThan time.Duration) (int, error) {
	e := m.engine
	runs, err := e.store.RunningRuns()
	if err != nil {
		return 0, err
	}
	var n int
	for _, r := range runs {
		if time.Since(r.StartedAt) < olderThan || e.dispatch.Running(r.IssueRef) {
			continue
		}
		if err := e.store.FinishRun(r.ID, store.OutcomeCancelled, r.SessionID, 0, 0); err != nil {
			e.log.Warn("Failed to finalize stale run",
				slog.String("run_id", r.ID), slog.Any("error", err))
			continue
		}
		n++
	}
	return n, nil
}
