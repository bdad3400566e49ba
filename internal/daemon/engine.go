// Package daemon is the engine root: it polls project boards, classifies
// every item, and drives stage workflows, comment iteration, resets and
// completion transitions through a bounded dispatcher. Labels on the issue
// are the durable state machine; the engine re-derives everything it needs
// from board state on every poll.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/alekspetrov/kiln/internal/auth"
	"github.com/alekspetrov/kiln/internal/comments"
	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/runner"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/ticket/github"
	"github.com/alekspetrov/kiln/internal/workflows"
	"github.com/alekspetrov/kiln/internal/workspace"
	"github.com/alekspetrov/kiln/internal/yolo"
)

const (
	// hibernateDelay is how long the engine sleeps after a connectivity
	// failure before rechecking.
	hibernateDelay = 5 * time.Minute
	// shutdownGrace bounds how long in-flight workflows get to wind down.
	shutdownGrace = 30 * time.Second
	// staleRunAge is the threshold for finalizing orphaned run records.
	staleRunAge = time.Hour
	// defaultBaseBranch is the branch worktrees fork from when the issue
	// carries no feature_branch frontmatter.
	defaultBaseBranch = "main"
)

// Engine owns the poll loop and everything hanging off it.
type Engine struct {
	cfg       *config.Config
	client    ticket.Client
	store     *store.Store
	decisions *yolo.DecisionStore
	runner    *runner.Runner
	workspace *workspace.Manager
	comments  *comments.Processor
	yolo      *yolo.Controller
	bus       *events.Bus
	dispatch  *Dispatcher
	log       *slog.Logger
	logRoot   string

	maint *maintenance

	// Labels the engine itself put on issues, stripped on shutdown.
	labelMu sync.Mutex
	tracked map[string]map[string]bool

	bootMu       sync.Mutex
	bootstrapped map[string]bool

	// Refs seen on the last completed poll; feeds the orphan sweep.
	liveMu sync.Mutex
	live   map[string]bool
}

// New wires an engine. decisions may be nil to disable the decision log.
func New(cfg *config.Config, client ticket.Client, st *store.Store, decisions *yolo.DecisionStore, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:          cfg,
		client:       client,
		store:        st,
		decisions:    decisions,
		runner:       runner.New("claude"),
		workspace:    workspace.NewManager(cfg.WorkspaceDir, cfg.Token()),
		bus:          bus,
		dispatch:     NewDispatcher(cfg.MaxConcurrentWorkflows),
		log:          logging.WithComponent("daemon"),
		logRoot:      filepath.Join(filepath.Dir(cfg.LogFile), "runs"),
		tracked:      make(map[string]map[string]bool),
		bootstrapped: make(map[string]bool),
	}
	e.comments = comments.New(client, st, cfg.AllowedUsername, cfg.TeamUsernames, e.runFeedback, e.ensureWorktree)
	e.comments.SetLabelTracker(e.trackLabel)
	e.yolo = yolo.New(client, decisions, cfg.AllowedUsername, cfg.TeamUsernames)
	e.maint = newMaintenance(e)
	return e
}

// Run blocks until ctx is cancelled, polling the configured boards.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.client.ValidateConnection(ctx); err != nil {
		return fmt.Errorf("failed to validate tracker connection: %w", err)
	}
	if err := e.checkTokenScopes(ctx); err != nil {
		return fmt.Errorf("token scope check failed: %w", err)
	}
	if !e.runner.IsAvailable() {
		return fmt.Errorf("claude CLI not found in PATH")
	}

	if n, err := e.store.FinalizeStaleRuns(staleRunAge); err != nil {
		e.log.Warn("Failed to finalize stale runs", slog.Any("error", err))
	} else if n > 0 {
		e.log.Info("Finalized stale runs from previous session", slog.Int64("count", n))
	}

	e.maint.start()
	defer e.maint.stop()

	e.log.Info("Daemon started",
		slog.Int("boards", len(e.cfg.ProjectURLs)),
		slog.Int("poll_interval_s", e.cfg.PollInterval),
		slog.Int("max_concurrent", e.cfg.MaxConcurrentWorkflows),
	)

	for {
		e.poll(ctx)
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-time.After(e.jitteredInterval()):
		}
	}
}

// jitteredInterval spreads polls by ±10% so several daemons sharing a host
// do not synchronize against the API.
func (e *Engine) jitteredInterval() time.Duration {
	base := time.Duration(e.cfg.PollInterval) * time.Second
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(base))
	return base + jitter
}

// poll enumerates every board once and classifies each item.
func (e *Engine) poll(ctx context.Context) {
	e.bus.Publish(events.Event{Kind: events.KindPoll})

	live := make(map[string]bool)
	for _, board := range e.cfg.ProjectURLs {
		items, err := e.client.ListProjectItems(ctx, board)
		if err != nil {
			if ticket.IsNetworkErr(err) {
				e.hibernate(ctx)
				return
			}
			if ctx.Err() != nil {
				return
			}
			e.log.Error("Failed to list board items",
				slog.String("board", board), slog.Any("error", err))
			continue
		}
		for i := range items {
			item := items[i]
			live[item.Ref.String()] = true
			e.processItem(ctx, item)
		}
	}

	e.liveMu.Lock()
	e.live = live
	e.liveMu.Unlock()
}

// hibernate pauses polling after connectivity loss. Workflow state is
// untouched; labels on the board carry everything across the gap.
func (e *Engine) hibernate(ctx context.Context) {
	e.log.Warn("Network unreachable, hibernating",
		slog.Duration("recheck_in", hibernateDelay))
	e.bus.Publish(events.Event{Kind: events.KindHibernate})
	select {
	case <-ctx.Done():
	case <-time.After(hibernateDelay):
		e.bus.Publish(events.Event{Kind: events.KindResume})
	}
}

// processItem applies the per-item classification: reset beats crash
// recovery beats comment iteration beats stage triggering beats completion.
// Errors are logged and skipped; the next poll retries.
func (e *Engine) processItem(ctx context.Context, item ticket.Item) {
	e.ensureRepoLabels(ctx, item.Ref)

	if item.HasLabel(labels.Reset) {
		e.handleReset(ctx, item)
		return
	}
	if e.recoverCrashed(ctx, item) {
		return
	}
	e.maybeProcessComments(ctx, item)
	if e.maybeTrigger(ctx, item) {
		return
	}
	e.maybeYolo(ctx, item)
	e.checkCompletion(ctx, item)
}

// recoverCrashed re-enters a stage whose running label survived a daemon
// crash. Stage writes are idempotent, so at-least-once is safe.
func (e *Engine) recoverCrashed(ctx context.Context, item ticket.Item) bool {
	ref := item.Ref
	running := labels.Running(item.Labels)
	if len(running) == 0 || e.dispatch.Running(ref.String()) {
		return false
	}

	for _, label := range running {
		if label == labels.Preparing {
			// Prepare is a sub-step of a stage; a surviving label is just
			// litter.
			e.removeTrackedLabel(ctx, ref, labels.Preparing)
			continue
		}
		def, ok := workflows.ForRunningLabel(label)
		if !ok {
			continue
		}
		e.log.Warn("Recovering crashed workflow",
			slog.String("issue_ref", ref.String()),
			slog.String("workflow", def.Stage),
		)
		e.dispatch.Submit(ctx, ref.String(), def.Stage, func(ctx context.Context) {
			e.runStage(ctx, item, def)
		})
		return true
	}
	return false
}

// maybeProcessComments dispatches comment iteration when the comment count
// moved past the stored cursor. Only Research and Plan items iterate: their
// generated sections are what feedback revises.
func (e *Engine) maybeProcessComments(ctx context.Context, item ticket.Item) {
	ref := item.Ref
	if item.Status != "Research" && item.Status != "Plan" {
		return
	}
	if e.dispatch.Running(ref.String()) {
		return
	}
	state, err := e.store.IssueState(ref.String())
	if err != nil {
		e.log.Warn("Failed to load issue state",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		return
	}
	if state.CommentCursor != nil && state.CommentCount == item.CommentCount {
		return
	}

	e.dispatch.Submit(ctx, ref.String(), config.StageProcessComments, func(ctx context.Context) {
		if err := e.comments.Process(ctx, item); err != nil {
			e.log.Error("Comment processing failed",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
			return
		}
		e.bus.Publish(events.Event{
			Kind: events.KindComment, IssueRef: ref.String(),
			Workflow: config.StageProcessComments,
		})
	})
}

// maybeTrigger dispatches the stage workflow for the item's column when the
// stage gate passes. Returns whether a workflow was dispatched.
func (e *Engine) maybeTrigger(ctx context.Context, item ticket.Item) bool {
	ref := item.Ref
	def, ok := workflows.ForColumn(item.Status)
	if !ok || !containsStr(e.cfg.WatchedStatuses, item.Status) {
		return false
	}
	if !e.stageGate(item, def) {
		return false
	}

	actor, err := e.client.LastStatusActor(ctx, item.BoardURL, ref)
	if err != nil {
		e.log.Warn("Could not determine status actor",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		actor = ""
	}
	if auth.CheckActor(actor, e.cfg.AllowedUsername, e.cfg.TeamUsernames, ref.String(), "TRIGGER") != auth.Self {
		return false
	}

	submitted := e.dispatch.Submit(ctx, ref.String(), def.Stage, func(ctx context.Context) {
		e.runStage(ctx, item, def)
	})
	if !submitted {
		e.bus.Publish(events.Event{
			Kind: events.KindDrop, IssueRef: ref.String(), Workflow: def.Stage,
			Detail: "pool full or duplicate",
		})
	}
	return submitted
}

// stageGate is the label-level trigger check: watched column, nothing
// running, stage not already done or failed.
func (e *Engine) stageGate(item ticket.Item, def workflows.Definition) bool {
	if item.State == "CLOSED" {
		return false
	}
	if item.HasLabel(def.RunningLabel) {
		return false
	}
	if def.ReadyLabel != "" && item.HasLabel(def.ReadyLabel) {
		return false
	}
	if def.FailedLabel != "" && item.HasLabel(def.FailedLabel) {
		return false
	}
	return !e.dispatch.Running(item.Ref.String())
}

// maybeYolo advances yolo-labeled items: Backlog moves immediately, later
// columns move once their ready label is present.
func (e *Engine) maybeYolo(ctx context.Context, item ticket.Item) {
	if !item.HasLabel(labels.Yolo) || item.State == "CLOSED" {
		return
	}
	if item.Status == "Backlog" || e.yolo.ShouldAdvance(ctx, item) {
		if err := e.yolo.Advance(ctx, item); err != nil {
			e.log.Error("Auto-advance failed",
				slog.String("issue_ref", item.Ref.String()), slog.Any("error", err))
			return
		}
		e.bus.Publish(events.Event{
			Kind: events.KindAdvance, IssueRef: item.Ref.String(),
			Detail: item.Status,
		})
	}
}

// ensureRepoLabels creates any missing workflow labels on first contact
// with a repository.
func (e *Engine) ensureRepoLabels(ctx context.Context, ref ticket.Ref) {
	key := ref.FullRepo()
	e.bootMu.Lock()
	done := e.bootstrapped[key]
	e.bootMu.Unlock()
	if done {
		return
	}

	existing, err := e.client.RepoLabels(ctx, ref)
	if err != nil {
		e.log.Warn("Failed to list repository labels",
			slog.String("repo", key), slog.Any("error", err))
		return
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for _, def := range labels.Required {
		if have[def.Name] {
			continue
		}
		if err := e.client.CreateRepoLabel(ctx, ref, def.Name, def.Description, def.Color); err != nil {
			e.log.Warn("Failed to create label",
				slog.String("repo", key),
				slog.String("label", def.Name),
				slog.Any("error", err),
			)
			return
		}
		e.log.Info("Created repository label",
			slog.String("repo", key), slog.String("label", def.Name))
	}

	e.bootMu.Lock()
	e.bootstrapped[key] = true
	e.bootMu.Unlock()
}

// checkTokenScopes enforces the scope policy on classic tokens: required
// scopes present, nothing dangerous beyond them. Fine-grained tokens report
// no scopes and pass through.
func (e *Engine) checkTokenScopes(ctx context.Context) error {
	scopes, err := e.client.TokenScopes(ctx)
	if err != nil {
		// The scope header is unavailable on some deployments; only an
		// actual policy violation is fatal.
		e.log.Warn("Could not check token scopes", slog.Any("error", err))
		return nil
	}
	if len(scopes) == 0 {
		e.log.Debug("Token reports no scopes (fine-grained token)")
		return nil
	}
	return github.CheckScopes(scopes)
}

// shutdown winds the engine down: cancel workflows, strip the labels the
// engine still owns, finalize run records.
func (e *Engine) shutdown() {
	e.log.Info("Shutting down")
	e.dispatch.Shutdown(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.labelMu.Lock()
	tracked := make(map[string][]string, len(e.tracked))
	for refStr, set := range e.tracked {
		for label := range set {
			tracked[refStr] = append(tracked[refStr], label)
		}
	}
	e.labelMu.Unlock()

	for refStr, names := range tracked {
		ref, err := ticket.ParseRef(refStr)
		if err != nil {
			continue
		}
		for _, label := range names {
			if err := e.client.RemoveLabel(ctx, ref, label); err != nil {
				e.log.Warn("Failed to strip label on shutdown",
					slog.String("issue_ref", refStr),
					slog.String("label", label),
					slog.Any("error", err),
				)
			}
		}
	}

	runs, err := e.store.RunningRuns()
	if err != nil {
		e.log.Warn("Failed to list running runs", slog.Any("error", err))
	}
	for _, r := range runs {
		if err := e.store.FinishRun(r.ID, store.OutcomeCancelled, r.SessionID, 0, 0); err != nil {
			e.log.Warn("Failed to cancel run record",
				slog.String("run_id", r.ID), slog.Any("error", err))
		}
	}
	e.log.Info("Shutdown complete")
}

// trackLabel records (or forgets) a label the engine put on an issue.
func (e *Engine) trackLabel(ref ticket.Ref, label string, active bool) {
	e.labelMu.Lock()
	defer e.labelMu.Unlock()
	key := ref.String()
	if active {
		if e.tracked[key] == nil {
			e.tracked[key] = make(map[string]bool)
		}
		e.tracked[key][label] = true
		return
	}
	delete(e.tracked[key], label)
	if len(e.tracked[key]) == 0 {
		delete(e.tracked, key)
	}
}

func (e *Engine) addTrackedLabel(ctx context.Context, ref ticket.Ref, label string) {
	if err := e.client.AddLabel(ctx, ref, label); err != nil {
		e.log.Warn("Failed to add label",
			slog.String("issue_ref", ref.String()),
			slog.String("label", label),
			slog.Any("error", err),
		)
		return
	}
	e.trackLabel(ref, label, true)
}

func (e *Engine) removeTrackedLabel(ctx context.Context, ref ticket.Ref, label string) {
	if err := e.client.RemoveLabel(context.WithoutCancel(ctx), ref, label); err != nil {
		e.log.Warn("Failed to remove label",
			slog.String("issue_ref", ref.String()),
			slog.String("label", label),
			slog.Any("error", err),
		)
	}
	e.trackLabel(ref, label, false)
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
