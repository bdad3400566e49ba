package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/runner"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/workflows"
)

// errStalled marks a research run that finished without producing its
// section. The run settles as stalled rather than failed.
var errStalled = errors.New("no research section produced")

// runStage executes one stage workflow for an issue: worktree, running
// label, run record, claude, settle. Runs inside a dispatcher action.
func (e *Engine) runStage(ctx context.Context, item ticket.Item, def workflows.Definition) {
	ref := item.Ref
	log := e.log.With(
		slog.String("issue_ref", ref.String()),
		slog.String("workflow", def.Stage),
	)

	if err := e.ensureWorktree(ctx, item); err != nil {
		log.Error("Failed to prepare worktree", slog.Any("error", err))
		e.failStage(ctx, item, def)
		return
	}

	e.addTrackedLabel(ctx, ref, def.RunningLabel)
	defer e.removeTrackedLabel(ctx, ref, def.RunningLabel)

	runID := uuid.New().String()
	logPath := runner.LogPath(e.logRoot, ref, def.Stage, time.Now())
	if err := e.store.StartRun(&store.Run{
		ID:       runID,
		IssueRef: ref.String(),
		Workflow: def.Stage,
		LogPath:  logPath,
		Model:    e.cfg.ModelFor(def.Stage),
	}); err != nil {
		log.Warn("Failed to record run start", slog.Any("error", err))
	}
	e.bus.Publish(events.Event{
		Kind: events.KindRunStarted, IssueRef: ref.String(), Workflow: def.Stage,
	})

	var sessionID string
	var tokensIn, tokensOut int64
	runPrompt := func(ctx context.Context, stage, prompt string) error {
		res, err := e.runner.Run(ctx, runner.Request{
			Prompt:    prompt,
			Dir:       e.workspace.WorktreePath(ref),
			Model:     e.cfg.ModelFor(stage),
			MCPConfig: e.cfg.MCPConfigPath,
			LogPath:   logPath,
		})
		if err != nil {
			return err
		}
		sessionID = res.SessionID
		tokensIn += int64(res.Metrics.TokensInput)
		tokensOut += int64(res.Metrics.TokensOutput)
		return nil
	}

	var runErr error
	switch def.Stage {
	case config.StageImplement:
		loop := workflows.NewImplementLoop(e.client, runPrompt)
		runErr = loop.Execute(ctx, item, e.cfg.AllowedUsername)
	case config.StageResearch:
		runErr = runPrompt(ctx, def.Stage, workflows.ResearchPrompt(ref))
		if runErr == nil {
			runErr = e.validateResearch(ctx, ref)
		}
	case config.StagePlan:
		runErr = runPrompt(ctx, def.Stage, workflows.PlanPrompt(ref))
	default:
		runErr = fmt.Errorf("unknown stage %q", def.Stage)
	}

	if sessionID != "" {
		if err := e.store.SaveSession(ref.String(), def.Stage, sessionID); err != nil {
			log.Warn("Failed to save session", slog.Any("error", err))
		}
	}

	if runErr != nil {
		outcome := stageOutcome(ctx, runErr)
		if err := e.store.FinishRun(runID, outcome, sessionID, tokensIn, tokensOut); err != nil {
			log.Warn("Failed to record run outcome", slog.Any("error", err))
		}
		log.Error("Workflow failed",
			slog.String("outcome", outcome), slog.Any("error", runErr))
		e.bus.Publish(events.Event{
			Kind: events.KindRunFailed, IssueRef: ref.String(),
			Workflow: def.Stage, Detail: runErr.Error(),
		})
		if outcome != store.OutcomeCancelled {
			e.failStage(ctx, item, def)
		}
		return
	}

	if err := e.store.FinishRun(runID, store.OutcomeSuccess, sessionID, tokensIn, tokensOut); err != nil {
		log.Warn("Failed to record run outcome", slog.Any("error", err))
	}

	// The stage may have posted to the issue; move the comment cursor past
	// its own output.
	if err := e.comments.AdvancePastGenerated(ctx, ref); err != nil {
		log.Warn("Failed to advance comment cursor", slog.Any("error", err))
	}

	// Ready lands before the deferred running-label removal so the issue is
	// never observably "neither running nor done".
	if def.ReadyLabel != "" {
		if err := e.client.AddLabel(ctx, ref, def.ReadyLabel); err != nil {
			log.Warn("Failed to add ready label", slog.Any("error", err))
		}
	}
	if def.NextStatus != "" {
		if err := e.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, def.NextStatus); err != nil {
			log.Error("Failed to advance column", slog.Any("error", err))
		}
	}

	log.Info("Workflow complete")
	e.bus.Publish(events.Event{
		Kind: events.KindRunFinished, IssueRef: ref.String(), Workflow: def.Stage,
	})

	// YOLO moves the issue on once the ready label is visible.
	if item.HasLabel(labels.Yolo) && def.ReadyLabel != "" {
		done := item
		done.Labels = make(map[string]bool, len(item.Labels)+1)
		for k, v := range item.Labels {
			done.Labels[k] = v
		}
		done.Labels[def.ReadyLabel] = true
		if e.yolo.ShouldAdvance(ctx, done) {
			if err := e.yolo.Advance(ctx, done); err != nil {
				log.Error("Auto-advance failed", slog.Any("error", err))
			} else {
				e.bus.Publish(events.Event{
					Kind: events.KindAdvance, IssueRef: ref.String(), Detail: item.Status,
				})
			}
		}
	}
}

// stageOutcome maps a workflow error to the run record outcome. Timeouts
// take precedence over cancellation: a killed run also cancels its context.
func stageOutcome(ctx context.Context, runErr error) string {
	switch {
	case errors.Is(runErr, runner.ErrTimeout), errors.Is(runErr, runner.ErrIdleTimeout):
		return store.OutcomeTimeout
	case ctx.Err() != nil:
		return store.OutcomeCancelled
	case errors.Is(runErr, errStalled):
		return store.OutcomeStalled
	default:
		return store.OutcomeFailure
	}
}

// failStage marks the stage failed on the issue. A yolo issue additionally
// gets yolo_failed so auto-progression stops visibly.
func (e *Engine) failStage(ctx context.Context, item ticket.Item, def workflows.Definition) {
	ctx = context.WithoutCancel(ctx)
	ref := item.Ref
	if def.FailedLabel != "" {
		if err := e.client.AddLabel(ctx, ref, def.FailedLabel); err != nil {
			e.log.Warn("Failed to add failure label",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
	}
	if item.HasLabel(labels.Yolo) {
		if err := e.client.AddLabel(ctx, ref, labels.YoloFailed); err != nil {
			e.log.Warn("Failed to add yolo_failed label",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
	}
}

// validateResearch verifies the research run actually produced its marked
// section. A clean exit with no section is a stall, not a success.
func (e *Engine) validateResearch(ctx context.Context, ref ticket.Ref) error {
	body, err := e.client.IssueBody(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to verify research output: %w", err)
	}
	if !workflows.HasRegion(body, workflows.KindResearch) {
		return errStalled
	}
	return nil
}

// ensureWorktree makes sure the issue worktree exists, carrying the
// preparing label while a clone or worktree add is in flight. The branch
// honors feature_branch frontmatter when present.
func (e *Engine) ensureWorktree(ctx context.Context, item ticket.Item) error {
	ref := item.Ref
	if e.workspace.Exists(ref) {
		return nil
	}

	e.addTrackedLabel(ctx, ref, labels.Preparing)
	defer e.removeTrackedLabel(ctx, ref, labels.Preparing)

	override := ""
	if body, err := e.client.IssueBody(ctx, ref); err == nil {
		override = workflows.ParseFrontmatter(body).FeatureBranch
	} else {
		e.log.Warn("Failed to read issue body for frontmatter",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
	}

	path, branch, err := e.workspace.EnsureForIssue(ctx, ref, item.Title, defaultBaseBranch, override)
	if err != nil {
		return err
	}

	state, err := e.store.IssueState(ref.String())
	if err == nil {
		state.IssueRef = ref.String()
		state.Branch = branch
		if err := e.store.SaveIssueState(state); err != nil {
			e.log.Warn("Failed to record branch", slog.Any("error", err))
		}
	}

	e.log.Info("Worktree ready",
		slog.String("issue_ref", ref.String()),
		slog.String("path", path),
		slog.String("branch", branch),
	)
	return nil
}

// runFeedback is the comment processor's executor hook: one claude run in
// the issue worktree on the comment-processing model.
func (e *Engine) runFeedback(ctx context.Context, item ticket.Item, prompt, resumeSession string) (string, error) {
	ref := item.Ref
	res, err := e.runner.Run(ctx, runner.Request{
		Prompt:    prompt,
		Dir:       e.workspace.WorktreePath(ref),
		Model:     e.cfg.ModelFor(config.StageProcessComments),
		SessionID: resumeSession,
		MCPConfig: e.cfg.MCPConfigPath,
		LogPath:   runner.LogPath(e.logRoot, ref, config.StageProcessComments, time.Now()),
	})
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}
