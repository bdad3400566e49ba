package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/kiln/internal/auth"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/workflows"
)

// handleReset gates the reset label on its actor, cancels any in-flight
// workflow, and dispatches the reset sequence.
func (e *Engine) handleReset(ctx context.Context, item ticket.Item) {
	ref := item.Ref

	actor, err := e.client.LabelActor(ctx, ref, labels.Reset)
	if err != nil {
		e.log.Warn("Could not determine reset label actor",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		actor = ""
	}
	if auth.CheckActor(actor, e.cfg.AllowedUsername, e.cfg.TeamUsernames, ref.String(), "RESET") != auth.Self {
		// Drop the label so an unauthorized reset is not re-evaluated on
		// every poll.
		if err := e.client.RemoveLabel(ctx, ref, labels.Reset); err != nil {
			e.log.Warn("Failed to remove unauthorized reset label",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
		return
	}

	// A running workflow is cancelled and waited out before the reset
	// touches shared state.
	if e.dispatch.Cancel(ref.String()) {
		e.log.Info("Cancelled in-flight workflow for reset",
			slog.String("issue_ref", ref.String()))
	}

	e.dispatch.Submit(ctx, ref.String(), "Reset", func(ctx context.Context) {
		if err := e.ResetIssue(ctx, item); err != nil {
			e.log.Error("Reset finished with errors",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
	})
}

// ResetIssue returns an issue to a clean Backlog state: no worktree, no
// open generated PRs, no generated body sections, no managed labels.
// Each step is attempted even when an earlier one fails; the next poll
// retries anything that stuck.
func (e *Engine) ResetIssue(ctx context.Context, item ticket.Item) error {
	ref := item.Ref
	log := e.log.With(slog.String("issue_ref", ref.String()))
	log.Info("Resetting issue")

	var errs []error

	// The reset label goes first so a crash mid-reset does not loop.
	if err := e.client.RemoveLabel(ctx, ref, labels.Reset); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove reset label: %w", err))
	}

	if err := e.workspace.CleanupForIssue(ctx, ref); err != nil {
		errs = append(errs, fmt.Errorf("failed to clean worktree: %w", err))
	}

	prs, err := e.client.LinkedPullRequests(ctx, ref)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list linked PRs: %w", err))
	}
	for _, pr := range prs {
		if pr.State == "OPEN" && !pr.Merged {
			if err := e.client.ClosePullRequest(ctx, ref, pr.Number); err != nil {
				errs = append(errs, fmt.Errorf("failed to close PR #%d: %w", pr.Number, err))
			}
			if pr.BranchName != "" {
				if err := e.client.DeleteBranch(ctx, ref, pr.BranchName); err != nil {
					errs = append(errs, fmt.Errorf("failed to delete branch %s: %w", pr.BranchName, err))
				}
			}
		}
		// Severing keeps the closed PR from re-closing the issue later.
		if err := e.client.SeverPRLink(ctx, ref, pr.Number); err != nil {
			errs = append(errs, fmt.Errorf("failed to sever PR #%d link: %w", pr.Number, err))
		}
	}

	if body, err := e.client.IssueBody(ctx, ref); err != nil {
		errs = append(errs, fmt.Errorf("failed to read issue body: %w", err))
	} else if stripped := workflows.StripRegions(body); stripped != body {
		if err := e.client.UpdateIssueBody(ctx, ref, stripped); err != nil {
			errs = append(errs, fmt.Errorf("failed to strip generated sections: %w", err))
		}
	}

	if present, err := e.client.IssueLabels(ctx, ref); err != nil {
		errs = append(errs, fmt.Errorf("failed to list labels: %w", err))
	} else {
		for _, name := range labels.Managed(present) {
			if err := e.client.RemoveLabel(ctx, ref, name); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove label %s: %w", name, err))
			}
		}
	}

	if err := e.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, "Backlog"); err != nil {
		errs = append(errs, fmt.Errorf("failed to move to Backlog: %w", err))
	}

	if err := e.store.ClearSessions(ref.String()); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.DeleteIssueState(ref.String()); err != nil {
		errs = append(errs, err)
	}

	e.bus.Publish(events.Event{Kind: events.KindReset, IssueRef: ref.String()})
	if len(errs) == 0 {
		log.Info("Reset complete")
	}
	return errors.Join(errs...)
}
