package daemon

import (
	"context"
	"log/slog"

	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/ticket"
)

// checkCompletion reconciles board state against issue and PR state that
// changed outside a workflow: merged or ready PRs, closed issues.
func (e *Engine) checkCompletion(ctx context.Context, item ticket.Item) {
	ref := item.Ref

	if item.State == "CLOSED" {
		e.completeClosed(ctx, item)
		return
	}

	// PR-driven transitions only apply around the implementation columns,
	// and never while a workflow is (or should be) running.
	if item.Status != "Implement" && item.Status != "Validate" {
		return
	}
	if e.dispatch.Running(ref.String()) || len(labels.Running(item.Labels)) > 0 {
		return
	}

	prs, err := e.client.LinkedPullRequests(ctx, ref)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("Failed to list linked PRs",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
		return
	}

	for _, pr := range prs {
		if pr.Merged {
			if err := e.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, "Done"); err != nil {
				e.log.Error("Failed to move merged issue to Done",
					slog.String("issue_ref", ref.String()), slog.Any("error", err))
				return
			}
			e.cleanupAfterDone(ctx, item)
			e.bus.Publish(events.Event{
				Kind: events.KindCompletion, IssueRef: ref.String(), Detail: "merged",
			})
			return
		}
		if item.Status == "Implement" && pr.State == "OPEN" && !pr.Draft {
			// Undrafted outside the implement loop; the board follows.
			if item.HasLabel(labels.Reviewing) {
				if err := e.client.RemoveLabel(ctx, ref, labels.Reviewing); err != nil {
					e.log.Warn("Failed to remove reviewing label",
						slog.String("issue_ref", ref.String()), slog.Any("error", err))
				}
			}
			if err := e.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, "Validate"); err != nil {
				e.log.Error("Failed to move issue to Validate",
					slog.String("issue_ref", ref.String()), slog.Any("error", err))
				return
			}
			e.bus.Publish(events.Event{
				Kind: events.KindCompletion, IssueRef: ref.String(), Detail: "pr ready",
			})
			return
		}
	}
}

// completeClosed settles a closed issue: not-planned items are archived off
// the board, completed ones land in Done with their worktree cleaned up.
func (e *Engine) completeClosed(ctx context.Context, item ticket.Item) {
	ref := item.Ref

	if item.StateReason == "NOT_PLANNED" {
		if err := e.client.ArchiveItem(ctx, item.BoardURL, item.ItemID); err != nil {
			e.log.Warn("Failed to archive not-planned item",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
			return
		}
		e.bus.Publish(events.Event{
			Kind: events.KindCompletion, IssueRef: ref.String(), Detail: "archived",
		})
		return
	}

	if item.Status != "Done" {
		if err := e.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, "Done"); err != nil {
			e.log.Error("Failed to move closed issue to Done",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
			return
		}
		e.bus.Publish(events.Event{
			Kind: events.KindCompletion, IssueRef: ref.String(), Detail: "closed",
		})
	}
	e.cleanupAfterDone(ctx, item)
}

// cleanupAfterDone removes the issue worktree and marks the issue cleaned.
// Idempotent: the label re-check makes repeat polls cheap.
func (e *Engine) cleanupAfterDone(ctx context.Context, item ticket.Item) {
	ref := item.Ref
	if item.HasLabel(labels.CleanedUp) && !e.workspace.Exists(ref) {
		return
	}
	if err := e.workspace.CleanupForIssue(ctx, ref); err != nil {
		e.log.Warn("Failed to clean up worktree",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		return
	}
	if !item.HasLabel(labels.CleanedUp) {
		if err := e.client.AddLabel(ctx, ref, labels.CleanedUp); err != nil {
			e.log.Warn("Failed to add cleaned_up label",
				slog.String("issue_ref", ref.String()), slog.Any("error", err))
		}
	}
}
