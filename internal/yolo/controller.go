// Package yolo drives auto-progression for issues carrying the yolo label:
// when a stage finishes, the issue moves to the next column without a human
// touching the board. Every advance is gated on who added the label and
// re-verified against fresh label data, and every verdict is persisted for
// the dashboard.
package yolo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/kiln/internal/auth"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/workflows"
)

// Controller decides whether an issue auto-advances and performs the move.
type Controller struct {
	client    ticket.Client
	decisions *DecisionStore
	self      string
	team      []string
	log       *slog.Logger
}

// New creates a controller. decisions may be nil; verdicts are then only
// logged.
func New(client ticket.Client, decisions *DecisionStore, self string, team []string) *Controller {
	return &Controller{
		client:    client,
		decisions: decisions,
		self:      self,
		team:      team,
		log:       logging.WithComponent("yolo"),
	}
}

// ShouldAdvance reports whether the item is eligible for auto-progression:
// it carries the yolo label, is open, its current stage has finished (ready
// label present), and a fresh label fetch still shows yolo. Backlog is
// excluded; the poll loop moves Backlog items directly.
func (c *Controller) ShouldAdvance(ctx context.Context, item ticket.Item) bool {
	if !item.HasLabel(labels.Yolo) {
		return false
	}
	if item.State == "CLOSED" {
		return false
	}
	if _, ok := workflows.YoloNext[item.Status]; !ok {
		return false
	}
	if item.Status == "Backlog" {
		return false
	}
	def, ok := workflows.ForColumn(item.Status)
	if !ok || def.ReadyLabel == "" || !item.HasLabel(def.ReadyLabel) {
		return false
	}
	// The cached labels may predate a removal.
	if !c.hasYoloLabel(ctx, item.Ref) {
		c.log.Debug("Skipping advancement, yolo label was removed",
			slog.String("issue_ref", item.Ref.String()))
		return false
	}
	return true
}

// Advance moves the item to its next column. The yolo label must still be
// present and must have been added by the operator account; anything else is
// recorded as a refusal and silently skipped.
func (c *Controller) Advance(ctx context.Context, item ticket.Item) error {
	ref := item.Ref
	next, ok := workflows.YoloNext[item.Status]
	if !ok {
		return nil
	}

	if !c.hasYoloLabel(ctx, ref) {
		c.log.Info("Skipping advancement, yolo label was removed",
			slog.String("issue_ref", ref.String()))
		c.record(Decision{
			IssueRef: ref.String(), FromStatus: item.Status, ToStatus: next,
			Outcome: OutcomeRefused, Reason: "yolo label removed",
		})
		return nil
	}

	actor, err := c.client.LabelActor(ctx, ref, labels.Yolo)
	if err != nil {
		c.log.Warn("Could not determine yolo label actor",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		actor = ""
	}
	if cat := auth.CheckActor(actor, c.self, c.team, ref.String(), "YOLO"); cat != auth.Self {
		c.record(Decision{
			IssueRef: ref.String(), FromStatus: item.Status, ToStatus: next,
			Actor: actor, Outcome: OutcomeRefused,
			Reason: fmt.Sprintf("label actor is %s", cat),
		})
		return nil
	}

	c.log.Info("Advancing issue",
		slog.String("issue_ref", ref.String()),
		slog.String("from", item.Status),
		slog.String("to", next),
		slog.String("actor", actor),
	)
	if err := c.client.UpdateItemStatus(ctx, item.BoardURL, item.ItemID, next); err != nil {
		return fmt.Errorf("failed to advance issue: %w", err)
	}
	c.record(Decision{
		IssueRef: ref.String(), FromStatus: item.Status, ToStatus: next,
		Actor: actor, Outcome: OutcomeAdvanced, Reason: "stage complete",
	})
	return nil
}

// hasYoloLabel fetches fresh label data. Fails safe: any error means "do
// not advance".
func (c *Controller) hasYoloLabel(ctx context.Context, ref ticket.Ref) bool {
	current, err := c.client.IssueLabels(ctx, ref)
	if err != nil {
		c.log.Warn("Could not fetch current labels",
			slog.String("issue_ref", ref.String()), slog.Any("error", err))
		return false
	}
	return current[labels.Yolo]
}

func (c *Controller) record(d Decision) {
	if c.decisions == nil {
		return
	}
	if err := c.decisions.Record(d); err != nil {
		c.log.Warn("Failed to record decision",
			slog.String("issue_ref", d.IssueRef), slog.Any("error", err))
	}
}
