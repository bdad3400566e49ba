// Package comments turns user feedback comments into issue edits. A
// feedback comment is picked up, acknowledged with an eyes reaction, applied
// through claude against the relevant section of the issue description, and
// answered with a diff reply plus a thumbs-up on success.
package comments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/workflows"
)

// ResponseMarker opens every reply the daemon posts, so its own replies are
// never mistaken for feedback.
const ResponseMarker = "<!-- kiln:response -->"

// TargetDescription is the edit target when the issue is in neither the
// Research nor the Plan column.
const TargetDescription = "description"

// RunFeedbackFunc executes the feedback prompt in the issue worktree,
// optionally resuming a previous session, and returns the new session ID.
type RunFeedbackFunc func(ctx context.Context, item ticket.Item, prompt, resumeSession string) (string, error)

// EnsureWorktreeFunc makes sure the issue worktree exists before a session
// is resumed inside it.
type EnsureWorktreeFunc func(ctx context.Context, item ticket.Item) error

// TrackLabelFunc lets the engine track the editing label for cleanup on
// shutdown.
type TrackLabelFunc func(ref ticket.Ref, label string, active bool)

// Processor fetches, filters and applies feedback comments for one issue at
// a time.
type Processor struct {
	client ticket.Client
	store  *store.Store
	self   string
	team   []string
	run    RunFeedbackFunc
	ensure EnsureWorktreeFunc
	track  TrackLabelFunc
	log    *slog.Logger
}

// New creates a comment processor.
func New(client ticket.Client, st *store.Store, self string, team []string, run RunFeedbackFunc, ensure EnsureWorktreeFunc) *Processor {
	return &Processor{
		client: client,
		store:  st,
		self:   self,
		team:   team,
		run:    run,
		ensure: ensure,
		log:    logging.WithComponent("comments"),
	}
}

// SetLabelTracker registers the engine's running-label tracker.
func (p *Processor) SetLabelTracker(track TrackLabelFunc) { p.track = track }

// targetFor maps the board column to the section feedback edits.
func targetFor(status string) string {
	switch status {
	case "Plan":
		return workflows.KindPlan
	case "Research":
		return workflows.KindResearch
	default:
		return TargetDescription
	}
}

// parentStage names the stage whose session feedback resumes.
func parentStage(target string) string {
	switch target {
	case workflows.KindResearch:
		return config.StageResearch
	case workflows.KindPlan:
		return config.StagePlan
	default:
		return ""
	}
}

// generated post and response detection. Generated posts open with a region
// marker; legacy posts may only carry a close tag.
var postMarkers = []string{
	workflows.StartMarker(workflows.KindResearch),
	workflows.StartMarker(workflows.KindPlan),
	"## Research Findings",
	"## Implementation Plan",
}

var endMarkers = []string{
	workflows.EndMarker(workflows.KindResearch),
	workflows.EndMarker(workflows.KindPlan),
	"<!-- /kiln -->",
}

func isGeneratedPost(body string) bool {
	stripped := strings.TrimLeft(body, " \t\n")
	for _, m := range postMarkers {
		if strings.HasPrefix(stripped, m) {
			return true
		}
	}
	for _, m := range endMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

func isResponse(body string) bool {
	return strings.HasPrefix(strings.TrimLeft(body, " \t\n"), ResponseMarker)
}

// initialCursor finds the newest comment that is already settled: either a
// generated post or a feedback comment carrying a thumbs-up.
func initialCursor(comments []ticket.Comment) (time.Time, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if isGeneratedPost(c.Body) || c.Processed {
			return c.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// extractSection returns the current content of the edit target.
func extractSection(body, target string) string {
	if target != TargetDescription {
		return workflows.ExtractRegion(body, target)
	}
	// Description is everything before the first generated region,
	// excluding the separator that precedes it.
	idx := len(body)
	for _, kind := range []string{workflows.KindResearch, workflows.KindPlan} {
		if i := strings.Index(body, workflows.StartMarker(kind)); i >= 0 && i < idx {
			idx = i
		}
	}
	head := body[:idx]
	if sep := strings.LastIndex(head, "---"); sep >= 0 {
		head = head[:sep]
	}
	return strings.TrimSpace(head)
}

// mergeBodies combines the pending feedback comments into one prompt body.
// Later comments win on conflicting instructions.
func mergeBodies(comments []ticket.Comment) string {
	if len(comments) == 1 {
		return comments[0].Body
	}
	parts := make([]string, len(comments))
	for i, c := range comments {
		parts[i] = fmt.Sprintf("[Comment %d of %d]:\n%s", i+1, len(comments), c.Body)
	}
	return "Multiple user comments to apply (in chronological order). " +
		"If there are conflicting instructions, prefer the LATER comments as they are likely corrections:\n\n" +
		strings.Join(parts, "\n\n---\n\n")
}

// Process applies pending feedback comments for one issue. Safe to call on
// every poll: the comment-count check makes the no-change path cheap.
func (p *Processor) Process(ctx context.Context, item ticket.Item) error {
	if item.Status == "Backlog" {
		return nil
	}
	ref := item.Ref
	log := p.log.With(slog.String("issue_ref", ref.String()))

	state, err := p.store.IssueState(ref.String())
	if err != nil {
		return fmt.Errorf("failed to load issue state: %w", err)
	}
	if state.CommentCursor != nil && state.CommentCount == item.CommentCount {
		return nil
	}

	cursor := state.CommentCursor
	var newComments []ticket.Comment
	if cursor == nil {
		all, err := p.client.Comments(ctx, ref)
		if err != nil {
			return fmt.Errorf("failed to fetch comments: %w", err)
		}
		if t, ok := initialCursor(all); ok {
			cursor = &t
			state.IssueRef = ref.String()
			state.CommentCursor = cursor
			state.CommentCount = item.CommentCount
			if err := p.store.SaveIssueState(state); err != nil {
				log.Warn("Failed to persist comment cursor", slog.Any("error", err))
			}
			for _, c := range all {
				if c.CreatedAt.After(t) {
					newComments = append(newComments, c)
				}
			}
		} else {
			newComments = all
		}
	} else {
		newComments, err = p.client.CommentsSince(ctx, ref, *cursor)
		if err != nil {
			return fmt.Errorf("failed to fetch comments: %w", err)
		}
	}

	pending, err := p.filter(ref, newComments, log)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		state.IssueRef = ref.String()
		state.CommentCount = item.CommentCount
		if err := p.store.SaveIssueState(state); err != nil {
			log.Warn("Failed to persist comment count", slog.Any("error", err))
		}
		return nil
	}

	target := targetFor(item.Status)
	log.Info("Processing feedback",
		slog.Int("comments", len(pending)),
		slog.String("target", target),
	)

	if err := p.client.AddLabel(ctx, ref, labels.Editing); err != nil {
		return fmt.Errorf("failed to add editing label: %w", err)
	}
	if p.track != nil {
		p.track(ref, labels.Editing, true)
	}
	defer func() {
		if err := p.client.RemoveLabel(ctx, ref, labels.Editing); err != nil {
			log.Warn("Failed to remove editing label", slog.Any("error", err))
		}
		if p.track != nil {
			p.track(ref, labels.Editing, false)
		}
	}()

	for _, c := range pending {
		if err := p.client.AddReaction(ctx, ref, c.ID, ticket.ReactionEyes); err != nil {
			log.Warn("Failed to add eyes reaction", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
	}

	if err := p.apply(ctx, item, pending, target, state); err != nil {
		if ctx.Err() != nil || ticket.IsNetworkErr(err) {
			// Interrupted, not failed: clear eyes so the comments are
			// retried on the next poll.
			cleanupCtx := context.WithoutCancel(ctx)
			for _, c := range pending {
				if rerr := p.client.RemoveReaction(cleanupCtx, ref, c.ID, ticket.ReactionEyes); rerr != nil {
					log.Warn("Failed to remove eyes reaction", slog.Int64("comment", c.ID), slog.Any("error", rerr))
				}
			}
			return err
		}
		p.settleFailed(ctx, ref, pending, state, item.CommentCount, log)
		return err
	}
	return nil
}

// settleFailed closes out comments whose workflow failed terminally: swap
// eyes for a confused reaction and record them processed so they are not
// retried on every poll.
func (p *Processor) settleFailed(ctx context.Context, ref ticket.Ref, pending []ticket.Comment, state store.IssueState, commentCount int, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range pending {
		if err := p.client.RemoveReaction(ctx, ref, c.ID, ticket.ReactionEyes); err != nil {
			log.Warn("Failed to remove eyes reaction", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
		if err := p.client.AddReaction(ctx, ref, c.ID, ticket.ReactionConfused); err != nil {
			log.Warn("Failed to add confused reaction", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
		if err := p.store.MarkCommentProcessed(ref.String(), c.ID); err != nil {
			log.Warn("Failed to record processed comment", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
	}
	state.IssueRef = ref.String()
	state.CommentCount = commentCount
	if err := p.store.SaveIssueState(state); err != nil {
		log.Warn("Failed to persist comment count", slog.Any("error", err))
	}
}

// AdvancePastGenerated moves the stored cursor past the daemon's own posts
// so a finished workflow's output is never picked up as feedback.
func (p *Processor) AdvancePastGenerated(ctx context.Context, ref ticket.Ref) error {
	all, err := p.client.Comments(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to fetch comments: %w", err)
	}
	var newest time.Time
	for _, c := range all {
		if (isGeneratedPost(c.Body) || isResponse(c.Body)) && c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}
	if newest.IsZero() {
		return nil
	}
	state, err := p.store.IssueState(ref.String())
	if err != nil {
		return fmt.Errorf("failed to load issue state: %w", err)
	}
	state.IssueRef = ref.String()
	if state.CommentCursor == nil || newest.After(*state.CommentCursor) {
		state.CommentCursor = &newest
	}
	state.CommentCount = len(all)
	return p.store.SaveIssueState(state)
}

// filter keeps only actionable feedback: authored by the operator, not
// generated, not already settled.
func (p *Processor) filter(ref ticket.Ref, comments []ticket.Comment, log *slog.Logger) ([]ticket.Comment, error) {
	teamAuthors := map[string]bool{}
	blockedAuthors := map[string]bool{}
	var pending []ticket.Comment
	for _, c := range comments {
		if c.Author != p.self {
			if contains(p.team, c.Author) {
				teamAuthors[c.Author] = true
			} else if !isGeneratedPost(c.Body) && !isResponse(c.Body) {
				blockedAuthors[c.Author] = true
			}
			continue
		}
		if isGeneratedPost(c.Body) || isResponse(c.Body) || c.Processed || c.Processing {
			continue
		}
		done, err := p.store.IsCommentProcessed(ref.String(), c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check processed comment: %w", err)
		}
		if done {
			continue
		}
		pending = append(pending, c)
	}
	if len(teamAuthors) > 0 {
		log.Debug("Observed team member comments silently", slog.Any("authors", keys(teamAuthors)))
	}
	if len(blockedAuthors) > 0 {
		log.Warn("Blocked comments from non-allowed users",
			slog.Any("authors", keys(blockedAuthors)),
			slog.String("allowed", p.self),
		)
	}
	return pending, nil
}

// apply runs the feedback through claude and posts the diff reply.
func (p *Processor) apply(ctx context.Context, item ticket.Item, pending []ticket.Comment, target string, state store.IssueState) error {
	ref := item.Ref
	log := p.log.With(slog.String("issue_ref", ref.String()))

	if err := p.ensure(ctx, item); err != nil {
		return fmt.Errorf("failed to ensure worktree: %w", err)
	}

	beforeBody, err := p.client.IssueBody(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read issue body: %w", err)
	}
	before := extractSection(beforeBody, target)

	parent := parentStage(target)
	resume := ""
	if parent != "" {
		resume, err = p.store.Session(ref.String(), parent)
		if err != nil {
			log.Warn("Failed to look up session", slog.Any("error", err))
		}
	}

	merged := mergeBodies(pending)
	session, err := p.run(ctx, item, workflows.ProcessCommentPrompt(ref, target, merged), resume)
	if err != nil {
		return fmt.Errorf("feedback workflow failed: %w", err)
	}
	if session != "" && parent != "" {
		if err := p.store.SaveSession(ref.String(), parent, session); err != nil {
			log.Warn("Failed to save session", slog.Any("error", err))
		}
	}

	afterBody, err := p.client.IssueBody(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read issue body: %w", err)
	}
	after := extractSection(afterBody, target)

	resp, err := p.client.PostComment(ctx, ref, responseBody(target, sectionDiff(before, after, target)))
	if err != nil {
		return fmt.Errorf("failed to post response: %w", err)
	}

	// Settle: thumbs-up plus the durable processed record. Only terminal
	// outcomes write the record; interrupted runs retry.
	for _, c := range pending {
		if err := p.client.AddReaction(ctx, ref, c.ID, ticket.ReactionThumbsUp); err != nil {
			log.Warn("Failed to add thumbs-up", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
		if err := p.store.MarkCommentProcessed(ref.String(), c.ID); err != nil {
			log.Warn("Failed to record processed comment", slog.Int64("comment", c.ID), slog.Any("error", err))
		}
	}

	state.IssueRef = ref.String()
	state.CommentCursor = &resp.CreatedAt
	state.CommentCount = item.CommentCount + 1 // account for our reply
	if err := p.store.SaveIssueState(state); err != nil {
		log.Warn("Failed to persist comment cursor", slog.Any("error", err))
	}
	log.Info("Processed feedback", slog.Int("comments", len(pending)))
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
