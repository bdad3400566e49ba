package workflows

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/ticket"
)

// DefaultMaxIterations bounds the implement loop when the PR body carries
// no TASK headers.
const DefaultMaxIterations = 8

// maxStallCount stops the loop after this many iterations without a newly
// completed checkbox.
const maxStallCount = 2

// prCreateAttempts is how many times the draft-PR prompt is retried before
// the stage fails.
const prCreateAttempts = 2

// IncompleteError marks an implement run that cannot proceed, typically a
// missing draft PR. The engine maps it to the implementation_failed label.
type IncompleteError struct {
	Reason string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("implementation incomplete: %s", e.Reason)
}

// RunPromptFunc executes one prompt in the issue worktree. The stage selects
// the model and log routing.
type RunPromptFunc func(ctx context.Context, stage, prompt string) error

// ImplementLoop drives the checkbox-based implementation stage: ensure a
// draft PR exists, implement one task per iteration, mark the PR ready when
// every box is checked.
type ImplementLoop struct {
	client    ticket.Client
	runPrompt RunPromptFunc
	log       *slog.Logger
}

// NewImplementLoop wires the loop to a tracker client and a prompt runner.
func NewImplementLoop(client ticket.Client, runPrompt RunPromptFunc) *ImplementLoop {
	return &ImplementLoop{
		client:    client,
		runPrompt: runPrompt,
		log:       logging.WithComponent("workflows.implement"),
	}
}

// openPR returns the open PR linked to the issue, or nil.
func (l *ImplementLoop) openPR(ctx context.Context, ref ticket.Ref) (*ticket.LinkedPullRequest, error) {
	prs, err := l.client.LinkedPullRequests(ctx, ref)
	if err != nil {
		return nil, err
	}
	for i := range prs {
		if prs[i].State == "OPEN" {
			return &prs[i], nil
		}
	}
	return nil, nil
}

// Execute runs the implement stage for one issue.
func (l *ImplementLoop) Execute(ctx context.Context, item ticket.Item, reviewer string) error {
	ref := item.Ref
	log := l.log.With(slog.String("issue_ref", ref.String()))

	// Step 1: ensure a linked draft PR exists.
	pr, err := l.openPR(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to look up linked PR: %w", err)
	}
	if pr == nil {
		for attempt := 1; attempt <= prCreateAttempts; attempt++ {
			log.Info("No linked PR, creating draft",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", prCreateAttempts),
			)
			if err := l.runPrompt(ctx, config.StageImplement, PreparePRPrompt(ref)); err != nil {
				return fmt.Errorf("failed to run PR preparation prompt: %w", err)
			}
			pr, err = l.openPR(ctx, ref)
			if err != nil {
				return fmt.Errorf("failed to look up linked PR: %w", err)
			}
			if pr != nil {
				log.Info("Draft PR created", slog.Int("pr", pr.Number))
				break
			}
		}
		if pr == nil {
			return &IncompleteError{Reason: "no linked PR after preparation attempts"}
		}
	}

	// Step 2: one task per iteration, bounded by the TASK count.
	numTasks := CountTasks(pr.Body)
	maxIterations := numTasks
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	log.Info("Starting implement loop",
		slog.Int("tasks", numTasks),
		slog.Int("max_iterations", maxIterations),
	)

	lastCompleted := -1
	stallCount := 0
	for iteration := 1; iteration <= maxIterations; iteration++ {
		pr, err = l.openPR(ctx, ref)
		if err != nil {
			return fmt.Errorf("failed to refresh linked PR: %w", err)
		}
		if pr == nil {
			return &IncompleteError{Reason: "linked PR disappeared mid-loop"}
		}

		total, completed := CountCheckboxes(pr.Body)
		if total == 0 {
			log.Warn("No checkbox tasks in PR body")
			break
		}
		if completed == total {
			log.Info("All tasks complete", slog.Int("tasks", total))
			break
		}

		if completed == lastCompleted {
			stallCount++
			if stallCount >= maxStallCount {
				log.Warn("No progress, stopping loop",
					slog.Int("completed", completed),
					slog.Int("total", total),
				)
				break
			}
		} else {
			stallCount = 0
		}
		lastCompleted = completed

		log.Info("Implement iteration",
			slog.Int("iteration", iteration),
			slog.Int("completed", completed),
			slog.Int("total", total),
		)
		if err := l.runPrompt(ctx, config.StageImplement, ImplementPrompt(ref, reviewer, item.BoardURL)); err != nil {
			return fmt.Errorf("implement iteration %d failed: %w", iteration, err)
		}
	}

	// Step 3: mark the PR ready when every box is checked.
	pr, err = l.openPR(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to refresh linked PR: %w", err)
	}
	if pr == nil {
		return &IncompleteError{Reason: "linked PR missing after loop"}
	}
	total, completed := CountCheckboxes(pr.Body)
	if total > 0 && completed == total {
		if err := l.client.MarkPullRequestReady(ctx, ref, pr.Number); err != nil {
			log.Warn("Failed to mark PR ready", slog.Int("pr", pr.Number), slog.Any("error", err))
		} else {
			log.Info("Marked PR ready for review", slog.Int("pr", pr.Number))
		}
	}
	return nil
}
