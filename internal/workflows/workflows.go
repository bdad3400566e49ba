// Package workflows defines the stage table the engine drives issues
// through and the prompts each stage feeds to claude.
package workflows

import (
	"fmt"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/ticket"
)

// Definition ties a board column to the labels and prompt of its stage.
type Definition struct {
	Stage        string // model selection key
	Column       string // board status that triggers the stage
	RunningLabel string
	ReadyLabel   string // empty for Implement, which advances the column instead
	FailedLabel  string
	NextStatus   string // column to move to on completion, empty when a human decides
}

// table maps watched columns to their stage definitions.
var table = map[string]Definition{
	"Research": {
		Stage:        config.StageResearch,
		Column:       "Research",
		RunningLabel: labels.Researching,
		ReadyLabel:   labels.ResearchReady,
		FailedLabel:  labels.ResearchFailed,
	},
	"Plan": {
		Stage:        config.StagePlan,
		Column:       "Plan",
		RunningLabel: labels.Planning,
		ReadyLabel:   labels.PlanReady,
	},
	"Implement": {
		Stage:        config.StageImplement,
		Column:       "Implement",
		RunningLabel: labels.Implementing,
		FailedLabel:  labels.ImplementationFailed,
		NextStatus:   "Validate",
	},
}

// ForColumn returns the stage definition for a board column.
func ForColumn(status string) (Definition, bool) {
	def, ok := table[status]
	return def, ok
}

// ForRunningLabel returns the stage definition owning a running label.
// Used for crash recovery, where the label is all that survives.
func ForRunningLabel(label string) (Definition, bool) {
	for _, def := range table {
		if def.RunningLabel == label {
			return def, true
		}
	}
	return Definition{}, false
}

// YoloNext maps a column to the one YOLO auto-advances to after success.
// Implement advances to Validate through its own NextStatus.
var YoloNext = map[string]string{
	"Backlog":  "Research",
	"Research": "Plan",
	"Plan":     "Implement",
}

// ResearchPrompt asks claude to research the issue and write the marked
// research region into the issue description.
func ResearchPrompt(ref ticket.Ref) string {
	return fmt.Sprintf(
		"/kiln:research_codebase_github for issue %s. "+
			"Edit the issue DESCRIPTION to append a research section - ONLY if the issue "+
			"description doesn't already contain `%s`. IMPORTANT: The research section MUST "+
			"be wrapped in `%s` and `%s` markers.",
		ref.URL(), StartMarker(KindResearch), StartMarker(KindResearch), EndMarker(KindResearch),
	)
}

// PlanPrompt asks claude to write the marked plan region.
func PlanPrompt(ref ticket.Ref) string {
	return fmt.Sprintf(
		"/kiln:create_plan_github for issue %s. Do this ONLY if the issue description "+
			"doesn't already contain `%s`.",
		ref.URL(), StartMarker(KindPlan),
	)
}

// PreparePRPrompt asks claude to open the draft PR with the task checklist.
func PreparePRPrompt(ref ticket.Ref) string {
	return fmt.Sprintf("/kiln:prepare_implementation_github %s", ref.URL())
}

// ProcessCommentPrompt asks claude to apply user feedback to one section
// of the issue description.
func ProcessCommentPrompt(ref ticket.Ref, target, feedback string) string {
	switch target {
	case KindResearch, KindPlan:
		return fmt.Sprintf(
			"/kiln:process_comment_github for issue %s. Apply the following user feedback "+
				"to the %s section of the issue DESCRIPTION. Keep the section wrapped in "+
				"`%s` and `%s` markers and leave everything outside it untouched.\n\nFeedback:\n%s",
			ref.URL(), target, StartMarker(target), EndMarker(target), feedback,
		)
	default:
		return fmt.Sprintf(
			"/kiln:process_comment_github for issue %s. Apply the following user feedback "+
				"to the issue DESCRIPTION above the generated sections. Do not modify any "+
				"`<!-- kiln:`-marked region.\n\nFeedback:\n%s",
			ref.URL(), feedback,
		)
	}
}

// ImplementPrompt asks claude to implement the next unchecked task.
func ImplementPrompt(ref ticket.Ref, reviewer, boardURL string) string {
	prompt := fmt.Sprintf("/kiln:implement_github for issue %s.", ref.URL())
	if reviewer != "" {
		prompt += fmt.Sprintf(" --reviewer %s", reviewer)
	}
	if boardURL != "" {
		prompt += fmt.Sprintf(" Project URL: %s", boardURL)
	}
	return prompt
}
