package workflows

import (
	"log/slog"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/kiln/internal/logging"
)

// frontmatterPattern matches the YAML block between the first two ---
// fences at the start of an issue body.
var frontmatterPattern = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---`)

// Frontmatter holds the per-issue settings authors can embed in the issue
// description.
type Frontmatter struct {
	// FeatureBranch overrides the branch the worktree is created from.
	FeatureBranch string `yaml:"feature_branch"`
}

// ParseFrontmatter extracts frontmatter settings from an issue body.
// Malformed YAML is logged and treated as absent.
func ParseFrontmatter(body string) Frontmatter {
	var fm Frontmatter
	match := frontmatterPattern.FindStringSubmatch(body)
	if match == nil {
		return fm
	}
	if err := yaml.Unmarshal([]byte(match[1]), &fm); err != nil {
		logging.Warn("Failed to parse issue frontmatter", slog.Any("error", err))
		return Frontmatter{}
	}
	return fm
}
