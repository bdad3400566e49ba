package workflows

import (
	"fmt"
	"regexp"
	"strings"
)

// Region kinds written into issue descriptions.
const (
	KindResearch = "research"
	KindPlan     = "plan"
)

// legacyEndMarker is the close tag older posts used before regions were
// kind-scoped. Accepted on read, never written.
const legacyEndMarker = "<!-- /kiln -->"

// StartMarker returns the opening tag for a region kind.
func StartMarker(kind string) string { return fmt.Sprintf("<!-- kiln:%s -->", kind) }

// EndMarker returns the closing tag for a region kind.
func EndMarker(kind string) string { return fmt.Sprintf("<!-- /kiln:%s -->", kind) }

// regionPattern matches a full region including markers, accepting the
// legacy close tag.
func regionPattern(kind string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?s)` + regexp.QuoteMeta(StartMarker(kind)) + `.*?` +
			`(?:` + regexp.QuoteMeta(EndMarker(kind)) + `|` + regexp.QuoteMeta(legacyEndMarker) + `)`,
	)
}

// HasRegion reports whether the body contains a region of the given kind.
func HasRegion(body, kind string) bool {
	return strings.Contains(body, StartMarker(kind))
}

// ExtractRegion returns the content between the region markers, trimmed.
// Empty when the region is absent.
func ExtractRegion(body, kind string) string {
	match := regionPattern(kind).FindString(body)
	if match == "" {
		return ""
	}
	inner := strings.TrimPrefix(match, StartMarker(kind))
	inner = strings.TrimSuffix(inner, EndMarker(kind))
	inner = strings.TrimSuffix(inner, legacyEndMarker)
	return strings.TrimSpace(inner)
}

// ReplaceRegion writes content into the region, replacing an existing one
// in place or appending a new region after a separator. Bytes outside the
// region are preserved.
func ReplaceRegion(body, kind, content string) string {
	region := StartMarker(kind) + "\n" + strings.TrimSpace(content) + "\n" + EndMarker(kind)
	pattern := regionPattern(kind)
	if pattern.MatchString(body) {
		return pattern.ReplaceAllLiteralString(body, region)
	}
	if strings.TrimSpace(body) == "" {
		return region
	}
	return strings.TrimRight(body, "\n") + "\n\n---\n\n" + region
}

// stripPatterns covers both region kinds with and without the preceding
// separator, plus legacy close tags.
var stripPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)\n*---\n*<!-- kiln:research -->.*?(?:<!-- /kiln:research -->|<!-- /kiln -->)`),
	regexp.MustCompile(`(?s)\n*---\n*<!-- kiln:plan -->.*?(?:<!-- /kiln:plan -->|<!-- /kiln -->)`),
	regexp.MustCompile(`(?s)\n*<!-- kiln:research -->.*?(?:<!-- /kiln:research -->|<!-- /kiln -->)`),
	regexp.MustCompile(`(?s)\n*<!-- kiln:plan -->.*?(?:<!-- /kiln:plan -->|<!-- /kiln -->)`),
}

// StripRegions removes all generated regions from the body. Used by reset
// to return the issue description to its human-authored state.
func StripRegions(body string) string {
	for _, pattern := range stripPatterns {
		body = pattern.ReplaceAllString(body, "")
	}
	return strings.TrimRight(body, "\n")
}
