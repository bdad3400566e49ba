package comments

import (
	"fmt"
	"html"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// diffWidth keeps the reply readable inside GitHub's collapsed details
// block.
const diffWidth = 70

// sectionDiff produces a wrapped unified diff of the edit target, without
// the file header lines. Empty when nothing changed.
func sectionDiff(before, after, target string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: target + " (before)",
		ToFile:   target + " (after)",
		Context:  3,
	})
	if err != nil || text == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= 2 {
		return ""
	}
	// Drop the ---/+++ header, keep the hunks.
	return wrapDiff(strings.Join(lines[2:], "\n"), diffWidth)
}

// wrapDiff wraps every diff line to the given width, keeping the +/-/space
// prefix on continuation lines. Hunk headers pass through untouched.
func wrapDiff(diff string, width int) string {
	lines := strings.Split(diff, "\n")
	wrapped := make([]string, len(lines))
	for i, line := range lines {
		wrapped[i] = wrapDiffLine(line, width)
	}
	return strings.Join(wrapped, "\n")
}

func wrapDiffLine(line string, width int) string {
	if len(line) <= width || strings.HasPrefix(line, "@@") {
		return line
	}
	prefix := ""
	content := line
	switch line[0] {
	case '+', '-', ' ':
		prefix = line[:1]
		content = line[1:]
	}
	parts := wrapText(content, width-len(prefix))
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, "\n")
}

// wrapText greedily wraps words, splitting words longer than the width.
func wrapText(s string, width int) []string {
	var lines []string
	cur := ""
	for _, word := range strings.Fields(s) {
		for len(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			lines = append(lines, word[:width])
			word = word[width:]
		}
		switch {
		case cur == "":
			cur = word
		case len(cur)+1+len(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}

// responseBody renders the reply comment. The diff is HTML-escaped so its
// content cannot break out of the pre block.
func responseBody(target, diff string) string {
	if diff == "" {
		return fmt.Sprintf(
			"%s\nProcessed feedback for **%s**. No textual changes detected (may have been a formatting or structural update).\n",
			ResponseMarker, target,
		)
	}
	return fmt.Sprintf(
		"%s\nApplied changes to **%s**:\n\n<details>\n<summary>Diff</summary>\n\n<pre lang=\"diff\">\n%s\n</pre>\n\n</details>\n",
		ResponseMarker, target, html.EscapeString(diff),
	)
}
