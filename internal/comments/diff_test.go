package comments

import (
	"strings"
	"testing"
)

func TestSectionDiff(t *testing.T) {
	diff := sectionDiff("line one\nline two\n", "line one\nline two changed\n", "plan")
	if diff == "" {
		t.Fatal("expected a diff")
	}
	if strings.Contains(diff, "plan (before)") || strings.Contains(diff, "+++") {
		t.Errorf("file header should be stripped: %q", diff)
	}
	if !strings.Contains(diff, "-line two") || !strings.Contains(diff, "+line two changed") {
		t.Errorf("diff = %q", diff)
	}

	if got := sectionDiff("same\n", "same\n", "plan"); got != "" {
		t.Errorf("identical input: diff = %q", got)
	}
}

func TestWrapDiffLine(t *testing.T) {
	long := "+" + strings.Repeat("word ", 30)
	got := wrapDiffLine(strings.TrimRight(long, " "), 20)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 20 {
			t.Errorf("line too long: %q", line)
		}
		if !strings.HasPrefix(line, "+") {
			t.Errorf("continuation lost the diff prefix: %q", line)
		}
	}

	hunk := "@@ -1,400 +1,400 @@ " + strings.Repeat("x", 100)
	if wrapDiffLine(hunk, 20) != hunk {
		t.Error("hunk headers must pass through unwrapped")
	}

	short := "-tiny"
	if wrapDiffLine(short, 20) != short {
		t.Error("short lines must pass through")
	}
}

func TestWrapTextSplitsLongWords(t *testing.T) {
	got := wrapText(strings.Repeat("a", 25), 10)
	if len(got) != 3 || got[0] != strings.Repeat("a", 10) || got[2] != strings.Repeat("a", 5) {
		t.Errorf("wrapText = %v", got)
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Errorf("empty wrapText = %v", got)
	}
}

func TestResponseBody(t *testing.T) {
	body := responseBody("plan", "-a <tag>\n+b")
	if !strings.HasPrefix(body, ResponseMarker) {
		t.Errorf("missing marker: %q", body)
	}
	if !strings.Contains(body, "&lt;tag&gt;") {
		t.Errorf("diff not escaped: %q", body)
	}
	if !strings.Contains(body, "**plan**") {
		t.Errorf("target missing: %q", body)
	}

	none := responseBody("description", "")
	if !strings.Contains(none, "No textual changes detected") {
		t.Errorf("no-diff body = %q", none)
	}
}
