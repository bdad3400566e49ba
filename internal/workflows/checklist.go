package workflows

import "regexp"

// taskPattern matches TASK headers in the PR body checklist:
// "## TASK 1: ...", "### TASK 2 ..." or "**TASK 3**: ...".
var taskPattern = regexp.MustCompile(`(?im)^#+\s*TASK\s+\d+|^\*\*TASK\s+\d+\*\*`)

var (
	checkedPattern   = regexp.MustCompile(`(?i)- \[x\]`)
	uncheckedPattern = regexp.MustCompile(`- \[ \]`)
)

// CountTasks counts TASK blocks in markdown. Drives the iteration budget of
// the implement loop: one task per iteration.
func CountTasks(markdown string) int {
	return len(taskPattern.FindAllString(markdown, -1))
}

// CountCheckboxes returns total and completed checkbox counts.
func CountCheckboxes(markdown string) (total, completed int) {
	completed = len(checkedPattern.FindAllString(markdown, -1))
	total = completed + len(uncheckedPattern.FindAllString(markdown, -1))
	return total, completed
}
