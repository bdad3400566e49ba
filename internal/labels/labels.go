// Package labels defines the label vocabulary that carries per-issue
// workflow state on the board. Labels are the durable state machine: the
// daemon reads them to classify issues and writes them to record stage
// transitions.
package labels

// Workflow running labels (in-progress state).
const (
	Preparing    = "preparing"
	Researching  = "researching"
	Planning     = "planning"
	Implementing = "implementing"
	Reviewing    = "reviewing"
	Editing      = "editing"
)

// Workflow complete labels.
const (
	ResearchReady = "research_ready"
	PlanReady     = "plan_ready"
)

// State labels.
const (
	CleanedUp = "cleaned_up"
)

// Control labels.
const (
	Yolo  = "yolo"
	Reset = "reset"
)

// Failure labels.
const (
	YoloFailed           = "yolo_failed"
	ResearchFailed       = "research_failed"
	ImplementationFailed = "implementation_failed"
)

// Def describes a label for repository bootstrap.
type Def struct {
	Name        string
	Description string
	Color       string
}

// Required is the full label set created in repositories on first contact.
var Required = []Def{
	{Preparing, "Prepare workflow in progress", "FFA500"},
	{Researching, "Research workflow in progress", "FFA500"},
	{ResearchReady, "Research complete", "2ECC71"},
	{Planning, "Plan workflow in progress", "FFA500"},
	{PlanReady, "Plan complete", "2ECC71"},
	{Implementing, "Implement workflow in progress", "FFA500"},
	{Reviewing, "PR under internal review", "1D76DB"},
	{Editing, "Processing user comment", "1D76DB"},
	{CleanedUp, "Worktree has been cleaned up", "BFDADC"},
	{Yolo, "Auto-progress through Research → Plan → Implement", "A855F7"},
	{YoloFailed, "Auto-progression failed", "DC2626"},
	{Reset, "Clear generated content and move issue to Backlog", "3B82F6"},
	{ResearchFailed, "Research workflow failed after retries", "DC2626"},
	{ImplementationFailed, "Implementation workflow failed after retries", "DC2626"},
}

// running is the set whose presence means an executor should be (or appear
// to be) in flight. At most one of these may be on an issue at a time.
var running = map[string]bool{
	Preparing:    true,
	Researching:  true,
	Planning:     true,
	Implementing: true,
}

// managed is every label the daemon owns. Reset strips exactly this set.
var managed = map[string]bool{
	Preparing:            true,
	Researching:          true,
	Planning:             true,
	Implementing:         true,
	Reviewing:            true,
	Editing:              true,
	ResearchReady:        true,
	PlanReady:            true,
	CleanedUp:            true,
	Yolo:                 true,
	YoloFailed:           true,
	Reset:                true,
	ResearchFailed:       true,
	ImplementationFailed: true,
}

// IsRunning reports whether name is a stage running label.
func IsRunning(name string) bool { return running[name] }

// IsManaged reports whether name belongs to the daemon's vocabulary.
func IsManaged(name string) bool { return managed[name] }

// Running returns the running labels present in the given set.
func Running(present map[string]bool) []string {
	var out []string
	for name := range running {
		if present[name] {
			out = append(out, name)
		}
	}
	return out
}

// Managed returns the managed labels present in the given set.
func Managed(present map[string]bool) []string {
	var out []string
	for name := range managed {
		if present[name] {
			out = append(out, name)
		}
	}
	return out
}
