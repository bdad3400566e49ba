package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/ticket/tickettest"
	"github.com/alekspetrov/kiln/internal/workflows"
)

var testRef = ticket.Ref{Host: "github.com", Owner: "acme", Repo: "web", Number: 3}

func testEngine(t *testing.T, client *tickettest.FakeClient) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.GitHubToken = "t"
	cfg.ProjectURLs = []string{"https://github.com/orgs/acme/projects/1"}
	cfg.AllowedUsername = "operator"
	cfg.WorkspaceDir = filepath.Join(dir, "workspaces")
	cfg.DatabasePath = filepath.Join(dir, "db.sqlite")
	cfg.LogFile = filepath.Join(dir, "logs", "kiln.log")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(cfg, client, st, nil, events.NewBus())
}

func boardItem(status string, labelNames ...string) ticket.Item {
	set := make(map[string]bool, len(labelNames))
	for _, l := range labelNames {
		set[l] = true
	}
	return ticket.Item{
		ItemID:   "item-3",
		BoardURL: "https://github.com/orgs/acme/projects/1",
		Ref:      testRef,
		Status:   status,
		Title:    "Fix login",
		State:    "OPEN",
		Labels:   set,
	}
}

func TestStageGate(t *testing.T) {
	researchDef, _ := workflows.ForColumn("Research")
	tests := []struct {
		name string
		item ticket.Item
		want bool
	}{
		{"clean research item", boardItem("Research"), true},
		{"already running", boardItem("Research", labels.Researching), false},
		{"already done", boardItem("Research", labels.ResearchReady), false},
		{"already failed", boardItem("Research", labels.ResearchFailed), false},
		{"closed", func() ticket.Item {
			it := boardItem("Research")
			it.State = "CLOSED"
			return it
		}(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, &tickettest.FakeClient{})
			if got := e.stageGate(tt.item, researchDef); got != tt.want {
				t.Errorf("stageGate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaybeTriggerRequiresSelfActor(t *testing.T) {
	client := &tickettest.FakeClient{
		StatusActors: map[string]string{testRef.String(): "mallory"},
	}
	e := testEngine(t, client)
	if e.maybeTrigger(context.Background(), boardItem("Research")) {
		t.Error("foreign status actor must not trigger")
	}
	if e.dispatch.Len() != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestMaybeTriggerSkipsUnwatchedColumn(t *testing.T) {
	e := testEngine(t, &tickettest.FakeClient{
		StatusActors: map[string]string{testRef.String(): "operator"},
	})
	if e.maybeTrigger(context.Background(), boardItem("Validate")) {
		t.Error("unwatched column must not trigger")
	}
}

func TestHandleResetUnauthorizedDropsLabel(t *testing.T) {
	client := &tickettest.FakeClient{
		LabelActors: map[string]string{testRef.String() + ":" + labels.Reset: "mallory"},
	}
	e := testEngine(t, client)
	e.handleReset(context.Background(), boardItem("Research", labels.Reset))

	if len(client.RemovedLabels) != 1 || client.RemovedLabels[0].Label != labels.Reset {
		t.Errorf("reset label not dropped: %v", client.RemovedLabels)
	}
	if e.dispatch.Len() != 0 {
		t.Error("unauthorized reset must not dispatch")
	}
}

func TestResetIssue(t *testing.T) {
	client := &tickettest.FakeClient{
		Bodies: map[string]string{
			testRef.String(): "Keep me.\n\n---\n\n<!-- kiln:research -->\nfindings\n<!-- /kiln:research -->",
		},
		Labels: map[string]map[string]bool{
			testRef.String(): {labels.Reset: true, labels.ResearchReady: true, "bug": true},
		},
	}
	client.AddPR(testRef, ticket.LinkedPullRequest{
		Number: 9, State: "OPEN", BranchName: "3-fix-login",
	})
	e := testEngine(t, client)

	if err := e.ResetIssue(context.Background(), boardItem("Plan", labels.Reset, labels.ResearchReady)); err != nil {
		t.Fatalf("ResetIssue failed: %v", err)
	}

	if body := client.Bodies[testRef.String()]; body != "Keep me." {
		t.Errorf("body = %q", body)
	}
	if len(client.ClosedPRs) != 1 || client.ClosedPRs[0] != 9 {
		t.Errorf("closed PRs = %v", client.ClosedPRs)
	}
	if len(client.SeveredPRs) != 1 || client.SeveredPRs[0] != 9 {
		t.Errorf("severed PRs = %v", client.SeveredPRs)
	}
	if len(client.DeletedBranches) != 1 || client.DeletedBranches[0] != "3-fix-login" {
		t.Errorf("deleted branches = %v", client.DeletedBranches)
	}
	if len(client.StatusUpdates) != 1 || client.StatusUpdates[0].Status != "Backlog" {
		t.Errorf("status updates = %v", client.StatusUpdates)
	}
	// Managed labels stripped, user labels untouched.
	remaining := client.Labels[testRef.String()]
	if remaining[labels.Reset] || remaining[labels.ResearchReady] {
		t.Errorf("managed labels survived: %v", remaining)
	}
	if !remaining["bug"] {
		t.Error("user label was stripped")
	}
}

func TestCompletionMergedMovesToDone(t *testing.T) {
	client := &tickettest.FakeClient{}
	client.AddPR(testRef, ticket.LinkedPullRequest{Number: 4, State: "MERGED", Merged: true})
	e := testEngine(t, client)

	e.checkCompletion(context.Background(), boardItem("Validate"))

	if len(client.StatusUpdates) != 1 || client.StatusUpdates[0].Status != "Done" {
		t.Errorf("status updates = %v", client.StatusUpdates)
	}
	found := false
	for _, lc := range client.AddedLabels {
		if lc.Label == labels.CleanedUp {
			found = true
		}
	}
	if !found {
		t.Errorf("cleaned_up label missing: %v", client.AddedLabels)
	}
}

func TestCompletionReadyPRMovesToValidate(t *testing.T) {
	client := &tickettest.FakeClient{}
	client.AddPR(testRef, ticket.LinkedPullRequest{Number: 4, State: "OPEN", Draft: false})
	e := testEngine(t, client)

	e.checkCompletion(context.Background(), boardItem("Implement", labels.Reviewing))

	if len(client.StatusUpdates) != 1 || client.StatusUpdates[0].Status != "Validate" {
		t.Errorf("status updates = %v", client.StatusUpdates)
	}
	if len(client.RemovedLabels) != 1 || client.RemovedLabels[0].Label != labels.Reviewing {
		t.Errorf("removed labels = %v", client.RemovedLabels)
	}
}

func TestCompletionDraftPRStaysPut(t *testing.T) {
	client := &tickettest.FakeClient{}
	client.AddPR(testRef, ticket.LinkedPullRequest{Number: 4, State: "OPEN", Draft: true})
	e := testEngine(t, client)

	e.checkCompletion(context.Background(), boardItem("Implement"))
	if len(client.StatusUpdates) != 0 {
		t.Errorf("draft PR must not move the issue: %v", client.StatusUpdates)
	}
}

func TestCompletionNotPlannedArchives(t *testing.T) {
	client := &tickettest.FakeClient{}
	e := testEngine(t, client)

	item := boardItem("Research")
	item.State = "CLOSED"
	item.StateReason = "NOT_PLANNED"
	e.checkCompletion(context.Background(), item)

	if len(client.Archived) != 1 || client.Archived[0] != "item-3" {
		t.Errorf("archived = %v", client.Archived)
	}
	if len(client.StatusUpdates) != 0 {
		t.Errorf("not-planned item must not change columns: %v", client.StatusUpdates)
	}
}

func TestCompletionSkipsWhileRunning(t *testing.T) {
	client := &tickettest.FakeClient{}
	client.AddPR(testRef, ticket.LinkedPullRequest{Number: 4, State: "OPEN", Draft: false})
	e := testEngine(t, client)

	e.checkCompletion(context.Background(), boardItem("Implement", labels.Implementing))
	if len(client.StatusUpdates) != 0 {
		t.Errorf("running item must not transition: %v", client.StatusUpdates)
	}
}

func TestEnsureRepoLabelsBootstrapsOnce(t *testing.T) {
	client := &tickettest.FakeClient{
		RepoLabelSet: map[string][]string{testRef.FullRepo(): {labels.Yolo}},
	}
	e := testEngine(t, client)

	e.ensureRepoLabels(context.Background(), testRef)
	created := len(client.CreatedLabels)
	if created != len(labels.Required)-1 {
		t.Errorf("created %d labels, want %d", created, len(labels.Required)-1)
	}

	e.ensureRepoLabels(context.Background(), testRef)
	if len(client.CreatedLabels) != created {
		t.Error("second bootstrap repeated label creation")
	}
}

func TestCheckTokenScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"fine-grained token", nil, false},
		{"minimum classic", []string{"repo", "project"}, false},
		{"missing project", []string{"repo"}, true},
		{"excess admin:org", []string{"repo", "project", "admin:org"}, true},
		{"excess delete_repo", []string{"repo", "project", "delete_repo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, &tickettest.FakeClient{Scopes: tt.scopes})
			err := e.checkTokenScopes(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("checkTokenScopes(%v) = %v, wantErr=%v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestCommentIterationOnlyInResearchAndPlan(t *testing.T) {
	for _, status := range []string{"Backlog", "Implement", "Validate", "Done"} {
		e := testEngine(t, &tickettest.FakeClient{})
		item := boardItem(status)
		item.CommentCount = 5
		e.maybeProcessComments(context.Background(), item)
		if e.dispatch.Len() != 0 {
			t.Errorf("%s item dispatched comment iteration", status)
		}
	}

	// Research and Plan do iterate: with no pending feedback the pass is a
	// no-op that records the comment count.
	for _, status := range []string{"Research", "Plan"} {
		e := testEngine(t, &tickettest.FakeClient{})
		item := boardItem(status)
		item.CommentCount = 5
		e.maybeProcessComments(context.Background(), item)

		deadline := time.After(2 * time.Second)
		for {
			st, err := e.store.IssueState(testRef.String())
			if err != nil {
				t.Fatal(err)
			}
			if st.CommentCount == 5 {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("%s item never processed comments", status)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func TestJitteredInterval(t *testing.T) {
	e := testEngine(t, &tickettest.FakeClient{})
	base := time.Duration(e.cfg.PollInterval) * time.Second
	for i := 0; i < 50; i++ {
		got := e.jitteredInterval()
		if got < base*9/10 || got > base*11/10 {
			t.Fatalf("interval %v outside ±10%% of %v", got, base)
		}
	}
}
