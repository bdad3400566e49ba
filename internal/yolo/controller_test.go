package yolo

import (
	"context"
	"testing"
	"time"

	"github.com/alekspetrov/kiln/internal/labels"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/ticket/tickettest"
)

var testRef = ticket.Ref{Host: "github.com", Owner: "acme", Repo: "web", Number: 7}

func yoloItem(status string, labelNames ...string) ticket.Item {
	set := make(map[string]bool, len(labelNames))
	for _, l := range labelNames {
		set[l] = true
	}
	return ticket.Item{
		ItemID:   "item-7",
		BoardURL: "https://github.com/orgs/acme/projects/1",
		Ref:      testRef,
		Status:   status,
		State:    "OPEN",
		Labels:   set,
	}
}

func freshLabels(client *tickettest.FakeClient, names ...string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	client.Labels = map[string]map[string]bool{testRef.String(): set}
}

func TestShouldAdvance(t *testing.T) {
	tests := []struct {
		name  string
		item  ticket.Item
		fresh []string
		want  bool
	}{
		{
			name:  "research complete",
			item:  yoloItem("Research", labels.Yolo, labels.ResearchReady),
			fresh: []string{labels.Yolo, labels.ResearchReady},
			want:  true,
		},
		{
			name:  "plan complete",
			item:  yoloItem("Plan", labels.Yolo, labels.PlanReady),
			fresh: []string{labels.Yolo, labels.PlanReady},
			want:  true,
		},
		{
			name: "no yolo label",
			item: yoloItem("Research", labels.ResearchReady),
			want: false,
		},
		{
			name: "stage not complete",
			item: yoloItem("Research", labels.Yolo),
			want: false,
		},
		{
			name: "backlog handled by the poll loop",
			item: yoloItem("Backlog", labels.Yolo),
			want: false,
		},
		{
			name: "implement has no yolo target",
			item: yoloItem("Implement", labels.Yolo),
			want: false,
		},
		{
			name: "closed issue",
			item: func() ticket.Item {
				it := yoloItem("Research", labels.Yolo, labels.ResearchReady)
				it.State = "CLOSED"
				return it
			}(),
			want: false,
		},
		{
			name:  "label removed since poll",
			item:  yoloItem("Research", labels.Yolo, labels.ResearchReady),
			fresh: []string{labels.ResearchReady},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &tickettest.FakeClient{}
			freshLabels(client, tt.fresh...)
			c := New(client, nil, "operator", nil)
			if got := c.ShouldAdvance(context.Background(), tt.item); got != tt.want {
				t.Errorf("ShouldAdvance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdvanceMovesColumn(t *testing.T) {
	client := &tickettest.FakeClient{
		LabelActors: map[string]string{testRef.String() + ":" + labels.Yolo: "operator"},
	}
	freshLabels(client, labels.Yolo, labels.ResearchReady)
	store := openDecisions(t)

	c := New(client, store, "operator", nil)
	if err := c.Advance(context.Background(), yoloItem("Research", labels.Yolo, labels.ResearchReady)); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	if len(client.StatusUpdates) != 1 || client.StatusUpdates[0].Status != "Plan" {
		t.Errorf("status updates = %v", client.StatusUpdates)
	}
	recent, err := store.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Outcome != OutcomeAdvanced || recent[0].ToStatus != "Plan" {
		t.Errorf("decisions = %+v", recent)
	}
}

func TestAdvanceRefusesForeignActor(t *testing.T) {
	client := &tickettest.FakeClient{
		LabelActors: map[string]string{testRef.String() + ":" + labels.Yolo: "mallory"},
	}
	freshLabels(client, labels.Yolo, labels.PlanReady)
	store := openDecisions(t)

	c := New(client, store, "operator", []string{"alice"})
	if err := c.Advance(context.Background(), yoloItem("Plan", labels.Yolo, labels.PlanReady)); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	if len(client.StatusUpdates) != 0 {
		t.Errorf("foreign actor must not advance: %v", client.StatusUpdates)
	}
	recent, _ := store.Recent(10)
	if len(recent) != 1 || recent[0].Outcome != OutcomeRefused || recent[0].Actor != "mallory" {
		t.Errorf("decisions = %+v", recent)
	}
}

func TestAdvanceRefusesWhenLabelRemoved(t *testing.T) {
	client := &tickettest.FakeClient{
		LabelActors: map[string]string{testRef.String() + ":" + labels.Yolo: "operator"},
	}
	freshLabels(client, labels.ResearchReady) // yolo gone
	store := openDecisions(t)

	c := New(client, store, "operator", nil)
	if err := c.Advance(context.Background(), yoloItem("Research", labels.Yolo, labels.ResearchReady)); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	if len(client.StatusUpdates) != 0 {
		t.Errorf("removed label must not advance: %v", client.StatusUpdates)
	}
	recent, _ := store.Recent(10)
	if len(recent) != 1 || recent[0].Outcome != OutcomeRefused {
		t.Errorf("decisions = %+v", recent)
	}
}

func TestAdvanceNoTargetIsNoop(t *testing.T) {
	client := &tickettest.FakeClient{}
	c := New(client, nil, "operator", nil)
	if err := c.Advance(context.Background(), yoloItem("Validate", labels.Yolo)); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if len(client.StatusUpdates) != 0 {
		t.Error("no progression target must be a no-op")
	}
}

func openDecisions(t *testing.T) *DecisionStore {
	t.Helper()
	s, err := OpenDecisions(":memory:")
	if err != nil {
		t.Fatalf("OpenDecisions failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDecisionStoreRecentAndPurge(t *testing.T) {
	s := openDecisions(t)
	for i, outcome := range []string{OutcomeAdvanced, OutcomeRefused, OutcomeAdvanced} {
		err := s.Record(Decision{
			IssueRef:   testRef.String(),
			FromStatus: "Research",
			ToStatus:   "Plan",
			Actor:      "operator",
			Outcome:    outcome,
			Reason:     "test",
		})
		if err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}

	recent, err := s.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d entries, want 2", len(recent))
	}
	// Newest first.
	if recent[0].Outcome != OutcomeAdvanced || recent[1].Outcome != OutcomeRefused {
		t.Errorf("order wrong: %+v", recent)
	}
	if recent[0].DecidedAt.IsZero() {
		t.Error("decided_at not populated")
	}

	// Nothing is old enough to purge.
	n, err := s.Purge(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("purged %d, want 0", n)
	}
}
