// Package tickettest provides an in-memory ticket.Client for tests.
package tickettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

// StatusUpdate records one board column move.
type StatusUpdate struct {
	BoardURL string
	ItemID   string
	Status   string
}

// LabelChange records one label mutation.
type LabelChange struct {
	Ref   ticket.Ref
	Label string
}

// ReactionChange records one reaction mutation.
type ReactionChange struct {
	CommentID int64
	Kind      string
}

// FakeClient implements ticket.Client against in-memory maps. Zero value is
// usable; all fields are optional. Every method honors Err first.
type FakeClient struct {
	mu sync.Mutex

	Err error // returned by every call when set

	Items         []ticket.Item
	Bodies        map[string]string          // ref string -> issue body
	Labels        map[string]map[string]bool // ref string -> label set
	IssueComments map[string][]ticket.Comment
	PRs           map[string][]ticket.LinkedPullRequest

	StatusActors map[string]string // ref string -> actor
	LabelActors  map[string]string // "ref:label" -> actor
	RepoLabelSet map[string][]string
	Scopes       []string

	// Recorded mutations.
	StatusUpdates    []StatusUpdate
	Archived         []string
	AddedLabels      []LabelChange
	RemovedLabels    []LabelChange
	CreatedLabels    []string
	Posted           []ticket.Comment
	AddedReactions   []ReactionChange
	RemovedReactions []ReactionChange
	ReadyPRs         []int
	SeveredPRs       []int
	ClosedPRs        []int
	DeletedBranches  []string

	nextCommentID int64
}

var _ ticket.Client = (*FakeClient)(nil)

func (f *FakeClient) ListProjectItems(ctx context.Context, boardURL string) ([]ticket.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []ticket.Item
	for _, it := range f.Items {
		if it.BoardURL == boardURL {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *FakeClient) UpdateItemStatus(ctx context.Context, boardURL, itemID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.StatusUpdates = append(f.StatusUpdates, StatusUpdate{boardURL, itemID, status})
	for i := range f.Items {
		if f.Items[i].ItemID == itemID {
			f.Items[i].Status = status
		}
	}
	return nil
}

func (f *FakeClient) ArchiveItem(ctx context.Context, boardURL, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Archived = append(f.Archived, itemID)
	return nil
}

func (f *FakeClient) IssueBody(ctx context.Context, ref ticket.Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.Bodies[ref.String()], nil
}

func (f *FakeClient) UpdateIssueBody(ctx context.Context, ref ticket.Ref, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Bodies == nil {
		f.Bodies = make(map[string]string)
	}
	f.Bodies[ref.String()] = body
	return nil
}

func (f *FakeClient) IssueLabels(ctx context.Context, ref ticket.Ref) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make(map[string]bool, len(f.Labels[ref.String()]))
	for name := range f.Labels[ref.String()] {
		out[name] = true
	}
	return out, nil
}

func (f *FakeClient) AddLabel(ctx context.Context, ref ticket.Ref, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Labels == nil {
		f.Labels = make(map[string]map[string]bool)
	}
	if f.Labels[ref.String()] == nil {
		f.Labels[ref.String()] = make(map[string]bool)
	}
	f.Labels[ref.String()][label] = true
	f.AddedLabels = append(f.AddedLabels, LabelChange{ref, label})
	return nil
}

func (f *FakeClient) RemoveLabel(ctx context.Context, ref ticket.Ref, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Labels[ref.String()], label)
	f.RemovedLabels = append(f.RemovedLabels, LabelChange{ref, label})
	return nil
}

func (f *FakeClient) RepoLabels(ctx context.Context, ref ticket.Ref) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.RepoLabelSet[ref.FullRepo()], nil
}

func (f *FakeClient) CreateRepoLabel(ctx context.Context, ref ticket.Ref, name, description, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.RepoLabelSet == nil {
		f.RepoLabelSet = make(map[string][]string)
	}
	f.RepoLabelSet[ref.FullRepo()] = append(f.RepoLabelSet[ref.FullRepo()], name)
	f.CreatedLabels = append(f.CreatedLabels, name)
	return nil
}

func (f *FakeClient) Comments(ctx context.Context, ref ticket.Ref) ([]ticket.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]ticket.Comment(nil), f.IssueComments[ref.String()]...), nil
}

func (f *FakeClient) CommentsSince(ctx context.Context, ref ticket.Ref, since time.Time) ([]ticket.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []ticket.Comment
	for _, c := range f.IssueComments[ref.String()] {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *FakeClient) PostComment(ctx context.Context, ref ticket.Ref, body string) (ticket.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return ticket.Comment{}, f.Err
	}
	f.nextCommentID++
	c := ticket.Comment{
		ID:        1000 + f.nextCommentID,
		Author:    "kiln-bot",
		Body:      body,
		CreatedAt: time.Now(),
	}
	if f.IssueComments == nil {
		f.IssueComments = make(map[string][]ticket.Comment)
	}
	f.IssueComments[ref.String()] = append(f.IssueComments[ref.String()], c)
	f.Posted = append(f.Posted, c)
	return c, nil
}

func (f *FakeClient) AddReaction(ctx context.Context, ref ticket.Ref, commentID int64, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.AddedReactions = append(f.AddedReactions, ReactionChange{commentID, kind})
	return nil
}

func (f *FakeClient) RemoveReaction(ctx context.Context, ref ticket.Ref, commentID int64, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.RemovedReactions = append(f.RemovedReactions, ReactionChange{commentID, kind})
	return nil
}

func (f *FakeClient) LastStatusActor(ctx context.Context, boardURL string, ref ticket.Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.StatusActors[ref.String()], nil
}

func (f *FakeClient) LabelActor(ctx context.Context, ref ticket.Ref, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.LabelActors[fmt.Sprintf("%s:%s", ref.String(), label)], nil
}

func (f *FakeClient) LinkedPullRequests(ctx context.Context, ref ticket.Ref) ([]ticket.LinkedPullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]ticket.LinkedPullRequest(nil), f.PRs[ref.String()]...), nil
}

func (f *FakeClient) MarkPullRequestReady(ctx context.Context, ref ticket.Ref, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ReadyPRs = append(f.ReadyPRs, prNumber)
	for i, pr := range f.PRs[ref.String()] {
		if pr.Number == prNumber {
			f.PRs[ref.String()][i].Draft = false
		}
	}
	return nil
}

func (f *FakeClient) SeverPRLink(ctx context.Context, ref ticket.Ref, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.SeveredPRs = append(f.SeveredPRs, prNumber)
	return nil
}

func (f *FakeClient) ClosePullRequest(ctx context.Context, ref ticket.Ref, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ClosedPRs = append(f.ClosedPRs, prNumber)
	for i, pr := range f.PRs[ref.String()] {
		if pr.Number == prNumber {
			f.PRs[ref.String()][i].State = "CLOSED"
		}
	}
	return nil
}

func (f *FakeClient) DeleteBranch(ctx context.Context, ref ticket.Ref, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.DeletedBranches = append(f.DeletedBranches, branch)
	return nil
}

func (f *FakeClient) ValidateConnection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

func (f *FakeClient) TokenScopes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Scopes, nil
}

// SetPRBody replaces the body of a tracked PR, simulating checkbox progress.
func (f *FakeClient) SetPRBody(ref ticket.Ref, prNumber int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pr := range f.PRs[ref.String()] {
		if pr.Number == prNumber {
			f.PRs[ref.String()][i].Body = body
		}
	}
}

// AddPR registers a linked PR for an issue.
func (f *FakeClient) AddPR(ref ticket.Ref, pr ticket.LinkedPullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PRs == nil {
		f.PRs = make(map[string][]ticket.LinkedPullRequest)
	}
	f.PRs[ref.String()] = append(f.PRs[ref.String()], pr)
}
