// Package ticket defines the board and issue surface the engine operates
// against. The daemon is written against the Client interface; the GitHub
// implementation lives in the github subpackage.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors the engine branches on. Transport errors that are none of
// these are treated as transient by the retry layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	// ErrNetwork marks connectivity failures that should trigger
	// hibernation rather than a workflow failure.
	ErrNetwork = errors.New("network unreachable")
)

// Ref identifies an issue globally: host/owner/repo#number.
type Ref struct {
	Host   string
	Owner  string
	Repo   string
	Number int
}

// ParseRef parses "host/owner/repo#number".
func ParseRef(s string) (Ref, error) {
	repoPart, numPart, ok := strings.Cut(s, "#")
	if !ok {
		return Ref{}, fmt.Errorf("invalid issue ref %q: missing #", s)
	}
	parts := strings.Split(repoPart, "/")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("invalid issue ref %q: want host/owner/repo#number", s)
	}
	var number int
	if _, err := fmt.Sscanf(numPart, "%d", &number); err != nil || number <= 0 {
		return Ref{}, fmt.Errorf("invalid issue ref %q: bad issue number", s)
	}
	return Ref{Host: parts[0], Owner: parts[1], Repo: parts[2], Number: number}, nil
}

// ParseIssueURL parses a browser issue URL such as
// "https://github.com/owner/repo/issues/42" into a Ref.
func ParseIssueURL(raw string) (Ref, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	s = strings.TrimSuffix(s, "/")
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[3] != "issues" {
		return Ref{}, fmt.Errorf("invalid issue URL %q: want https://host/owner/repo/issues/number", raw)
	}
	var number int
	if _, err := fmt.Sscanf(parts[4], "%d", &number); err != nil || number <= 0 {
		return Ref{}, fmt.Errorf("invalid issue URL %q: bad issue number", raw)
	}
	return Ref{Host: parts[0], Owner: parts[1], Repo: parts[2], Number: number}, nil
}

// RepoPath returns "owner/repo".
func (r Ref) RepoPath() string { return r.Owner + "/" + r.Repo }

// FullRepo returns "host/owner/repo".
func (r Ref) FullRepo() string { return r.Host + "/" + r.Owner + "/" + r.Repo }

// URL returns the browser URL of the issue.
func (r Ref) URL() string {
	return fmt.Sprintf("https://%s/%s/%s/issues/%d", r.Host, r.Owner, r.Repo, r.Number)
}

// String returns "host/owner/repo#number".
func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.FullRepo(), r.Number) }

// Item is one row of a project board.
type Item struct {
	ItemID       string // board item node ID
	BoardURL     string
	Ref          Ref
	Status       string // column name
	Title        string
	Labels       map[string]bool
	State        string // OPEN or CLOSED
	StateReason  string // COMPLETED, NOT_PLANNED, ...
	CommentCount int
}

// HasLabel reports whether the item carries the named label.
func (it *Item) HasLabel(name string) bool { return it.Labels[name] }

// Comment is a single issue comment.
type Comment struct {
	ID        int64 // numeric ID, used for dedup and reactions
	Author    string
	Body      string
	CreatedAt time.Time
	// Reaction state as observed at fetch time.
	Processed  bool // has a thumbs-up reaction
	Processing bool // has an eyes reaction
}

// LinkedPullRequest is a PR whose body links an issue with a closing keyword.
type LinkedPullRequest struct {
	Number     int
	URL        string
	Body       string
	State      string // OPEN, CLOSED, MERGED
	Merged     bool
	Draft      bool
	BranchName string
}

// Reaction kinds used by the comment protocol.
const (
	ReactionEyes     = "eyes"
	ReactionThumbsUp = "+1"
	ReactionConfused = "confused"
)

// Client is the full capability set the engine needs from the tracker.
type Client interface {
	// Board operations
	ListProjectItems(ctx context.Context, boardURL string) ([]Item, error)
	UpdateItemStatus(ctx context.Context, boardURL, itemID, status string) error
	ArchiveItem(ctx context.Context, boardURL, itemID string) error

	// Issue operations
	IssueBody(ctx context.Context, ref Ref) (string, error)
	UpdateIssueBody(ctx context.Context, ref Ref, body string) error
	IssueLabels(ctx context.Context, ref Ref) (map[string]bool, error)
	AddLabel(ctx context.Context, ref Ref, label string) error
	RemoveLabel(ctx context.Context, ref Ref, label string) error

	// Repo label bootstrap
	RepoLabels(ctx context.Context, ref Ref) ([]string, error)
	CreateRepoLabel(ctx context.Context, ref Ref, name, description, color string) error

	// Comments
	Comments(ctx context.Context, ref Ref) ([]Comment, error)
	CommentsSince(ctx context.Context, ref Ref, since time.Time) ([]Comment, error)
	PostComment(ctx context.Context, ref Ref, body string) (Comment, error)
	AddReaction(ctx context.Context, ref Ref, commentID int64, kind string) error
	RemoveReaction(ctx context.Context, ref Ref, commentID int64, kind string) error

	// Audit
	LastStatusActor(ctx context.Context, boardURL string, ref Ref) (string, error)
	LabelActor(ctx context.Context, ref Ref, label string) (string, error)

	// Pull requests (implement completion and reset)
	LinkedPullRequests(ctx context.Context, ref Ref) ([]LinkedPullRequest, error)
	MarkPullRequestReady(ctx context.Context, ref Ref, prNumber int) error
	SeverPRLink(ctx context.Context, ref Ref, prNumber int) error
	ClosePullRequest(ctx context.Context, ref Ref, prNumber int) error
	DeleteBranch(ctx context.Context, ref Ref, branch string) error

	// Startup checks
	ValidateConnection(ctx context.Context) error
	TokenScopes(ctx context.Context) ([]string, error)
}

// IsNetworkErr reports whether err stems from connectivity loss.
func IsNetworkErr(err error) bool { return errors.Is(err, ErrNetwork) }
