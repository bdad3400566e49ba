// Package github implements ticket.Client against the GitHub REST and
// GraphQL APIs. One client instance serves either github.com or a single
// GitHub Enterprise Server host; the two are never mixed.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

// Client is a GitHub API client.
type Client struct {
	host       string
	token      string
	httpClient *http.Client
	restURL    string
	graphqlURL string

	mu        sync.Mutex
	viewer    string                // cached login of the token's user
	boards    map[string]*boardMeta // boardURL -> cached project metadata
	metaCache MetadataCache         // optional persistent board metadata
}

// NewClient creates a client for the given host ("github.com" or a GHES
// hostname).
func NewClient(host, token string) *Client {
	restURL := "https://api.github.com"
	graphqlURL := "https://api.github.com/graphql"
	if host != "github.com" {
		restURL = fmt.Sprintf("https://%s/api/v3", host)
		graphqlURL = fmt.Sprintf("https://%s/api/graphql", host)
	}
	return &Client{
		host:       host,
		token:      token,
		restURL:    restURL,
		graphqlURL: graphqlURL,
		boards:     make(map[string]*boardMeta),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithBaseURL creates a client pointed at a custom base URL (for
// testing against httptest servers).
func NewClientWithBaseURL(host, token, baseURL string) *Client {
	c := NewClient(host, token)
	c.restURL = baseURL
	c.graphqlURL = baseURL + "/graphql"
	return c
}

// doRequest performs an HTTP request against the REST API.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// statusError maps an HTTP status onto the engine's sentinel errors while
// keeping the status text the retry layer matches on.
func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("API error (status %d): %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, ticket.ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, ticket.ErrUnauthorized)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", msg, ticket.ErrConflict)
	default:
		return fmt.Errorf("%s", msg)
	}
}

// classifyTransportErr wraps connectivity failures with ErrNetwork so the
// daemon can hibernate instead of failing workflows.
func classifyTransportErr(err error) error {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok || isConnectionErr(err) {
		return fmt.Errorf("failed to reach %v: %w", err, ticket.ErrNetwork)
	}
	return fmt.Errorf("failed to execute request: %w", err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isConnectionErr(err error) bool {
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "network is unreachable"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// REST payload shapes.

type issuePayload struct {
	Number int    `json:"number"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type labelPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type commentPayload struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Reactions struct {
		PlusOne int `json:"+1"`
		Eyes    int `json:"eyes"`
	} `json:"reactions"`
}

func (p commentPayload) toComment() ticket.Comment {
	return ticket.Comment{
		ID:         p.ID,
		Author:     p.User.Login,
		Body:       p.Body,
		CreatedAt:  p.CreatedAt,
		Processed:  p.Reactions.PlusOne > 0,
		Processing: p.Reactions.Eyes > 0,
	}
}

type pullPayload struct {
	Number   int        `json:"number"`
	HTMLURL  string     `json:"html_url"`
	Body     string     `json:"body"`
	State    string     `json:"state"`
	Draft    bool       `json:"draft"`
	MergedAt *time.Time `json:"merged_at"`
	Head     struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// IssueBody returns the issue's markdown body.
func (c *Client) IssueBody(ctx context.Context, ref ticket.Ref) (string, error) {
	return WithRetry(ctx, func() (string, error) {
		var issue issuePayload
		path := fmt.Sprintf("/repos/%s/issues/%d", ref.RepoPath(), ref.Number)
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &issue); err != nil {
			return "", err
		}
		return issue.Body, nil
	}, DefaultRetryOptions())
}

// UpdateIssueBody replaces the issue body. On conflict the caller rereads
// and retries once per the engine's contract.
func (c *Client) UpdateIssueBody(ctx context.Context, ref ticket.Ref, body string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d", ref.RepoPath(), ref.Number)
		return c.doRequest(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil)
	}, DefaultRetryOptions())
}

// IssueLabels returns the labels currently on the issue.
func (c *Client) IssueLabels(ctx context.Context, ref ticket.Ref) (map[string]bool, error) {
	return WithRetry(ctx, func() (map[string]bool, error) {
		var payload []labelPayload
		path := fmt.Sprintf("/repos/%s/issues/%d/labels?per_page=100", ref.RepoPath(), ref.Number)
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(payload))
		for _, l := range payload {
			out[l.Name] = true
		}
		return out, nil
	}, DefaultRetryOptions())
}

// AddLabel adds a label to the issue. Adding an already-present label is a
// no-op on the API side, which keeps the engine's writes idempotent.
func (c *Client) AddLabel(ctx context.Context, ref ticket.Ref, label string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d/labels", ref.RepoPath(), ref.Number)
		return c.doRequest(ctx, http.MethodPost, path, map[string][]string{"labels": {label}}, nil)
	}, DefaultRetryOptions())
}

// RemoveLabel removes a label from the issue. A 404 means the label was
// already absent and is not an error.
func (c *Client) RemoveLabel(ctx context.Context, ref ticket.Ref, label string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s",
			ref.RepoPath(), ref.Number, url.PathEscape(label))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if err != nil && isNotFound(err) {
			return nil
		}
		return err
	}, DefaultRetryOptions())
}

// RepoLabels lists label names defined in the repository.
func (c *Client) RepoLabels(ctx context.Context, ref ticket.Ref) ([]string, error) {
	return WithRetry(ctx, func() ([]string, error) {
		var payload []labelPayload
		path := fmt.Sprintf("/repos/%s/labels?per_page=100", ref.RepoPath())
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(payload))
		for _, l := range payload {
			names = append(names, l.Name)
		}
		return names, nil
	}, DefaultRetryOptions())
}

// CreateRepoLabel creates a label in the repository. A 422 means the label
// already exists; that race is benign during bootstrap.
func (c *Client) CreateRepoLabel(ctx context.Context, ref ticket.Ref, name, description, color string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/labels", ref.RepoPath())
		err := c.doRequest(ctx, http.MethodPost, path, labelPayload{
			Name:        name,
			Description: description,
			Color:       color,
		}, nil)
		if err != nil && isConflict(err) {
			return nil
		}
		return err
	}, DefaultRetryOptions())
}

// Comments returns every comment on the issue, oldest first.
func (c *Client) Comments(ctx context.Context, ref ticket.Ref) ([]ticket.Comment, error) {
	return c.CommentsSince(ctx, ref, time.Time{})
}

// CommentsSince returns comments created after the given time, oldest first.
func (c *Client) CommentsSince(ctx context.Context, ref ticket.Ref, since time.Time) ([]ticket.Comment, error) {
	return WithRetry(ctx, func() ([]ticket.Comment, error) {
		path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", ref.RepoPath(), ref.Number)
		if !since.IsZero() {
			path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
		}
		var payload []commentPayload
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
			return nil, err
		}
		out := make([]ticket.Comment, 0, len(payload))
		for _, p := range payload {
			// The since parameter is by updated_at; filter strictly by
			// creation so edits to old comments do not resurface them.
			if !since.IsZero() && !p.CreatedAt.After(since) {
				continue
			}
			out = append(out, p.toComment())
		}
		return out, nil
	}, DefaultRetryOptions())
}

// PostComment adds a comment to the issue.
func (c *Client) PostComment(ctx context.Context, ref ticket.Ref, body string) (ticket.Comment, error) {
	return WithRetry(ctx, func() (ticket.Comment, error) {
		path := fmt.Sprintf("/repos/%s/issues/%d/comments", ref.RepoPath(), ref.Number)
		var payload commentPayload
		if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": body}, &payload); err != nil {
			return ticket.Comment{}, err
		}
		return payload.toComment(), nil
	}, DefaultRetryOptions())
}

// AddReaction adds a reaction to a comment.
func (c *Client) AddReaction(ctx context.Context, ref ticket.Ref, commentID int64, kind string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", ref.RepoPath(), commentID)
		return c.doRequest(ctx, http.MethodPost, path, map[string]string{"content": kind}, nil)
	}, DefaultRetryOptions())
}

// RemoveReaction removes the daemon's own reaction of the given kind.
func (c *Client) RemoveReaction(ctx context.Context, ref ticket.Ref, commentID int64, kind string) error {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return err
	}
	return WithRetryVoid(ctx, func() error {
		var reactions []struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
			User    struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		listPath := fmt.Sprintf("/repos/%s/issues/comments/%d/reactions?per_page=100", ref.RepoPath(), commentID)
		if err := c.doRequest(ctx, http.MethodGet, listPath, nil, &reactions); err != nil {
			return err
		}
		for _, r := range reactions {
			if r.Content == kind && r.User.Login == viewer {
				delPath := fmt.Sprintf("/repos/%s/issues/comments/%d/reactions/%d", ref.RepoPath(), commentID, r.ID)
				err := c.doRequest(ctx, http.MethodDelete, delPath, nil, nil)
				if err != nil && isNotFound(err) {
					return nil
				}
				return err
			}
		}
		return nil
	}, DefaultRetryOptions())
}

var linkKeywordPattern = regexp.MustCompile(`(?i)\b(closes|fixes|resolves)\s+#?(\d+)\b`)

// LinkedPullRequests returns pull requests whose body links this issue with
// a closing keyword.
func (c *Client) LinkedPullRequests(ctx context.Context, ref ticket.Ref) ([]ticket.LinkedPullRequest, error) {
	return WithRetry(ctx, func() ([]ticket.LinkedPullRequest, error) {
		var payload []pullPayload
		path := fmt.Sprintf("/repos/%s/pulls?state=all&per_page=100&sort=updated&direction=desc", ref.RepoPath())
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &payload); err != nil {
			return nil, err
		}
		var out []ticket.LinkedPullRequest
		for _, p := range payload {
			if !linksIssue(p.Body, ref.Number) {
				continue
			}
			state := strings.ToUpper(p.State)
			if p.MergedAt != nil {
				state = "MERGED"
			}
			out = append(out, ticket.LinkedPullRequest{
				Number:     p.Number,
				URL:        p.HTMLURL,
				Body:       p.Body,
				State:      state,
				Merged:     p.MergedAt != nil,
				Draft:      p.Draft,
				BranchName: p.Head.Ref,
			})
		}
		return out, nil
	}, DefaultRetryOptions())
}

func linksIssue(body string, number int) bool {
	for _, m := range linkKeywordPattern.FindAllStringSubmatch(body, -1) {
		if m[2] == fmt.Sprintf("%d", number) {
			return true
		}
	}
	return false
}

// SeverPRLink rewrites the PR body so the closing keyword no longer links
// the issue, keeping the issue number as a breadcrumb ("closes #44" -> "#44").
func (c *Client) SeverPRLink(ctx context.Context, ref ticket.Ref, prNumber int) error {
	return WithRetryVoid(ctx, func() error {
		var pr pullPayload
		path := fmt.Sprintf("/repos/%s/pulls/%d", ref.RepoPath(), prNumber)
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &pr); err != nil {
			return err
		}
		updated := SeverLinkText(pr.Body, ref.Number)
		if updated == pr.Body {
			return nil
		}
		return c.doRequest(ctx, http.MethodPatch, path, map[string]string{"body": updated}, nil)
	}, DefaultRetryOptions())
}

// SeverLinkText removes closing keywords that target the given issue number.
func SeverLinkText(body string, number int) string {
	return linkKeywordPattern.ReplaceAllStringFunc(body, func(match string) string {
		m := linkKeywordPattern.FindStringSubmatch(match)
		if m[2] != fmt.Sprintf("%d", number) {
			return match
		}
		return "#" + m[2]
	})
}

// ClosePullRequest closes an open pull request.
func (c *Client) ClosePullRequest(ctx context.Context, ref ticket.Ref, prNumber int) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/pulls/%d", ref.RepoPath(), prNumber)
		return c.doRequest(ctx, http.MethodPatch, path, map[string]string{"state": "closed"}, nil)
	}, DefaultRetryOptions())
}

// DeleteBranch deletes a remote branch. 404 and 422 mean the branch is
// already gone.
func (c *Client) DeleteBranch(ctx context.Context, ref ticket.Ref, branch string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/git/refs/heads/%s", ref.RepoPath(), url.PathEscape(branch))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if err != nil && (isNotFound(err) || isConflict(err)) {
			return nil
		}
		return err
	}, DefaultRetryOptions())
}

// Viewer returns the login of the token's user, cached after first call.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.viewer != "" {
		v := c.viewer
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	var user struct {
		Login string `json:"login"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", fmt.Errorf("failed to resolve token user: %w", err)
	}

	c.mu.Lock()
	c.viewer = user.Login
	c.mu.Unlock()
	return user.Login, nil
}

// ValidateConnection performs a lightweight reachability and auth check.
func (c *Client) ValidateConnection(ctx context.Context) error {
	_, err := c.Viewer(ctx)
	return err
}

// Scopes the token must carry, and scopes it must not.
var (
	requiredScopes  = []string{"repo", "project"}
	forbiddenScopes = []string{"admin:org", "delete_repo"}
)

// TokenScopes returns the OAuth scopes on the configured token.
func (c *Client) TokenScopes(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}

	raw := resp.Header.Get("X-OAuth-Scopes")
	if raw == "" {
		// Fine-grained tokens carry no scope header; scope policing only
		// applies to classic tokens.
		return nil, nil
	}
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

// CheckScopes verifies the token carries the minimum scopes and nothing
// dangerous beyond them. Excess scope is a startup failure: a leaked token
// must not be able to delete repositories.
func CheckScopes(scopes []string) error {
	if scopes == nil {
		return nil
	}
	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}
	for _, s := range forbiddenScopes {
		if have[s] {
			return fmt.Errorf("token carries excessive scope %q: %w", s, ticket.ErrUnauthorized)
		}
	}
	for _, s := range requiredScopes {
		if !have[s] {
			return fmt.Errorf("token missing required scope %q: %w", s, ticket.ErrUnauthorized)
		}
	}
	return nil
}

func isNotFound(err error) bool { return strings.Contains(err.Error(), "status 404") }

func isConflict(err error) bool {
	return strings.Contains(err.Error(), "status 422") || strings.Contains(err.Error(), "status 409")
}
