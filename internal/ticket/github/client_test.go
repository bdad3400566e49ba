package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

var testRef = ticket.Ref{Host: "github.com", Owner: "acme", Repo: "web", Number: 42}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL("github.com", "ghp_test", srv.URL)
}

func TestRemoveLabelToleratesMissing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := client.RemoveLabel(context.Background(), testRef, "researching"); err != nil {
		t.Errorf("RemoveLabel on absent label should succeed, got %v", err)
	}
}

func TestAddLabelSendsPayload(t *testing.T) {
	var got struct {
		Labels []string `json:"labels"`
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.AddLabel(context.Background(), testRef, "planning"); err != nil {
		t.Fatalf("AddLabel failed: %v", err)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "planning" {
		t.Errorf("payload = %v", got.Labels)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(issuePayload{Number: 42, Body: "hello"})
	}))

	body, err := client.IssueBody(context.Background(), testRef)
	if err != nil {
		t.Fatalf("IssueBody failed after retries: %v", err)
	}
	if body != "hello" {
		t.Errorf("body = %q", body)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNoRetryOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.IssueBody(context.Background(), testRef)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (auth errors must not retry)", calls.Load())
	}
}

func TestCommentsSinceFiltersByCreation(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		comments := []commentPayload{
			{ID: 1, Body: "old", CreatedAt: cutoff.Add(-time.Hour)},
			{ID: 2, Body: "new", CreatedAt: cutoff.Add(time.Hour)},
		}
		_ = json.NewEncoder(w).Encode(comments)
	}))

	got, err := client.CommentsSince(context.Background(), testRef, cutoff)
	if err != nil {
		t.Fatalf("CommentsSince failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("got %+v, want only comment 2", got)
	}
}

func TestLinkedPullRequests(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged := time.Now()
		pulls := []pullPayload{
			{Number: 7, Body: "Closes #42", State: "open", Draft: true},
			{Number: 8, Body: "fixes #42\nmore text", State: "closed", MergedAt: &merged},
			{Number: 9, Body: "closes #420", State: "open"},
			{Number: 10, Body: "see #42", State: "open"},
		}
		pulls[0].Head.Ref = "42-add-auth"
		_ = json.NewEncoder(w).Encode(pulls)
	}))

	got, err := client.LinkedPullRequests(context.Background(), testRef)
	if err != nil {
		t.Fatalf("LinkedPullRequests failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d PRs, want 2: %+v", len(got), got)
	}
	if got[0].Number != 7 || got[0].BranchName != "42-add-auth" || !got[0].Draft {
		t.Errorf("first PR = %+v", got[0])
	}
	if got[1].State != "MERGED" || !got[1].Merged {
		t.Errorf("merged PR = %+v", got[1])
	}
}

func TestSeverLinkText(t *testing.T) {
	tests := []struct {
		body   string
		number int
		want   string
	}{
		{"Closes #42", 42, "#42"},
		{"fixes #42 and closes #43", 42, "#42 and closes #43"},
		{"Resolves   #42", 42, "#42"},
		{"no links here", 42, "no links here"},
		{"closes #420", 42, "closes #420"},
	}
	for _, tt := range tests {
		if got := SeverLinkText(tt.body, tt.number); got != tt.want {
			t.Errorf("SeverLinkText(%q, %d) = %q, want %q", tt.body, tt.number, got, tt.want)
		}
	}
}

func TestCheckScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"minimum", []string{"repo", "project"}, false},
		{"fine-grained token", nil, false},
		{"missing project", []string{"repo"}, true},
		{"excess admin", []string{"repo", "project", "admin:org"}, true},
		{"excess delete", []string{"repo", "project", "delete_repo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckScopes(%v) = %v, wantErr=%v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestTokenScopes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OAuth-Scopes", "repo, project")
		fmt.Fprint(w, `{"login":"kiln-bot"}`)
	}))

	scopes, err := client.TokenScopes(context.Background())
	if err != nil {
		t.Fatalf("TokenScopes failed: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "repo" || scopes[1] != "project" {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestViewerCached(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"login":"kiln-bot"}`)
	}))

	for i := 0; i < 3; i++ {
		login, err := client.Viewer(context.Background())
		if err != nil {
			t.Fatalf("Viewer failed: %v", err)
		}
		if login != "kiln-bot" {
			t.Errorf("login = %q", login)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (viewer should be cached)", calls.Load())
	}
}

type fakeMetaCache struct {
	payloads map[string]string
	saves    int
}

func (f *fakeMetaCache) ProjectMetadata(boardURL string) (string, error) {
	return f.payloads[boardURL], nil
}

func (f *fakeMetaCache) SaveProjectMetadata(boardURL, payload string) error {
	f.payloads[boardURL] = payload
	f.saves++
	return nil
}

func TestBoardMetadataFromCacheSkipsFetch(t *testing.T) {
	boardURL := "https://github.com/orgs/acme/projects/1"
	payload, err := json.Marshal(metadataPayload{
		ProjectID:     "PVT_1",
		StatusFieldID: "PVTF_1",
		Options:       map[string]string{"Research": "opt-1"},
		FetchedAt:     time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Any network round trip is a failure.
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	client.SetMetadataCache(&fakeMetaCache{
		payloads: map[string]string{boardURL: string(payload)},
	})

	meta, err := client.board(context.Background(), boardURL)
	if err != nil {
		t.Fatalf("board failed: %v", err)
	}
	if meta.projectID != "PVT_1" || meta.options["Research"] != "opt-1" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestBoardMetadataIgnoresStaleCache(t *testing.T) {
	boardURL := "https://github.com/orgs/acme/projects/1"
	stale, _ := json.Marshal(metadataPayload{
		ProjectID: "PVT_old",
		FetchedAt: time.Now().Add(-48 * time.Hour),
	})

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"owner":{"projectV2":{"id":"PVT_new",
			"field":{"id":"PVTF_new","options":[{"id":"opt-1","name":"Research"}]}}}}}`)
	}))
	cache := &fakeMetaCache{payloads: map[string]string{boardURL: string(stale)}}
	client.SetMetadataCache(cache)

	meta, err := client.board(context.Background(), boardURL)
	if err != nil {
		t.Fatalf("board failed: %v", err)
	}
	if meta.projectID != "PVT_new" {
		t.Errorf("stale cache was trusted: %+v", meta)
	}
	if cache.saves != 1 {
		t.Errorf("fresh metadata not written back, saves = %d", cache.saves)
	}
}

func TestParseBoardURL(t *testing.T) {
	tests := []struct {
		url     string
		kind    string
		login   string
		number  int
		wantErr bool
	}{
		{"https://github.com/users/dev/projects/1", "users", "dev", 1, false},
		{"https://github.com/orgs/acme/projects/12", "orgs", "acme", 12, false},
		{"https://ghes.example.com/orgs/platform/projects/3", "orgs", "platform", 3, false},
		{"https://github.com/acme/web", "", "", 0, true},
	}
	for _, tt := range tests {
		kind, login, number, err := parseBoardURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseBoardURL(%q) expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseBoardURL(%q) failed: %v", tt.url, err)
			continue
		}
		if kind != tt.kind || login != tt.login || number != tt.number {
			t.Errorf("parseBoardURL(%q) = %s/%s/%d", tt.url, kind, login, number)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("API error (status 500): boom"), true},
		{fmt.Errorf("API error (status 429): slow down"), true},
		{fmt.Errorf("dial tcp 1.2.3.4:443: connection refused"), true},
		{fmt.Errorf("API error (status 404): nope: %w", ticket.ErrNotFound), false},
		{fmt.Errorf("bad token: %w", ticket.ErrUnauthorized), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
