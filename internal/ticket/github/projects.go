package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

// boardMeta caches the GraphQL identifiers needed to mutate a project.
type boardMeta struct {
	projectID     string
	statusFieldID string
	options       map[string]string // status name -> option ID
	fetchedAt     time.Time
}

// MetadataCache persists board identifiers across restarts so a fresh
// process can mutate boards without refetching GraphQL metadata.
type MetadataCache interface {
	ProjectMetadata(boardURL string) (string, error)
	SaveProjectMetadata(boardURL, payload string) error
}

// maxMetadataAge bounds how long persisted metadata is trusted; status
// options can be renamed between daemon runs.
const maxMetadataAge = 24 * time.Hour

// metadataPayload is the persisted JSON form of boardMeta.
type metadataPayload struct {
	ProjectID     string            `json:"project_id"`
	StatusFieldID string            `json:"status_field_id"`
	Options       map[string]string `json:"options"`
	FetchedAt     time.Time         `json:"fetched_at"`
}

// SetMetadataCache installs a persistent cache behind the in-memory one.
func (c *Client) SetMetadataCache(cache MetadataCache) {
	c.mu.Lock()
	c.metaCache = cache
	c.mu.Unlock()
}

func (c *Client) cachedBoard(boardURL string) *boardMeta {
	payload, err := c.metaCache.ProjectMetadata(boardURL)
	if err != nil || payload == "" {
		return nil
	}
	var p metadataPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil
	}
	if p.ProjectID == "" || time.Since(p.FetchedAt) > maxMetadataAge {
		return nil
	}
	return &boardMeta{
		projectID:     p.ProjectID,
		statusFieldID: p.StatusFieldID,
		options:       p.Options,
		fetchedAt:     p.FetchedAt,
	}
}

// persistBoard writes metadata through to the cache, best effort.
func (c *Client) persistBoard(boardURL string, meta *boardMeta) {
	data, err := json.Marshal(metadataPayload{
		ProjectID:     meta.projectID,
		StatusFieldID: meta.statusFieldID,
		Options:       meta.options,
		FetchedAt:     meta.fetchedAt,
	})
	if err != nil {
		return
	}
	_ = c.metaCache.SaveProjectMetadata(boardURL, string(data))
}

var boardURLPattern = regexp.MustCompile(`^https://[^/]+/(users|orgs)/([^/]+)/projects/(\d+)`)

// parseBoardURL extracts the owner kind, login and project number.
func parseBoardURL(boardURL string) (kind, login string, number int, err error) {
	m := boardURLPattern.FindStringSubmatch(boardURL)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid project URL %q", boardURL)
	}
	fmt.Sscanf(m[3], "%d", &number)
	return m[1], m[2], number, nil
}

// doGraphQL performs a GraphQL request.
func (c *Client) doGraphQL(ctx context.Context, query string, variables map[string]any, result any) error {
	payload := map[string]any{"query": query}
	if variables != nil {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, respBody)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to parse graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to parse graphql data: %w", err)
		}
	}
	return nil
}

const projectMetaQuery = `
query($login: String!, $number: Int!) {
  owner: %s(login: $login) {
    projectV2(number: $number) {
      id
      field(name: "Status") {
        ... on ProjectV2SingleSelectField {
          id
          options { id name }
        }
      }
    }
  }
}`

// board returns cached project metadata, fetching it on first use.
func (c *Client) board(ctx context.Context, boardURL string) (*boardMeta, error) {
	c.mu.Lock()
	if meta, ok := c.boards[boardURL]; ok {
		c.mu.Unlock()
		return meta, nil
	}
	cache := c.metaCache
	c.mu.Unlock()

	if cache != nil {
		if meta := c.cachedBoard(boardURL); meta != nil {
			c.mu.Lock()
			c.boards[boardURL] = meta
			c.mu.Unlock()
			return meta, nil
		}
	}

	kind, login, number, err := parseBoardURL(boardURL)
	if err != nil {
		return nil, err
	}
	ownerField := "user"
	if kind == "orgs" {
		ownerField = "organization"
	}

	var data struct {
		Owner struct {
			ProjectV2 struct {
				ID    string `json:"id"`
				Field struct {
					ID      string `json:"id"`
					Options []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"field"`
			} `json:"projectV2"`
		} `json:"owner"`
	}
	query := fmt.Sprintf(projectMetaQuery, ownerField)
	err = WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, query, map[string]any{"login": login, "number": number}, &data)
	}, DefaultRetryOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch project metadata for %s: %w", boardURL, err)
	}
	if data.Owner.ProjectV2.ID == "" {
		return nil, fmt.Errorf("project %s: %w", boardURL, ticket.ErrNotFound)
	}

	meta := &boardMeta{
		projectID:     data.Owner.ProjectV2.ID,
		statusFieldID: data.Owner.ProjectV2.Field.ID,
		options:       make(map[string]string, len(data.Owner.ProjectV2.Field.Options)),
		fetchedAt:     time.Now(),
	}
	for _, opt := range data.Owner.ProjectV2.Field.Options {
		meta.options[opt.Name] = opt.ID
	}

	c.mu.Lock()
	c.boards[boardURL] = meta
	c.mu.Unlock()
	if cache != nil {
		c.persistBoard(boardURL, meta)
	}
	return meta, nil
}

const projectItemsQuery = `
query($projectId: ID!, $after: String) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: 100, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          status: fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              number
              title
              state
              stateReason
              repository { name owner { login } }
              labels(first: 50) { nodes { name } }
              comments { totalCount }
            }
          }
        }
      }
    }
  }
}`

type projectItemNode struct {
	ID     string `json:"id"`
	Status struct {
		Name string `json:"name"`
	} `json:"status"`
	Content struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		State       string `json:"state"`
		StateReason string `json:"stateReason"`
		Repository  struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
		Labels struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"labels"`
		Comments struct {
			TotalCount int `json:"totalCount"`
		} `json:"comments"`
	} `json:"content"`
}

// ListProjectItems returns all issue items on the board, paging through the
// project.
func (c *Client) ListProjectItems(ctx context.Context, boardURL string) ([]ticket.Item, error) {
	meta, err := c.board(ctx, boardURL)
	if err != nil {
		return nil, err
	}

	var items []ticket.Item
	var after *string
	for {
		var data struct {
			Node struct {
				Items struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []projectItemNode `json:"nodes"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"projectId": meta.projectID}
		if after != nil {
			vars["after"] = *after
		}
		err := WithRetryVoid(ctx, func() error {
			return c.doGraphQL(ctx, projectItemsQuery, vars, &data)
		}, DefaultRetryOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to list project items for %s: %w", boardURL, err)
		}

		for _, node := range data.Node.Items.Nodes {
			// Draft items and PRs have no issue content.
			if node.Content.Number == 0 {
				continue
			}
			labelSet := make(map[string]bool, len(node.Content.Labels.Nodes))
			for _, l := range node.Content.Labels.Nodes {
				labelSet[l.Name] = true
			}
			items = append(items, ticket.Item{
				ItemID:   node.ID,
				BoardURL: boardURL,
				Ref: ticket.Ref{
					Host:   c.host,
					Owner:  node.Content.Repository.Owner.Login,
					Repo:   node.Content.Repository.Name,
					Number: node.Content.Number,
				},
				Status:       node.Status.Name,
				Title:        node.Content.Title,
				Labels:       labelSet,
				State:        node.Content.State,
				StateReason:  node.Content.StateReason,
				CommentCount: node.Content.Comments.TotalCount,
			})
		}

		if !data.Node.Items.PageInfo.HasNextPage {
			break
		}
		cursor := data.Node.Items.PageInfo.EndCursor
		after = &cursor
	}
	return items, nil
}

const updateStatusMutation = `
mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $projectId
    itemId: $itemId
    fieldId: $fieldId
    value: { singleSelectOptionId: $optionId }
  }) { projectV2Item { id } }
}`

// UpdateItemStatus moves a board item to the named column.
func (c *Client) UpdateItemStatus(ctx context.Context, boardURL, itemID, status string) error {
	meta, err := c.board(ctx, boardURL)
	if err != nil {
		return err
	}
	optionID, ok := meta.options[status]
	if !ok {
		return fmt.Errorf("status %q not defined on %s: %w", status, boardURL, ticket.ErrNotFound)
	}
	return WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, updateStatusMutation, map[string]any{
			"projectId": meta.projectID,
			"itemId":    itemID,
			"fieldId":   meta.statusFieldID,
			"optionId":  optionID,
		}, nil)
	}, DefaultRetryOptions())
}

const archiveItemMutation = `
mutation($projectId: ID!, $itemId: ID!) {
  archiveProjectV2Item(input: { projectId: $projectId, itemId: $itemId }) {
    item { id }
  }
}`

// ArchiveItem archives a board item.
func (c *Client) ArchiveItem(ctx context.Context, boardURL, itemID string) error {
	meta, err := c.board(ctx, boardURL)
	if err != nil {
		return err
	}
	return WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, archiveItemMutation, map[string]any{
			"projectId": meta.projectID,
			"itemId":    itemID,
		}, nil)
	}, DefaultRetryOptions())
}

const pullRequestIDQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) { id }
  }
}`

const markReadyMutation = `
mutation($id: ID!) {
  markPullRequestReadyForReview(input: { pullRequestId: $id }) {
    pullRequest { number isDraft }
  }
}`

// MarkPullRequestReady flips a draft PR to ready for review.
func (c *Client) MarkPullRequestReady(ctx context.Context, ref ticket.Ref, prNumber int) error {
	var data struct {
		Repository struct {
			PullRequest struct {
				ID string `json:"id"`
			} `json:"pullRequest"`
		} `json:"repository"`
	}
	err := WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, pullRequestIDQuery, map[string]any{
			"owner":  ref.Owner,
			"repo":   ref.Repo,
			"number": prNumber,
		}, &data)
	}, DefaultRetryOptions())
	if err != nil {
		return fmt.Errorf("failed to resolve PR #%d: %w", prNumber, err)
	}
	if data.Repository.PullRequest.ID == "" {
		return fmt.Errorf("PR #%d on %s: %w", prNumber, ref.RepoPath(), ticket.ErrNotFound)
	}
	return WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, markReadyMutation, map[string]any{
			"id": data.Repository.PullRequest.ID,
		}, nil)
	}, DefaultRetryOptions())
}

const statusActorQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      projectItems(first: 10) {
        nodes {
          status: fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue {
              creator { login }
              updatedAt
            }
          }
        }
      }
    }
  }
}`

// LastStatusActor returns who last changed the issue's board status. An
// empty string means the actor could not be established; the authorization
// gate treats that as a denial.
func (c *Client) LastStatusActor(ctx context.Context, boardURL string, ref ticket.Ref) (string, error) {
	var data struct {
		Repository struct {
			Issue struct {
				ProjectItems struct {
					Nodes []struct {
						Status struct {
							Creator struct {
								Login string `json:"login"`
							} `json:"creator"`
							UpdatedAt time.Time `json:"updatedAt"`
						} `json:"status"`
					} `json:"nodes"`
				} `json:"projectItems"`
			} `json:"issue"`
		} `json:"repository"`
	}
	err := WithRetryVoid(ctx, func() error {
		return c.doGraphQL(ctx, statusActorQuery, map[string]any{
			"owner":  ref.Owner,
			"repo":   ref.Repo,
			"number": ref.Number,
		}, &data)
	}, DefaultRetryOptions())
	if err != nil {
		return "", fmt.Errorf("failed to resolve status actor for %s: %w", ref, err)
	}

	var actor string
	var latest time.Time
	for _, node := range data.Repository.Issue.ProjectItems.Nodes {
		if node.Status.Creator.Login == "" {
			continue
		}
		if node.Status.UpdatedAt.After(latest) {
			latest = node.Status.UpdatedAt
			actor = node.Status.Creator.Login
		}
	}
	return actor, nil
}

// LabelActor returns who most recently added the named label to the issue.
func (c *Client) LabelActor(ctx context.Context, ref ticket.Ref, label string) (string, error) {
	type timelineEvent struct {
		Event string `json:"event"`
		Actor struct {
			Login string `json:"login"`
		} `json:"actor"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
	}
	return WithRetry(ctx, func() (string, error) {
		var events []timelineEvent
		path := fmt.Sprintf("/repos/%s/issues/%d/timeline?per_page=100", ref.RepoPath(), ref.Number)
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &events); err != nil {
			return "", err
		}
		actor := ""
		for _, ev := range events {
			if ev.Event == "labeled" && ev.Label.Name == label {
				actor = ev.Actor.Login
			}
		}
		return actor, nil
	}, DefaultRetryOptions())
}
