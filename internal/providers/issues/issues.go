// Package issues implements the Issues Client (§4.3.2): site-discovery,
// issue search, recent-updates listing, and rich-text flattening.
package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/providers"
)

// Issue mirrors the provider's search-result shape (§4.3.2).
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Priority    string
	Assignee    string
	Project     string
	Updated     time.Time
	Created     time.Time
}

// Client is the Issues Client. Service credentials carry the discovered
// site id in Metadata["site_id"] (§6.2).
type Client struct {
	baseURL  string
	sitesURL string
	http     *http.Client
	tokens   providers.TokenSource
	invalid  providers.Invalidator
}

// New constructs an Issues Client. sitesURL is the provider's accessible-
// sites endpoint, used once per credential to discover site_id.
func New(baseURL, sitesURL string, tokens providers.TokenSource, invalid providers.Invalidator) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sitesURL: sitesURL,
		tokens:   tokens,
		invalid:  invalid,
		http:     providers.NewHTTPClient(),
	}
}

// DiscoverSiteID fetches the first accessible site id for the credential.
// Call once after token exchange; the caller persists the result into
// credential metadata.
func (c *Client) DiscoverSiteID(ctx context.Context, userID string) (string, error) {
	var payload struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, userID, c.sitesURL, &payload); err != nil {
		return "", err
	}
	if len(payload.Value) == 0 {
		return "", tsicerrs.New(tsicerrs.ParseFailure, "issues.DiscoverSiteID", fmt.Errorf("no accessible sites"))
	}
	return payload.Value[0].ID, nil
}

// SearchIssues runs a provider search query and returns up to maxResults.
func (c *Client) SearchIssues(ctx context.Context, userID, jqlExpression string, maxResults int) ([]Issue, error) {
	path := fmt.Sprintf("/search?jql=%s&maxResults=%d", url.QueryEscape(jqlExpression), maxResults)
	return c.searchPath(ctx, userID, path)
}

// ListRecentUpdates returns issues updated within the given window.
func (c *Client) ListRecentUpdates(ctx context.Context, userID string, windowDays int) ([]Issue, error) {
	jql := fmt.Sprintf("updated >= -%dd ORDER BY updated DESC", windowDays)
	return c.SearchIssues(ctx, userID, jql, 200)
}

func (c *Client) searchPath(ctx context.Context, userID, path string) ([]Issue, error) {
	var payload struct {
		Issues []rawIssue `json:"issues"`
	}
	if err := c.getJSON(ctx, userID, c.baseURL+path, &payload); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(payload.Issues))
	for _, raw := range payload.Issues {
		out = append(out, raw.toIssue())
	}
	return out, nil
}

type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string    `json:"summary"`
		Description any       `json:"description"` // document-format rich text or plain string
		Status      struct{ Name string `json:"name"` } `json:"status"`
		Priority    struct{ Name string `json:"name"` } `json:"priority"`
		Assignee    *struct{ DisplayName string `json:"displayName"` } `json:"assignee"`
		Project     struct{ Key string `json:"key"` } `json:"project"`
		Updated     time.Time `json:"updated"`
		Created     time.Time `json:"created"`
	} `json:"fields"`
}

func (r rawIssue) toIssue() Issue {
	issue := Issue{
		Key:      r.Key,
		Summary:  r.Fields.Summary,
		Status:   r.Fields.Status.Name,
		Priority: r.Fields.Priority.Name,
		Project:  r.Fields.Project.Key,
		Updated:  r.Fields.Updated,
		Created:  r.Fields.Created,
	}
	if r.Fields.Assignee != nil {
		issue.Assignee = r.Fields.Assignee.DisplayName
	}
	issue.Description = FlattenDescription(r.Fields.Description)
	return issue
}

// FlattenDescription walks a rich-text "document format" payload and
// concatenates every text leaf node (§4.3.2). Plain strings pass through
// unchanged.
func FlattenDescription(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]any:
		var sb strings.Builder
		flattenNode(v, &sb)
		return strings.TrimSpace(sb.String())
	default:
		return ""
	}
}

func flattenNode(node map[string]any, sb *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		sb.WriteString(text)
		sb.WriteString(" ")
	}
	children, ok := node["content"].([]any)
	if !ok {
		return
	}
	for _, child := range children {
		if cm, ok := child.(map[string]any); ok {
			flattenNode(cm, sb)
		}
	}
}

func (c *Client) getJSON(ctx context.Context, userID, fullURL string, out any) error {
	buildReq := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	}
	resp, err := providers.DoAuthed(ctx, c.http, c.tokens, userID, model.ServiceIssues, buildReq, providers.BearerAuthorize)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone && c.invalid != nil {
		_ = c.invalid.Invalidate(ctx, userID, model.ServiceIssues, "site_gone")
	}

	body, err := providers.ReadBody("issues.getJSON", resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return tsicerrs.New(tsicerrs.ParseFailure, "issues.getJSON", err)
	}
	return nil
}
