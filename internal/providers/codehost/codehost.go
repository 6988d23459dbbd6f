// Package codehost implements the Code Host Client (§4.3.3): pull requests,
// commits, and repository listing, plus issue-key extraction from commit
// and PR messages.
package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/providers"
)

// PullRequest mirrors the provider's PR shape (§4.3.3).
type PullRequest struct {
	ID       string
	Title    string
	Body     string
	Author   string
	State    string
	MergedAt *time.Time
	URL      string
	Repo     string
}

// Commit mirrors the provider's commit shape.
type Commit struct {
	SHA       string
	Message   string
	Author    string
	URL       string
	Repo      string
	Timestamp time.Time
}

// Repository is a repository the credential can access.
type Repository struct {
	Owner string
	Name  string
}

// IssueKeyPattern is the canonical issue-key regex from §6.4.
var IssueKeyPattern = regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+`)

// ExtractIssueKeys returns every distinct issue key referenced in text.
func ExtractIssueKeys(text string) []string {
	matches := IssueKeyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Client is the Code Host Client. baseURL is the REST API root (e.g.
// https://api.github.com).
type Client struct {
	baseURL string
	http    *http.Client
	tokens  providers.TokenSource
}

// New constructs a Code Host Client.
func New(baseURL string, tokens providers.TokenSource) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, http: providers.NewHTTPClient()}
}

// ListPullRequests lists PRs updated since `since` for repo ("owner/name").
func (c *Client) ListPullRequests(ctx context.Context, userID, repo string, since time.Time) ([]PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/pulls?state=all&sort=updated&direction=desc&since=%s", repo, since.Format(time.RFC3339))
	var raw []rawPull
	if err := c.getJSON(ctx, userID, path, &raw); err != nil {
		return nil, err
	}
	out := make([]PullRequest, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toPullRequest(repo))
	}
	return out, nil
}

// ListCommits lists commits since `since` for repo ("owner/name").
func (c *Client) ListCommits(ctx context.Context, userID, repo string, since time.Time) ([]Commit, error) {
	path := fmt.Sprintf("/repos/%s/commits?since=%s", repo, since.Format(time.RFC3339))
	var raw []rawCommit
	if err := c.getJSON(ctx, userID, path, &raw); err != nil {
		return nil, err
	}
	out := make([]Commit, 0, len(raw))
	for _, cm := range raw {
		out = append(out, cm.toCommit(repo))
	}
	return out, nil
}

// ListRepositories lists repositories the credential can access.
func (c *Client) ListRepositories(ctx context.Context, userID string) ([]Repository, error) {
	var raw []struct {
		FullName string `json:"full_name"`
	}
	if err := c.getJSON(ctx, userID, "/user/repos?per_page=100", &raw); err != nil {
		return nil, err
	}
	out := make([]Repository, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r.FullName, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, Repository{Owner: parts[0], Name: parts[1]})
	}
	return out, nil
}

type rawPull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	User    struct{ Login string `json:"login"` } `json:"user"`
	State   string `json:"state"`
	MergedAt *time.Time `json:"merged_at"`
	HTMLURL string `json:"html_url"`
}

func (p rawPull) toPullRequest(repo string) PullRequest {
	return PullRequest{
		ID:       fmt.Sprintf("%d", p.Number),
		Title:    p.Title,
		Body:     p.Body,
		Author:   p.User.Login,
		State:    p.State,
		MergedAt: p.MergedAt,
		URL:      p.HTMLURL,
		Repo:     repo,
	}
}

type rawCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	HTMLURL string `json:"html_url"`
}

func (c rawCommit) toCommit(repo string) Commit {
	return Commit{
		SHA:       c.SHA,
		Message:   c.Commit.Message,
		Author:    c.Commit.Author.Name,
		URL:       c.HTMLURL,
		Repo:      repo,
		Timestamp: c.Commit.Author.Date,
	}
}

func (c *Client) getJSON(ctx context.Context, userID, path string, out any) error {
	buildReq := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	}
	resp, err := providers.DoAuthed(ctx, c.http, c.tokens, userID, model.ServiceCode, buildReq, providers.BearerAuthorize)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := providers.ReadBody("codehost.getJSON", resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return tsicerrs.New(tsicerrs.ParseFailure, "codehost.getJSON", err)
	}
	return nil
}
