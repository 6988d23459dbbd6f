package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/providers/codehost"
	"github.com/tsic/core/internal/providers/issues"
	"github.com/tsic/core/internal/store"
)

type fakeIssuesClient struct {
	result []issues.Issue
	err    error
}

func (f *fakeIssuesClient) ListRecentUpdates(context.Context, string, int) ([]issues.Issue, error) {
	return f.result, f.err
}

type fakeCodeClient struct {
	repos   []codehost.Repository
	prs     map[string][]codehost.PullRequest
	commits map[string][]codehost.Commit
}

func (f *fakeCodeClient) ListRepositories(context.Context, string) ([]codehost.Repository, error) {
	return f.repos, nil
}

func (f *fakeCodeClient) ListPullRequests(_ context.Context, _, repo string, _ time.Time) ([]codehost.PullRequest, error) {
	return f.prs[repo], nil
}

func (f *fakeCodeClient) ListCommits(_ context.Context, _, repo string, _ time.Time) ([]codehost.Commit, error) {
	return f.commits[repo], nil
}

func TestIngestIssues_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ic := &fakeIssuesClient{result: []issues.Issue{{Key: "PROJ-1", Summary: "Fix login", Status: "Open"}}}
	svc := New(st, ic, &fakeCodeClient{}, zerolog.Nop())

	stats, err := svc.IngestIssues(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IssuesUpserted)

	out, err := st.ListUpdates(ctx, "u1", store.UpdateFilter{IDs: []string{"PROJ-1"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.UpdateIssueCreated, out[0].UpdateType)

	ic.result[0].Status = "In Progress"
	_, err = svc.IngestIssues(ctx, "u1", 7)
	require.NoError(t, err)

	out, err = st.ListUpdates(ctx, "u1", store.UpdateFilter{IDs: []string{"PROJ-1"}, Types: []model.UpdateType{model.UpdateIssueUpdated}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "In Progress", out[0].Status)
}

func TestIngestIssues_DeletesMissingAfterReconciliation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ic := &fakeIssuesClient{result: []issues.Issue{{Key: "PROJ-1", Summary: "a"}, {Key: "PROJ-2", Summary: "b"}}}
	svc := New(st, ic, &fakeCodeClient{}, zerolog.Nop())

	_, err := svc.IngestIssues(ctx, "u1", 7)
	require.NoError(t, err)

	ic.result = []issues.Issue{{Key: "PROJ-1", Summary: "a"}}
	stats, err := svc.IngestIssues(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IssuesDeleted)

	out, err := st.ListUpdates(ctx, "u1", store.UpdateFilter{IDs: []string{"PROJ-2"}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestIngestCode_ExtractsAndLinksIssueKeys(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.UpsertUpdate(ctx, "u1", model.Update{UpdateType: model.UpdateIssueCreated, ExternalID: "PROJ-123", Title: "x"})
	require.NoError(t, err)

	code := &fakeCodeClient{
		repos: []codehost.Repository{{Owner: "acme", Name: "widget"}},
		commits: map[string][]codehost.Commit{
			"acme/widget": {{SHA: "abc123", Message: "PROJ-123, PROJ-124: fix thing; see also FOO-9"}},
		},
	}
	svc := New(st, &fakeIssuesClient{}, code, zerolog.Nop())

	stats, err := svc.IngestCode(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CommitsUpserted)

	out, err := st.ListUpdates(ctx, "u1", store.UpdateFilter{IDs: []string{"acme/widget@abc123"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"PROJ-123", "PROJ-124", "FOO-9"}, out[0].LinkedExternalKeys)

	refs, err := st.ReferencesForIssueKey(ctx, "u1", "PROJ-123")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "commit_message", refs[0].SourceField)
	assert.Equal(t, "acme/widget@abc123", refs[0].UpdateID)

	refsMissing, err := st.ReferencesForIssueKey(ctx, "u1", "FOO-9")
	require.NoError(t, err)
	assert.Empty(t, refsMissing, "FOO-9 has no existing issue update to back-reference")
}

func TestIngestCode_UpsertsPullRequests(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	code := &fakeCodeClient{
		repos: []codehost.Repository{{Owner: "acme", Name: "widget"}},
		prs: map[string][]codehost.PullRequest{
			"acme/widget": {{ID: "7", Title: "Add feature", Body: "closes PROJ-9", Author: "dev", State: "open"}},
		},
	}
	svc := New(st, &fakeIssuesClient{}, code, zerolog.Nop())

	stats, err := svc.IngestCode(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PRsUpserted)

	out, err := st.ListUpdates(ctx, "u1", store.UpdateFilter{IDs: []string{"acme/widget#7"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.UpdateCodePR, out[0].UpdateType)
	assert.Equal(t, []string{"PROJ-9"}, out[0].LinkedExternalKeys)
}
