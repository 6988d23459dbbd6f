// Package tasks implements Task/Code Intelligence (C6): issue ingestion,
// code (PR/commit) ingestion, issue-key cross-reference extraction, and
// dynamic deletion reconciliation for the Update model.
package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/providers/codehost"
	"github.com/tsic/core/internal/providers/issues"
	"github.com/tsic/core/internal/store"
)

// DefaultIssueWindow and DefaultCodeWindow are the §4.6 lookback defaults.
const (
	DefaultIssueWindow = 7 * 24 * time.Hour
	DefaultCodeWindow  = 7 * 24 * time.Hour
)

// IssuesClient is the subset of issues.Client the service depends on.
type IssuesClient interface {
	ListRecentUpdates(ctx context.Context, userID string, windowDays int) ([]issues.Issue, error)
}

// CodeClient is the subset of codehost.Client the service depends on.
type CodeClient interface {
	ListRepositories(ctx context.Context, userID string) ([]codehost.Repository, error)
	ListPullRequests(ctx context.Context, userID, repo string, since time.Time) ([]codehost.PullRequest, error)
	ListCommits(ctx context.Context, userID, repo string, since time.Time) ([]codehost.Commit, error)
}

// Store is the subset of store.Store Task/Code Intelligence depends on.
type Store interface {
	UpsertUpdate(ctx context.Context, userID string, update model.Update) (model.Update, error)
	ListUpdates(ctx context.Context, userID string, filter store.UpdateFilter) ([]model.Update, error)
	DeleteUpdatesMissingFrom(ctx context.Context, userID string, updateTypes []model.UpdateType, windowStart time.Time, currentExternalIDs map[string]struct{}) (int, error)
	UpsertContextReference(ctx context.Context, ref model.ContextReference) error
}

// IngestStats reports per-cycle counts for the orchestrator's per-step stats.
type IngestStats struct {
	IssuesUpserted int
	IssuesDeleted  int
	PRsUpserted    int
	CommitsUpserted int
}

// Service is the C6 Task/Code Intelligence component.
type Service struct {
	store  Store
	issues IssuesClient
	code   CodeClient
	log    zerolog.Logger
}

// New constructs Task/Code Intelligence.
func New(st Store, issuesClient IssuesClient, codeClient CodeClient, log zerolog.Logger) *Service {
	return &Service{store: st, issues: issuesClient, code: codeClient, log: log}
}

// IngestIssues runs the §4.6 issue ingestion + dynamic deletion
// reconciliation cycle over the trailing windowDays.
func (s *Service) IngestIssues(ctx context.Context, userID string, windowDays int) (IngestStats, error) {
	var stats IngestStats
	windowStart := time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour).UTC()

	result, err := s.issues.ListRecentUpdates(ctx, userID, windowDays)
	if err != nil {
		return stats, tsicerrs.New(tsicerrs.ProviderTransient, "tasks.IngestIssues", err)
	}

	seen := make(map[string]struct{}, len(result))
	for _, issue := range result {
		seen[issue.Key] = struct{}{}

		existing, err := s.store.ListUpdates(ctx, userID, store.UpdateFilter{IDs: []string{issue.Key}, Types: []model.UpdateType{model.UpdateIssueCreated, model.UpdateIssueUpdated}})
		if err != nil {
			s.log.Warn().Err(err).Str("issue_key", issue.Key).Msg("issue lookup failed, skipping")
			continue
		}
		updateType := model.UpdateIssueUpdated
		if len(existing) == 0 {
			updateType = model.UpdateIssueCreated
		}

		u := model.Update{
			UpdateType:  updateType,
			ExternalID:  issue.Key,
			Title:       issue.Summary,
			Description: issue.Description,
			Author:      issue.Assignee,
			Status:      issue.Status,
			Priority:    issue.Priority,
			Project:     issue.Project,
		}
		if len(existing) > 0 {
			u.LinkedMeetingID = existing[0].LinkedMeetingID
			u.LinkedExternalKeys = existing[0].LinkedExternalKeys
		}

		if _, err := s.store.UpsertUpdate(ctx, userID, u); err != nil {
			s.log.Warn().Err(err).Str("issue_key", issue.Key).Msg("issue upsert failed, skipping")
			continue
		}
		stats.IssuesUpserted++
	}

	deleted, err := s.store.DeleteUpdatesMissingFrom(ctx, userID,
		[]model.UpdateType{model.UpdateIssueCreated, model.UpdateIssueUpdated}, windowStart, seen)
	if err != nil {
		s.log.Warn().Err(err).Msg("issue deletion reconciliation failed")
	} else {
		stats.IssuesDeleted = deleted
	}

	return stats, nil
}

// IngestCode runs the §4.6 code ingestion cycle: PRs and commits for every
// repository the credential can access, plus issue-key extraction and
// back-reference linking.
func (s *Service) IngestCode(ctx context.Context, userID string, windowDays int) (IngestStats, error) {
	var stats IngestStats
	since := time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour).UTC()

	repos, err := s.code.ListRepositories(ctx, userID)
	if err != nil {
		return stats, tsicerrs.New(tsicerrs.ProviderTransient, "tasks.IngestCode", err)
	}

	for _, repo := range repos {
		repoSlug := repo.Owner + "/" + repo.Name

		prs, err := s.code.ListPullRequests(ctx, userID, repoSlug, since)
		if err != nil {
			s.log.Warn().Err(err).Str("repo", repoSlug).Msg("pull request listing failed, skipping repo")
		} else {
			for _, pr := range prs {
				keys := codehost.ExtractIssueKeys(pr.Title + " " + pr.Body)
				u := model.Update{
					UpdateType:         model.UpdateCodePR,
					ExternalID:         repoSlug + "#" + pr.ID,
					Title:              pr.Title,
					Description:        pr.Body,
					Author:             pr.Author,
					Status:             pr.State,
					Project:            repoSlug,
					URL:                pr.URL,
					LinkedExternalKeys: keys,
				}
				if _, err := s.store.UpsertUpdate(ctx, userID, u); err != nil {
					s.log.Warn().Err(err).Str("pr", u.ExternalID).Msg("pr upsert failed, skipping")
					continue
				}
				stats.PRsUpserted++
				s.linkIssueKeys(ctx, userID, keys, "", u.ExternalID, "pr_body")
			}
		}

		commits, err := s.code.ListCommits(ctx, userID, repoSlug, since)
		if err != nil {
			s.log.Warn().Err(err).Str("repo", repoSlug).Msg("commit listing failed, skipping repo")
			continue
		}
		for _, c := range commits {
			keys := codehost.ExtractIssueKeys(c.Message)
			u := model.Update{
				UpdateType:         model.UpdateCodeCommit,
				ExternalID:         repoSlug + "@" + c.SHA,
				Title:              firstLine(c.Message),
				Description:        c.Message,
				Author:             c.Author,
				Project:            repoSlug,
				URL:                c.URL,
				LinkedExternalKeys: keys,
			}
			if _, err := s.store.UpsertUpdate(ctx, userID, u); err != nil {
				s.log.Warn().Err(err).Str("commit", u.ExternalID).Msg("commit upsert failed, skipping")
				continue
			}
			stats.CommitsUpserted++
			s.linkIssueKeys(ctx, userID, keys, "", u.ExternalID, "commit_message")
		}
	}

	return stats, nil
}

// linkIssueKeys back-references every extracted key against any existing
// issue update for the user (§4.6) by recording a ContextReference.
func (s *Service) linkIssueKeys(ctx context.Context, userID string, keys []string, meetingID, updateID, sourceField string) {
	for _, key := range keys {
		existing, err := s.store.ListUpdates(ctx, userID, store.UpdateFilter{IDs: []string{key}, Types: []model.UpdateType{model.UpdateIssueCreated, model.UpdateIssueUpdated}})
		if err != nil || len(existing) == 0 {
			continue
		}
		ref := model.ContextReference{
			UserID:      userID,
			IssueKey:    key,
			MeetingID:   meetingID,
			UpdateID:    updateID,
			SourceField: sourceField,
		}
		if err := s.store.UpsertContextReference(ctx, ref); err != nil {
			s.log.Warn().Err(err).Str("issue_key", key).Msg("context reference upsert failed")
		}
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
