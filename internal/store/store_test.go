package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsic/core/internal/model"
)

func TestUpsertMeeting_ManualFlagPreservation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m1 := model.Meeting{
		ExternalMeetingID: "m-1",
		Title:             "Standup",
		StartTime:         time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
		EndTime:           time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC),
		Attendees:         make([]model.Attendee, 7),
	}
	merged, inserted, err := s.UpsertMeeting(ctx, "u1", m1)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, merged.IsImportant)

	merged.IsImportant = true
	merged.ManualNotes = "follow up with design"
	merged.ImportanceScore = 80
	_, _, err = s.UpsertMeeting(ctx, "u1", merged)
	require.NoError(t, err)

	m2 := model.Meeting{
		ExternalMeetingID: "m-1",
		Title:             "Standup",
		StartTime:         m1.StartTime,
		EndTime:           m1.EndTime,
		Attendees:         make([]model.Attendee, 12),
		ImportanceScore:   15, // re-ingestion must not clobber the stored score
	}
	merged, inserted, err = s.UpsertMeeting(ctx, "u1", m2)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, merged.IsImportant, "is_important must survive re-ingestion")
	assert.Equal(t, "follow up with design", merged.ManualNotes)
	assert.Equal(t, 80, merged.ImportanceScore, "importance_score must never be recomputed on re-ingestion")
	assert.Len(t, merged.Attendees, 12, "non-preserved fields still update from the latest ingestion")
}

func TestUpsertMeeting_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m := model.Meeting{ExternalMeetingID: "m-2", Title: "1:1", StartTime: time.Now()}
	first, _, err := s.UpsertMeeting(ctx, "u1", m)
	require.NoError(t, err)

	second, inserted, err := s.UpsertMeeting(ctx, "u1", m)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestUpdateMeetingTranscript_DoesNotTouchManualFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m := model.Meeting{ExternalMeetingID: "m-3", Title: "Planning", StartTime: time.Now()}
	merged, _, err := s.UpsertMeeting(ctx, "u1", m)
	require.NoError(t, err)
	merged.IsImportant = true
	merged.ManualNotes = "ship by Friday"
	merged.KeyDecisions = []string{"use postgres"}
	merged.ActionItems = []model.ActionItem{{Task: "write design doc", Owner: "alice"}}
	_, _, err = s.UpsertMeeting(ctx, "u1", merged)
	require.NoError(t, err)

	err = s.UpdateMeetingTranscript(ctx, "u1", "m-3", TranscriptWrite{
		Transcript:          "WEBVTT\n...",
		TranscriptID:        "tx-1",
		TranscriptFetchedAt: time.Now(),
	})
	require.NoError(t, err)

	out, err := s.ListMeetings(ctx, "u1", MeetingFilter{IDs: []string{"m-3"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsImportant)
	assert.Equal(t, "ship by Friday", out[0].ManualNotes)
	assert.Equal(t, []string{"use postgres"}, out[0].KeyDecisions)
	assert.True(t, out[0].HasTranscript())
}

func TestUpdateMeetingTranscript_NotFound(t *testing.T) {
	s := NewMemory()
	err := s.UpdateMeetingTranscript(context.Background(), "u1", "missing", TranscriptWrite{Transcript: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUpdatesMissingFrom(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, id := range []string{"P-1", "P-2", "P-3"} {
		_, err := s.UpsertUpdate(ctx, "u1", model.Update{
			UpdateType: model.UpdateIssueCreated,
			ExternalID: id,
			Title:      "issue " + id,
		})
		require.NoError(t, err)
	}

	deleted, err := s.DeleteUpdatesMissingFrom(ctx, "u1",
		[]model.UpdateType{model.UpdateIssueCreated},
		time.Now().Add(-time.Hour),
		map[string]struct{}{"P-1": {}, "P-3": {}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := s.ListUpdates(ctx, "u1", UpdateFilter{Types: []model.UpdateType{model.UpdateIssueCreated}})
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, u := range remaining {
		ids = append(ids, u.ExternalID)
	}
	assert.ElementsMatch(t, []string{"P-1", "P-3"}, ids)
}

func TestDeleteUpdatesMissingFrom_RespectsWindowStart(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.UpsertUpdate(ctx, "u1", model.Update{UpdateType: model.UpdateIssueCreated, ExternalID: "old"})
	require.NoError(t, err)

	deleted, err := s.DeleteUpdatesMissingFrom(ctx, "u1",
		[]model.UpdateType{model.UpdateIssueCreated},
		time.Now().Add(time.Hour), // window starts in the future: "old" predates it
		map[string]struct{}{},
	)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "rows updated before windowStart are out of scope for reconciliation")
}

func TestUpsertUpdate_ContentTextRegenerated(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	u, err := s.UpsertUpdate(ctx, "u1", model.Update{
		UpdateType:  model.UpdateIssueUpdated,
		ExternalID:  "PROJ-9",
		Title:       "Fix login bug",
		Status:      "In Progress",
		ContentText: "stale value must be discarded",
	})
	require.NoError(t, err)
	assert.Contains(t, u.ContentText, "Fix login bug")
	assert.Contains(t, u.ContentText, "In Progress")
	assert.NotContains(t, u.ContentText, "stale value")
}

func TestListMeetings_FilterByImportance(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	important := model.Meeting{ExternalMeetingID: "m-a", IsImportant: true, StartTime: time.Now()}
	plain := model.Meeting{ExternalMeetingID: "m-b", StartTime: time.Now()}
	_, _, err := s.UpsertMeeting(ctx, "u1", important)
	require.NoError(t, err)
	_, _, err = s.UpsertMeeting(ctx, "u1", plain)
	require.NoError(t, err)

	flag := true
	out, err := s.ListMeetings(ctx, "u1", MeetingFilter{IsImportant: &flag})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m-a", out[0].ExternalMeetingID)
}

func TestCredentialCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, found, err := s.GetCredential(ctx, "u1", model.ServiceCalendar)
	require.NoError(t, err)
	assert.False(t, found)

	cred := model.IntegrationCredential{
		UserID:         "u1",
		Service:        model.ServiceCalendar,
		AccessToken:    []byte("at"),
		RefreshToken:   []byte("rt"),
		TokenExpiresAt: time.Now().Add(time.Hour),
		AuthType:       model.AuthOAuthPKCE,
	}
	require.NoError(t, s.PutCredential(ctx, cred))

	got, found, err := s.GetCredential(ctx, "u1", model.ServiceCalendar)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cred.AccessToken, got.AccessToken)

	require.NoError(t, s.DeleteCredential(ctx, "u1", model.ServiceCalendar))
	_, found, err = s.GetCredential(ctx, "u1", model.ServiceCalendar)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutCredential_RejectsInvalid(t *testing.T) {
	s := NewMemory()
	err := s.PutCredential(context.Background(), model.IntegrationCredential{
		UserID:  "u1",
		Service: model.ServiceCalendar,
	})
	assert.Error(t, err)
}

func TestContextReference_UpsertDedupesAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ref := model.ContextReference{UserID: "u1", IssueKey: "PROJ-9", MeetingID: "m-1", SourceField: "meeting_notes"}
	require.NoError(t, s.UpsertContextReference(ctx, ref))
	ref.SourceField = "commit_message"
	require.NoError(t, s.UpsertContextReference(ctx, ref))

	out, err := s.ReferencesForIssueKey(ctx, "u1", "PROJ-9")
	require.NoError(t, err)
	require.Len(t, out, 1, "same (meeting_id, update_id) pair updates in place rather than duplicating")
	assert.Equal(t, "commit_message", out[0].SourceField)
}
