package meetings

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsic/core/internal/llm"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/store"
)

func TestScore_BaseCase(t *testing.T) {
	assert.Equal(t, 50, Score(CalendarEvent{Title: "Random chat"}))
}

func TestScore_BoostAndAttendeeTiers(t *testing.T) {
	assert.Equal(t, 80, Score(CalendarEvent{Title: "Weekly Standup", Attendees: make([]model.Attendee, 7)}))
	assert.Equal(t, 90, Score(CalendarEvent{Title: "Sprint Planning", Attendees: make([]model.Attendee, 12)}))
}

func TestScore_PenaltyAndClampLow(t *testing.T) {
	assert.Equal(t, 30, Score(CalendarEvent{Title: "Optional coffee chat"}))
}

func TestScore_ClampHigh(t *testing.T) {
	ev := CalendarEvent{
		Title:           "Sprint Retrospective",
		Attendees:       make([]model.Attendee, 12),
		IsRecurring:     true,
		IsOnlineMeeting: true,
	}
	assert.Equal(t, 100, Score(ev))
}

func TestScore_CaseInsensitive(t *testing.T) {
	assert.Equal(t, 80, Score(CalendarEvent{Title: "STANDUP", Attendees: make([]model.Attendee, 5)}))
}

func TestIngest_ComputesScoreOnlyOnInsert(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := New(st, nil, "", zerolog.Nop())

	ev := CalendarEvent{ExternalMeetingID: "m-1", Title: "Standup", Attendees: make([]model.Attendee, 7), EndTime: time.Now()}
	m, err := svc.Ingest(ctx, "u1", ev)
	require.NoError(t, err)
	assert.Equal(t, 80, m.ImportanceScore)

	out, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-1"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	out[0].IsImportant = true
	_, _, err = st.UpsertMeeting(ctx, "u1", out[0])
	require.NoError(t, err)

	ev2 := CalendarEvent{ExternalMeetingID: "m-1", Title: "Standup", Attendees: make([]model.Attendee, 2), EndTime: time.Now()}
	m2, err := svc.Ingest(ctx, "u1", ev2)
	require.NoError(t, err)
	assert.Equal(t, 80, m2.ImportanceScore, "importance_score must not be recomputed on re-ingestion")
	assert.True(t, m2.IsImportant)
}

type fakeProvider struct {
	response string
	err      error
}

func (f fakeProvider) Chat(_ context.Context, _ []llm.Message, _ string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	return llm.Message{Role: "assistant", Content: f.response}, nil
}

func TestSummarizeTranscript_ParsesStructuredJSON(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{ExternalMeetingID: "m-2", Title: "Planning"})
	require.NoError(t, err)

	provider := fakeProvider{response: `{"summary":"decided to ship","key_decisions":["use postgres"],"action_items":[{"task":"write doc","owner":"alice"}],"topics":["infra"]}`}
	svc := New(st, provider, "claude-test", zerolog.Nop())

	err = svc.SummarizeTranscript(ctx, "u1", "m-2", "transcript text")
	require.NoError(t, err)

	out, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-2"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "decided to ship", out[0].AISummary)
	assert.Equal(t, []string{"use postgres"}, out[0].KeyDecisions)
	require.Len(t, out[0].ActionItems, 1)
	assert.Equal(t, "write doc", out[0].ActionItems[0].Task)
}

func TestSummarizeTranscript_FallsBackToRawTextOnParseFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{ExternalMeetingID: "m-3", Title: "1:1"})
	require.NoError(t, err)

	provider := fakeProvider{response: "not json at all"}
	svc := New(st, provider, "claude-test", zerolog.Nop())

	err = svc.SummarizeTranscript(ctx, "u1", "m-3", "transcript text")
	require.NoError(t, err)

	out, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-3"}})
	require.NoError(t, err)
	assert.Equal(t, "not json at all", out[0].AISummary)
	assert.Empty(t, out[0].KeyDecisions)
}

func TestSummarizeTranscript_DoesNotTouchManualFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	merged, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{ExternalMeetingID: "m-4", Title: "Kickoff"})
	require.NoError(t, err)
	merged.IsImportant = true
	merged.ManualNotes = "keep an eye on scope"
	_, _, err = st.UpsertMeeting(ctx, "u1", merged)
	require.NoError(t, err)

	provider := fakeProvider{response: `{"summary":"s","key_decisions":[],"action_items":[],"topics":[]}`}
	svc := New(st, provider, "", zerolog.Nop())
	require.NoError(t, svc.SummarizeTranscript(ctx, "u1", "m-4", "text"))

	out, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-4"}})
	require.NoError(t, err)
	assert.True(t, out[0].IsImportant)
	assert.Equal(t, "keep an eye on scope", out[0].ManualNotes)
}
