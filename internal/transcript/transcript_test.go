package transcript

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/store"
)

func testConfig() Config {
	return Config{
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       40 * time.Millisecond,
		MaxAttempts:    3,
		RecentWindow:   5 * time.Minute,
		EligibleWindow: 24 * time.Hour,
		MaxConcurrent:  4,
	}
}

type fakeCalendar struct {
	mu              sync.Mutex
	onlineMeetingID string
	joinURL         string
	eventFound      bool
	transcripts     []TranscriptRef
	content         string
	recapNotes      string
	files           []FileRef
	fileContent     map[string][]byte
	getEventCalls   int
}

func (f *fakeCalendar) GetEvent(_ context.Context, _, _ string) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getEventCalls++
	return f.onlineMeetingID, f.joinURL, f.eventFound, nil
}

func (f *fakeCalendar) ListTranscripts(_ context.Context, _, _ string) ([]TranscriptRef, error) {
	return f.transcripts, nil
}

func (f *fakeCalendar) FetchTranscriptContent(_ context.Context, _, _, _ string) (string, error) {
	return f.content, nil
}

func (f *fakeCalendar) FetchRecapNotes(_ context.Context, _, _ string) (string, error) {
	return f.recapNotes, nil
}

func (f *fakeCalendar) SearchFiles(_ context.Context, _, _ string) ([]FileRef, error) {
	return f.files, nil
}

func (f *fakeCalendar) DownloadFile(_ context.Context, _, fileID string) ([]byte, error) {
	return f.fileContent[fileID], nil
}

type fakeEvents struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeEvents) PublishTranscriptAvailable(_ context.Context, userID, meetingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, userID+"/"+meetingID)
}

func TestEligible(t *testing.T) {
	e := New(store.NewMemory(), &fakeCalendar{}, nil, nil, testConfig(), zerolog.Nop())

	notImportant := model.Meeting{IsImportant: false, EndTime: time.Now().Add(-time.Hour)}
	assert.False(t, e.Eligible(notImportant))

	notEnded := model.Meeting{IsImportant: true, EndTime: time.Now().Add(time.Hour)}
	assert.False(t, e.Eligible(notEnded))

	tooOld := model.Meeting{IsImportant: true, EndTime: time.Now().Add(-48 * time.Hour)}
	assert.False(t, e.Eligible(tooOld))

	alreadyHas := model.Meeting{
		IsImportant: true, EndTime: time.Now().Add(-time.Hour),
		Metadata: map[string]any{"transcript": "already here"},
	}
	assert.False(t, e.Eligible(alreadyHas))

	eligible := model.Meeting{IsImportant: true, EndTime: time.Now().Add(-time.Hour)}
	assert.True(t, e.Eligible(eligible))
}

func TestEnqueue_AcquiresFromAPI(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{
		ExternalMeetingID: "m-1", Title: "Planning", IsImportant: true,
		EndTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	cal := &fakeCalendar{
		onlineMeetingID: "19:meeting_abc@thread.v2",
		eventFound:      true,
		transcripts:     []TranscriptRef{{TranscriptID: "t-1", CreatedAt: time.Now()}},
		content:         "WEBVTT\nhello",
	}
	events := &fakeEvents{}
	e := New(st, cal, nil, events, testConfig(), zerolog.Nop())

	meetings, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-1"}})
	require.NoError(t, err)
	e.Enqueue(ctx, meetings[0], true)

	require.Eventually(t, func() bool {
		out, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-1"}})
		return len(out) == 1 && out[0].HasTranscript()
	}, 2*time.Second, 10*time.Millisecond)

	out, err := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-1"}})
	require.NoError(t, err)
	assert.Contains(t, out[0].Metadata["transcript"], "hello")

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.published) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueue_NotAnOnlineMeetingIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{
		ExternalMeetingID: "m-2", Title: "1:1", IsImportant: true,
		EndTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	cal := &fakeCalendar{eventFound: true} // no online meeting id, no join url
	e := New(st, cal, nil, nil, testConfig(), zerolog.Nop())

	meetings, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-2"}})
	e.Enqueue(ctx, meetings[0], true)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, inFlight := e.active["u1/m-2"]
		return !inFlight
	}, 2*time.Second, 10*time.Millisecond)

	out, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-2"}})
	assert.False(t, out[0].HasTranscript())
}

func TestEnqueue_FallsBackToFileSearch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, err := st.UpsertMeeting(ctx, "u1", model.Meeting{
		ExternalMeetingID: "m-3", Title: "Retro", IsImportant: true,
		EndTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	cal := &fakeCalendar{
		onlineMeetingID: "19:meeting_xyz@thread.v2",
		eventFound:      true,
		files: []FileRef{
			{ID: "f-audio", Name: "recording.mp4", CreatedAt: time.Now()},
			{ID: "f-transcript", Name: "Retro Transcript.vtt", CreatedAt: time.Now()},
		},
		fileContent: map[string][]byte{"f-transcript": []byte("WEBVTT\nfallback content")},
	}
	e := New(st, cal, nil, nil, testConfig(), zerolog.Nop())

	meetings, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-3"}})
	e.Enqueue(ctx, meetings[0], true)

	require.Eventually(t, func() bool {
		out, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-3"}})
		return len(out) == 1 && out[0].HasTranscript()
	}, 2*time.Second, 10*time.Millisecond)

	out, _ := st.ListMeetings(ctx, "u1", store.MeetingFilter{IDs: []string{"m-3"}})
	assert.Equal(t, "file_fallback", out[0].Metadata["source"])
}

func TestBestFallbackFile_ExcludesMediaAndPrefersSubjectMatch(t *testing.T) {
	files := []FileRef{
		{ID: "audio", Name: "call.mp3", CreatedAt: time.Now()},
		{ID: "generic", Name: "notes.txt", CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "matching", Name: "Standup transcript.txt", CreatedAt: time.Now().Add(-2 * time.Hour)},
	}
	got, ok := bestFallbackFile(files, "Standup")
	require.True(t, ok)
	assert.Equal(t, "matching", got.ID)
}

func TestBestFallbackFile_NoneEligible(t *testing.T) {
	files := []FileRef{{ID: "audio", Name: "call.mp4", CreatedAt: time.Now()}}
	_, ok := bestFallbackFile(files, "x")
	assert.False(t, ok)
}
