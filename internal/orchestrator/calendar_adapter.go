package orchestrator

import (
	"context"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/meetings"
	"github.com/tsic/core/internal/providers/calendar"
	"github.com/tsic/core/internal/transcript"
)

// CalendarAdapter bridges the Calendar Client (C3) to the narrower
// interfaces C4 (transcript.CalendarProvider) and C5 (meetings.CalendarEvent
// conversion) depend on, so neither package needs to import the provider
// client directly.
type CalendarAdapter struct {
	client         *calendar.Client
	fallbackFolder string
}

// NewCalendarAdapter wraps a Calendar Client. fallbackFolder scopes the
// file-search fallback to a specific drive folder; empty searches the root.
func NewCalendarAdapter(client *calendar.Client, fallbackFolder string) *CalendarAdapter {
	return &CalendarAdapter{client: client, fallbackFolder: fallbackFolder}
}

func (a *CalendarAdapter) GetEvent(ctx context.Context, userID, externalMeetingID string) (string, string, bool, error) {
	ev, err := a.client.GetEvent(ctx, userID, externalMeetingID)
	if err != nil {
		if kind, ok := tsicerrs.KindOf(err); ok && kind == tsicerrs.ProviderNotFound {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	onlineMeetingID, joinURL := onlineMeetingFields(ev)
	return onlineMeetingID, joinURL, true, nil
}

func (a *CalendarAdapter) ListTranscripts(ctx context.Context, userID, onlineMeetingID string) ([]transcript.TranscriptRef, error) {
	refs, err := a.client.ListTranscripts(ctx, userID, onlineMeetingID)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.TranscriptRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, transcript.TranscriptRef{TranscriptID: r.TranscriptID, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (a *CalendarAdapter) FetchTranscriptContent(ctx context.Context, userID, onlineMeetingID, transcriptID string) (string, error) {
	return a.client.FetchTranscriptContent(ctx, userID, onlineMeetingID, transcriptID, "")
}

// FetchRecapNotes is best-effort per §4.4; the provider's calendar API
// exposes no separate recap-notes endpoint, so this always reports "none
// found" rather than failing the acquisition attempt.
func (a *CalendarAdapter) FetchRecapNotes(context.Context, string, string) (string, error) {
	return "", nil
}

func (a *CalendarAdapter) SearchFiles(ctx context.Context, userID, meetingSubject string) ([]transcript.FileRef, error) {
	files, err := a.client.SearchFiles(ctx, userID, meetingSubject, a.fallbackFolder)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.FileRef, 0, len(files))
	for _, f := range files {
		out = append(out, transcript.FileRef{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt})
	}
	return out, nil
}

func (a *CalendarAdapter) DownloadFile(ctx context.Context, userID, fileID string) ([]byte, error) {
	return a.client.DownloadFile(ctx, userID, fileID)
}

// onlineMeetingFields extracts the online-meeting id and join url from an
// event, falling back to regex extraction from the join url when the
// provider didn't return a structured onlineMeeting object.
func onlineMeetingFields(ev calendar.Event) (onlineMeetingID, joinURL string) {
	if ev.OnlineMeeting != nil {
		onlineMeetingID = ev.OnlineMeeting.ID
		joinURL = ev.OnlineMeeting.JoinURL
	}
	if joinURL == "" {
		joinURL = ev.OnlineMeetingURL
	}
	if onlineMeetingID == "" && joinURL != "" {
		if id, ok := calendar.ExtractOnlineMeetingID(joinURL); ok {
			onlineMeetingID = id
		}
	}
	return onlineMeetingID, joinURL
}

// toCalendarEvent converts a raw Calendar Client event into the narrower
// shape Meeting Intelligence (C5) ingests.
func toCalendarEvent(ev calendar.Event) meetings.CalendarEvent {
	onlineMeetingID, joinURL := onlineMeetingFields(ev)
	return meetings.CalendarEvent{
		ExternalMeetingID: ev.ID,
		Title:             ev.Subject,
		StartTime:         ev.Start.DateTime,
		EndTime:           ev.End.DateTime,
		StartTimezone:     ev.Start.TimeZone,
		EndTimezone:       ev.End.TimeZone,
		URL:               joinURL,
		Attendees:         ev.Attendees,
		IsOnlineMeeting:   ev.IsOnlineMeeting,
		OnlineMeetingURL:  ev.OnlineMeetingURL,
		OnlineMeetingID:   onlineMeetingID,
		IsRecurring:       ev.IsRecurring,
	}
}
