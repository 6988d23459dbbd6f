// Package calendar implements the Calendar Client (§4.3.1): list/get
// events, list/fetch transcripts, and the file-search fallback used by the
// Transcript Acquisition Engine.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/providers"
)

// Event mirrors the provider's calendar-view shape (§4.3.1).
type Event struct {
	ID               string
	Subject          string
	Start            TimeZoned
	End              TimeZoned
	Attendees        []model.Attendee
	IsOnlineMeeting  bool
	OnlineMeetingURL string
	OnlineMeeting    *OnlineMeetingRef
	IsRecurring      bool
}

type TimeZoned struct {
	DateTime time.Time
	TimeZone string
}

type OnlineMeetingRef struct {
	ID      string
	JoinURL string
}

// Transcript is a single transcript artifact reference.
type Transcript struct {
	TranscriptID string
	CreatedAt    time.Time
}

// FileMeta is a drive file search result (fallback transcript source).
type FileMeta struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

var onlineMeetingIDPattern = regexp.MustCompile(`19%3[aA]meeting_[A-Za-z0-9_\-]+%40thread\.v2|19:meeting_[A-Za-z0-9_\-]+@thread\.v2`)

// Client is the Calendar Client (§4.3.1).
type Client struct {
	baseURL string
	http    *http.Client
	tokens  providers.TokenSource
}

// New constructs a Calendar Client against baseURL (the provider's Graph-
// style API root).
func New(baseURL string, tokens providers.TokenSource) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, http: providers.NewHTTPClient()}
}

// ListEvents returns calendar events in [windowStart, windowEnd], preserving
// the provider's local timezone fields rather than coercing to UTC.
func (c *Client) ListEvents(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]Event, error) {
	path := fmt.Sprintf("/me/calendarview?startDateTime=%s&endDateTime=%s",
		url.QueryEscape(windowStart.Format(time.RFC3339)), url.QueryEscape(windowEnd.Format(time.RFC3339)))
	var payload struct {
		Value []rawEvent `json:"value"`
	}
	if err := c.getJSON(ctx, userID, path, &payload); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(payload.Value))
	for _, e := range payload.Value {
		out = append(out, e.toEvent())
	}
	return out, nil
}

// GetEvent fetches a single event including its onlineMeeting object.
func (c *Client) GetEvent(ctx context.Context, userID, eventID string) (Event, error) {
	var raw rawEvent
	if err := c.getJSON(ctx, userID, "/me/events/"+url.PathEscape(eventID), &raw); err != nil {
		return Event{}, err
	}
	return raw.toEvent(), nil
}

// ListTranscripts lists transcript artifacts for an online meeting.
func (c *Client) ListTranscripts(ctx context.Context, userID, onlineMeetingID string) ([]Transcript, error) {
	var payload struct {
		Value []struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"createdDateTime"`
		} `json:"value"`
	}
	path := fmt.Sprintf("/me/onlineMeetings/%s/transcripts", url.PathEscape(onlineMeetingID))
	if err := c.getJSON(ctx, userID, path, &payload); err != nil {
		return nil, err
	}
	out := make([]Transcript, 0, len(payload.Value))
	for _, t := range payload.Value {
		out = append(out, Transcript{TranscriptID: t.ID, CreatedAt: t.CreatedAt})
	}
	return out, nil
}

// FetchTranscriptContent downloads transcript text in the given format
// (default "text/vtt").
func (c *Client) FetchTranscriptContent(ctx context.Context, userID, onlineMeetingID, transcriptID, format string) (string, error) {
	if format == "" {
		format = "text/vtt"
	}
	path := fmt.Sprintf("/me/onlineMeetings/%s/transcripts/%s/content?$format=%s",
		url.PathEscape(onlineMeetingID), url.PathEscape(transcriptID), url.QueryEscape(format))
	body, err := c.getBytes(ctx, userID, path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SearchFiles is the fallback transcript-file discovery path.
func (c *Client) SearchFiles(ctx context.Context, userID, query, folder string) ([]FileMeta, error) {
	path := "/me/drive/root/search(q='" + url.QueryEscape(query) + "')"
	if folder != "" {
		path = "/me/drive/root:/" + url.PathEscape(folder) + ":/search(q='" + url.QueryEscape(query) + "')"
	}
	var payload struct {
		Value []struct {
			ID                   string    `json:"id"`
			Name                 string    `json:"name"`
			CreatedDateTime      time.Time `json:"createdDateTime"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, userID, path, &payload); err != nil {
		return nil, err
	}
	out := make([]FileMeta, 0, len(payload.Value))
	for _, f := range payload.Value {
		out = append(out, FileMeta{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedDateTime})
	}
	return out, nil
}

// DownloadFile fetches file bytes by id.
func (c *Client) DownloadFile(ctx context.Context, userID, fileID string) ([]byte, error) {
	return c.getBytes(ctx, userID, "/me/drive/items/"+url.PathEscape(fileID)+"/content")
}

// ExtractOnlineMeetingID parses a join URL (URL-encoded or decoded) for the
// canonical `19:meeting_{token}@thread.v2` identity (§6.4).
func ExtractOnlineMeetingID(joinURL string) (string, bool) {
	match := onlineMeetingIDPattern.FindString(joinURL)
	if match == "" {
		return "", false
	}
	decoded, err := url.QueryUnescape(match)
	if err != nil {
		return match, true
	}
	return decoded, true
}

type rawEvent struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	Start           struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Attendees []struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	IsOnlineMeeting  bool   `json:"isOnlineMeeting"`
	OnlineMeetingURL string `json:"onlineMeetingUrl"`
	Recurrence       *struct{} `json:"recurrence"`
	OnlineMeeting    *struct {
		ID      string `json:"id"`
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
}

func (r rawEvent) toEvent() Event {
	startTime, _ := time.Parse("2006-01-02T15:04:05.0000000", r.Start.DateTime)
	endTime, _ := time.Parse("2006-01-02T15:04:05.0000000", r.End.DateTime)
	attendees := make([]model.Attendee, 0, len(r.Attendees))
	for _, a := range r.Attendees {
		attendees = append(attendees, model.Attendee{Name: a.EmailAddress.Name, Email: a.EmailAddress.Address})
	}
	ev := Event{
		ID:               r.ID,
		Subject:          r.Subject,
		Start:            TimeZoned{DateTime: startTime, TimeZone: r.Start.TimeZone},
		End:              TimeZoned{DateTime: endTime, TimeZone: r.End.TimeZone},
		Attendees:        attendees,
		IsOnlineMeeting:  r.IsOnlineMeeting,
		OnlineMeetingURL: r.OnlineMeetingURL,
		IsRecurring:      r.Recurrence != nil,
	}
	if r.OnlineMeeting != nil {
		ev.OnlineMeeting = &OnlineMeetingRef{ID: r.OnlineMeeting.ID, JoinURL: r.OnlineMeeting.JoinURL}
	}
	return ev
}

func (c *Client) getJSON(ctx context.Context, userID, path string, out any) error {
	body, err := c.getBytes(ctx, userID, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return tsicerrs.New(tsicerrs.ParseFailure, "calendar.getJSON", err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, userID, path string) ([]byte, error) {
	buildReq := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	}
	resp, err := providers.DoAuthed(ctx, c.http, c.tokens, userID, model.ServiceCalendar, buildReq, providers.BearerAuthorize)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return providers.ReadBody("calendar", resp)
}
