// Package meetings implements Meeting Intelligence (C5): importance
// scoring for newly discovered meetings, merge-preserving ingestion, and
// LLM-backed summary generation for acquired transcripts.
package meetings

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/llm"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/store"
)

// CalendarEvent is the subset of calendar.Event ingestion needs, kept
// decoupled from the provider package so Service has no import-cycle risk.
type CalendarEvent struct {
	ExternalMeetingID string
	Title             string
	StartTime         time.Time
	EndTime           time.Time
	StartTimezone     string
	EndTimezone       string
	Location          string
	URL               string
	Attendees         []model.Attendee
	IsOnlineMeeting   bool
	OnlineMeetingURL  string
	OnlineMeetingID   string
	IsRecurring       bool
}

var (
	boostTitlePattern = regexp.MustCompile(`(?i)standup|sprint|planning|retrospective|review|all-hands|1:1 with manager|kickoff|postmortem`)
	penaltyTitlePattern = regexp.MustCompile(`(?i)social|coffee|optional|tentative|hold|placeholder`)
)

// Score computes the §4.5 importance formula. Applied only to newly
// discovered meetings — callers must never recompute for existing rows.
func Score(ev CalendarEvent) int {
	score := 50
	if boostTitlePattern.MatchString(ev.Title) {
		score += 30
	}
	if penaltyTitlePattern.MatchString(ev.Title) {
		score -= 20
	}
	n := len(ev.Attendees)
	if n >= 5 {
		score += 20
	}
	if n >= 10 {
		score += 10
	}
	if ev.IsRecurring {
		score += 10
	}
	if ev.IsOnlineMeeting || ev.OnlineMeetingURL != "" || ev.OnlineMeetingID != "" {
		score += 5
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Summary is the structured LLM output for transcript summarization.
type Summary struct {
	Summary      string             `json:"summary"`
	KeyDecisions []string           `json:"key_decisions"`
	ActionItems  []model.ActionItem `json:"action_items"`
	Topics       []string           `json:"topics"`
}

const summaryPrompt = `You summarize a meeting transcript. Respond with a single JSON object with exactly these keys: "summary" (string), "key_decisions" (array of strings), "action_items" (array of {"task","owner","due"}), "topics" (array of strings). Do not include any text outside the JSON object.`

// Store is the subset of store.Store Meeting Intelligence depends on.
type Store interface {
	UpsertMeeting(ctx context.Context, userID string, meeting model.Meeting) (model.Meeting, bool, error)
	ListMeetings(ctx context.Context, userID string, filter store.MeetingFilter) ([]model.Meeting, error)
}

// Service is the C5 Meeting Intelligence component.
type Service struct {
	store    Store
	provider llm.Provider
	model    string
	log      zerolog.Logger
}

// New constructs Meeting Intelligence.
func New(st Store, provider llm.Provider, model string, log zerolog.Logger) *Service {
	return &Service{store: st, provider: provider, model: model, log: log}
}

// Ingest upserts a calendar event into a Meeting row (merge-preserving),
// computing importance only if the row does not already exist (§4.5).
//
// MergeMeeting forces ImportanceScore to the existing row's value on every
// merge, so the score must be supplied on the single insert-path call — a
// second UpsertMeeting against an already-existing row would otherwise have
// its computed score silently discarded.
func (s *Service) Ingest(ctx context.Context, userID string, ev CalendarEvent) (model.Meeting, error) {
	metadata := map[string]any{}
	if ev.OnlineMeetingID != "" {
		metadata["online_meeting_id"] = ev.OnlineMeetingID
	}
	if ev.IsRecurring {
		metadata["is_recurring"] = true
	}

	existing, err := s.store.ListMeetings(ctx, userID, store.MeetingFilter{IDs: []string{ev.ExternalMeetingID}})
	if err != nil {
		return model.Meeting{}, tsicerrs.New(tsicerrs.StoreUnavailable, "meetings.Ingest", err)
	}

	incoming := model.Meeting{
		ExternalMeetingID: ev.ExternalMeetingID,
		Title:             ev.Title,
		StartTime:         ev.StartTime,
		EndTime:           ev.EndTime,
		StartTimezone:     ev.StartTimezone,
		EndTimezone:       ev.EndTimezone,
		Location:          ev.Location,
		URL:               ev.URL,
		Attendees:         ev.Attendees,
		Metadata:          metadata,
	}
	if len(existing) == 0 {
		incoming.ImportanceScore = Score(ev)
	}

	merged, _, err := s.store.UpsertMeeting(ctx, userID, incoming)
	if err != nil {
		return model.Meeting{}, tsicerrs.New(tsicerrs.StoreUnavailable, "meetings.Ingest", err)
	}
	return merged, nil
}

// SummarizeTranscript implements transcript.SummaryGenerator: called after
// transcript acquisition when copilot_notes is empty, generating
// ai_summary/key_decisions/action_items via the LLM.
func (s *Service) SummarizeTranscript(ctx context.Context, userID, externalMeetingID, transcript string) error {
	msgs := []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: transcript},
	}
	resp, err := s.provider.Chat(ctx, msgs, s.model)
	if err != nil {
		return tsicerrs.New(tsicerrs.ProviderTransient, "meetings.SummarizeTranscript", err)
	}

	existing, err := s.store.ListMeetings(ctx, userID, store.MeetingFilter{IDs: []string{externalMeetingID}})
	if err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "meetings.SummarizeTranscript", err)
	}
	if len(existing) == 0 {
		return tsicerrs.New(tsicerrs.InternalInvariantViolated, "meetings.SummarizeTranscript", nil)
	}
	m := existing[0]

	summary, parseErr := parseSummary(resp.Content)
	if parseErr != nil {
		s.log.Warn().Err(parseErr).Str("meeting_id", externalMeetingID).Msg("summary parse failure, storing raw text")
		m.AISummary = resp.Content
	} else {
		m.AISummary = summary.Summary
		m.KeyDecisions = summary.KeyDecisions
		m.ActionItems = summary.ActionItems
	}

	if _, _, err := s.store.UpsertMeeting(ctx, userID, m); err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "meetings.SummarizeTranscript", err)
	}
	return nil
}

func parseSummary(raw string) (Summary, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return Summary{}, tsicerrs.New(tsicerrs.ParseFailure, "meetings.parseSummary", nil)
	}
	var out Summary
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil {
		return Summary{}, tsicerrs.New(tsicerrs.ParseFailure, "meetings.parseSummary", err)
	}
	return out, nil
}
