// Package model defines the unified data model shared by every TSIC
// component: integration credentials, meetings, updates, and the
// denormalized context-reference index.
package model

import "time"

// AuthType enumerates how a credential is refreshed.
type AuthType string

const (
	AuthOAuthPKCE       AuthType = "oauth_pkce"
	AuthOAuthSecret     AuthType = "oauth_secret"
	AuthAppInstallation AuthType = "app_installation"
	AuthPersonalToken   AuthType = "personal_token"
)

// ServiceName enumerates the three external systems TSIC integrates with.
type ServiceName string

const (
	ServiceCalendar ServiceName = "calendar"
	ServiceIssues   ServiceName = "issues"
	ServiceCode     ServiceName = "code"
)

// IntegrationCredential is the per-user, per-service token record (§3.1).
// Identity is (UserID, Service) — unique.
type IntegrationCredential struct {
	UserID          string
	Service         ServiceName
	AccessToken     []byte
	RefreshToken    []byte // nullable; required when AuthType is oauth_*
	TokenExpiresAt  time.Time
	AuthType        AuthType
	Scopes          []string
	Metadata        map[string]any // e.g. cloud site id, installation id
	ConnectedAt     time.Time
}

// Validate enforces the §3.1 invariants.
func (c IntegrationCredential) Validate() error {
	if c.TokenExpiresAt.IsZero() {
		return ErrMissingExpiry
	}
	if (c.AuthType == AuthOAuthPKCE || c.AuthType == AuthOAuthSecret) && len(c.RefreshToken) == 0 {
		return ErrMissingRefreshToken
	}
	return nil
}

// Attendee is a single meeting participant.
type Attendee struct {
	Name  string
	Email string
}

// ActionItem is a single structured action item extracted from a meeting.
type ActionItem struct {
	Task  string
	Owner string // optional
	Due   string // optional, free-form per provider/LLM output
}

// Meeting is the unified meeting record (§3.2). Identity is (UserID,
// ExternalMeetingID) — unique.
//
// Manual-flag preservation: IsImportant, ManualNotes, AISummary,
// KeyDecisions, ActionItems, CopilotNotes, and the transcript fields in
// Metadata MUST NOT be overwritten by a provider re-ingestion once set; see
// store.MergeMeeting.
type Meeting struct {
	UserID           string
	ExternalMeetingID string

	Title           string
	StartTime       time.Time // naive timestamp, interpreted in StartTimezone
	EndTime         time.Time
	StartTimezone   string // IANA zone
	EndTimezone     string
	Location        string
	URL             string
	Attendees       []Attendee

	IsImportant     bool
	ImportanceScore int // [0,100]
	ManualNotes     string // nullable (empty = unset)
	AISummary       string // nullable
	KeyDecisions    []string
	ActionItems     []ActionItem
	CopilotNotes    string // nullable

	Metadata  map[string]any // online_meeting_id, transcript, transcript_id, transcript_fetched_at, platform, source

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTranscript reports whether transcript text has already been acquired.
func (m Meeting) HasTranscript() bool {
	if m.Metadata == nil {
		return false
	}
	t, ok := m.Metadata["transcript"].(string)
	return ok && t != ""
}

// OnlineMeetingID returns the resolved online-meeting id, if any.
func (m Meeting) OnlineMeetingID() string {
	if m.Metadata == nil {
		return ""
	}
	id, _ := m.Metadata["online_meeting_id"].(string)
	return id
}

// UpdateType enumerates the kinds of Update rows (§3.3).
type UpdateType string

const (
	UpdateIssueCreated UpdateType = "issue_created"
	UpdateIssueUpdated UpdateType = "issue_updated"
	UpdateIssueComment UpdateType = "issue_comment"
	UpdateCodePR       UpdateType = "code_pr"
	UpdateCodeCommit   UpdateType = "code_commit"
)

// Update is the unified issue/code-activity record (§3.3). Identity is
// (UserID, UpdateType, ExternalID) — unique.
type Update struct {
	UserID     string
	UpdateType UpdateType
	ExternalID string

	Title               string
	Description         string
	Author              string
	Status              string
	Priority            string
	Project             string
	LinkedMeetingID     string // nullable
	LinkedExternalKeys  []string
	ContentText         string // regenerated on every upsert
	URL                 string
	Metadata            map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentTextOf builds the denormalized search blob per §3.3: a
// concatenation of title, description, status, and key metadata fields.
func ContentTextOf(u Update) string {
	parts := []string{u.Title, u.Description, u.Status, u.Priority, u.Project, u.Author}
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

// ContextReference is the optional denormalized search-hint index linking
// meetings to updates (§3.4).
type ContextReference struct {
	UserID      string
	IssueKey    string
	MeetingID   string // external_meeting_id
	UpdateID    string // external_id
	SourceField string // "meeting_notes" | "commit_message" | "pr_body"
}
