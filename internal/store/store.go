// Package store implements the Store Adapter (C1): the persistence contract
// over meetings, updates, and integration credentials, with idempotent
// merge-upsert semantics and per-user scoping.
package store

import (
	"context"
	"time"

	"github.com/tsic/core/internal/model"
)

// MeetingFilter scopes a list_meetings call.
type MeetingFilter struct {
	IDs          []string // external_meeting_id set
	WindowStart  time.Time
	WindowEnd    time.Time
	IsImportant  *bool
	Limit        int
	OrderByStart bool // true: order by start_time; false: order by updated_at desc
}

// UpdateFilter scopes a list_updates call.
type UpdateFilter struct {
	IDs           []string // external_id set
	Types         []model.UpdateType
	WindowStart   time.Time
	WindowEnd     time.Time
	ContentSubstr string // case-insensitive substring over content_text
	Limit         int
}

// Store is the full C1 contract. All operations are per-user scoped and
// each is a single transaction; concurrent readers are always safe, but
// callers are responsible for the per-user single-writer discipline
// described in §5 (the orchestrator runs each user's sync cycles one at a
// time on a single per-user worker goroutine).
type Store interface {
	// UpsertMeeting creates or updates the row identified by
	// (userID, meeting.ExternalMeetingID). Manual-flag-preserving fields are
	// read-modify-write merged so existing non-null values survive. Returns
	// the merged row and whether the row was newly inserted. C5 decides on
	// importance scoring from a ListMeetings lookup before this call, since
	// the score has to be supplied on the inserting call itself.
	UpsertMeeting(ctx context.Context, userID string, meeting model.Meeting) (merged model.Meeting, inserted bool, err error)

	// UpdateMeetingTranscript writes only transcript-related fields
	// (metadata.transcript, transcript_id, transcript_fetched_at, and
	// optionally copilot_notes/online_meeting_id), leaving every
	// user-authored field untouched. This is the only path C4 is allowed to
	// use to mutate a meeting row.
	UpdateMeetingTranscript(ctx context.Context, userID, externalMeetingID string, transcript TranscriptWrite) error

	ListMeetings(ctx context.Context, userID string, filter MeetingFilter) ([]model.Meeting, error)

	// UpsertUpdate creates or updates the row identified by (userID,
	// update.UpdateType, update.ExternalID). ContentText is always
	// regenerated.
	UpsertUpdate(ctx context.Context, userID string, update model.Update) (model.Update, error)

	ListUpdates(ctx context.Context, userID string, filter UpdateFilter) ([]model.Update, error)

	// DeleteUpdatesMissingFrom deletes rows with the given updateTypes whose
	// updated_at >= windowStart and whose external_id is not in
	// currentExternalIDs. Returns the number of rows deleted.
	DeleteUpdatesMissingFrom(ctx context.Context, userID string, updateTypes []model.UpdateType, windowStart time.Time, currentExternalIDs map[string]struct{}) (int, error)

	GetCredential(ctx context.Context, userID string, service model.ServiceName) (model.IntegrationCredential, bool, error)
	PutCredential(ctx context.Context, cred model.IntegrationCredential) error
	DeleteCredential(ctx context.Context, userID string, service model.ServiceName) error

	// UpsertContextReference maintains the denormalized meeting<->update
	// index (§3.4).
	UpsertContextReference(ctx context.Context, ref model.ContextReference) error
	ReferencesForIssueKey(ctx context.Context, userID, issueKey string) ([]model.ContextReference, error)
}

// TranscriptWrite carries the disjoint field set C4 is allowed to write.
type TranscriptWrite struct {
	Transcript        string
	TranscriptID      string
	TranscriptFetchedAt time.Time
	CopilotNotes      string // optional; empty means "do not touch"
	OnlineMeetingID   string // optional; empty means "do not touch"
	Platform          string // optional
	Source            string // optional, e.g. "file_fallback"
}

// manualPreservedFields lists the Meeting fields protected by merge-upsert,
// named here once so every Store implementation applies the same set.
var manualPreservedFields = []string{
	"is_important", "manual_notes", "ai_summary", "key_decisions",
	"action_items", "copilot_notes",
}

// MergeMeeting applies the manual-flag preservation rule of §3.2: fields in
// manualPreservedFields, plus transcript fields under Metadata, survive from
// existing if existing has a non-zero value there; every other field is
// taken from incoming. ImportanceScore additionally never changes once the
// row exists (callers must not pass a new score on re-ingestion; see C5).
func MergeMeeting(existing, incoming model.Meeting) model.Meeting {
	merged := incoming
	merged.UserID = existing.UserID
	merged.ExternalMeetingID = existing.ExternalMeetingID
	merged.CreatedAt = existing.CreatedAt

	if existing.IsImportant {
		merged.IsImportant = true
	}
	merged.ImportanceScore = existing.ImportanceScore // never recomputed on re-ingestion
	if existing.ManualNotes != "" {
		merged.ManualNotes = existing.ManualNotes
	}
	if existing.AISummary != "" {
		merged.AISummary = existing.AISummary
	}
	if len(existing.KeyDecisions) > 0 {
		merged.KeyDecisions = existing.KeyDecisions
	}
	if len(existing.ActionItems) > 0 {
		merged.ActionItems = existing.ActionItems
	}
	if existing.CopilotNotes != "" {
		merged.CopilotNotes = existing.CopilotNotes
	}

	merged.Metadata = mergeTranscriptMetadata(existing.Metadata, incoming.Metadata)
	return merged
}

var transcriptMetadataKeys = map[string]struct{}{
	"transcript": {}, "transcript_id": {}, "transcript_fetched_at": {},
	"online_meeting_id": {}, "platform": {}, "source": {},
}

// mergeTranscriptMetadata keeps existing transcript-related keys (once set)
// and otherwise takes the incoming value — provider re-ingestion must not
// blank out a transcript acquired by C4.
func mergeTranscriptMetadata(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(incoming)+len(existing))
	for k, v := range incoming {
		out[k] = v
	}
	for k := range transcriptMetadataKeys {
		if v, ok := existing[k]; ok {
			if s, isStr := v.(string); !isStr || s != "" {
				out[k] = v
			}
		}
	}
	return out
}
