package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsic/core/internal/model"
)

// memStore is an in-process Store used by tests and by the orchestrator's
// own test harness; it implements the exact merge-upsert and reconciliation
// semantics the Postgres backend implements, just without a database.
type memStore struct {
	mu sync.Mutex

	meetings map[meetingKey]model.Meeting
	updates  map[updateKey]model.Update
	creds    map[credKey]model.IntegrationCredential
	refs     map[string][]model.ContextReference // keyed by userID+"/"+issueKey
}

type meetingKey struct{ userID, externalID string }
type updateKey struct {
	userID     string
	updateType model.UpdateType
	externalID string
}
type credKey struct {
	userID  string
	service model.ServiceName
}

// NewMemory constructs an in-memory Store.
func NewMemory() Store {
	return &memStore{
		meetings: map[meetingKey]model.Meeting{},
		updates:  map[updateKey]model.Update{},
		creds:    map[credKey]model.IntegrationCredential{},
		refs:     map[string][]model.ContextReference{},
	}
}

func (s *memStore) UpsertMeeting(_ context.Context, userID string, meeting model.Meeting) (model.Meeting, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := meetingKey{userID, meeting.ExternalMeetingID}
	now := time.Now().UTC()
	existing, found := s.meetings[key]

	var merged model.Meeting
	if found {
		merged = MergeMeeting(existing, meeting)
	} else {
		merged = meeting
		merged.CreatedAt = now
	}
	merged.UserID = userID
	merged.ExternalMeetingID = meeting.ExternalMeetingID
	merged.UpdatedAt = now
	s.meetings[key] = merged
	return merged, !found, nil
}

func (s *memStore) UpdateMeetingTranscript(_ context.Context, userID, externalMeetingID string, t TranscriptWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := meetingKey{userID, externalMeetingID}
	m, ok := s.meetings[key]
	if !ok {
		return ErrNotFound
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if t.Transcript != "" {
		m.Metadata["transcript"] = t.Transcript
	}
	if t.TranscriptID != "" {
		m.Metadata["transcript_id"] = t.TranscriptID
	}
	if !t.TranscriptFetchedAt.IsZero() {
		m.Metadata["transcript_fetched_at"] = t.TranscriptFetchedAt
	}
	if t.CopilotNotes != "" {
		m.CopilotNotes = t.CopilotNotes
	}
	if t.OnlineMeetingID != "" {
		m.Metadata["online_meeting_id"] = t.OnlineMeetingID
	}
	if t.Platform != "" {
		m.Metadata["platform"] = t.Platform
	}
	if t.Source != "" {
		m.Metadata["source"] = t.Source
	}
	m.UpdatedAt = time.Now().UTC()
	s.meetings[key] = m
	return nil
}

func (s *memStore) ListMeetings(_ context.Context, userID string, filter MeetingFilter) ([]model.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idSet map[string]struct{}
	if len(filter.IDs) > 0 {
		idSet = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			idSet[id] = struct{}{}
		}
	}

	out := make([]model.Meeting, 0)
	for k, m := range s.meetings {
		if k.userID != userID {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[k.externalID]; !ok {
				continue
			}
		}
		if !filter.WindowStart.IsZero() && m.StartTime.Before(filter.WindowStart) {
			continue
		}
		if !filter.WindowEnd.IsZero() && m.StartTime.After(filter.WindowEnd) {
			continue
		}
		if filter.IsImportant != nil && m.IsImportant != *filter.IsImportant {
			continue
		}
		out = append(out, m)
	}

	if filter.OrderByStart {
		sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) UpsertUpdate(_ context.Context, userID string, u model.Update) (model.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := updateKey{userID, u.UpdateType, u.ExternalID}
	now := time.Now().UTC()
	existing, found := s.updates[key]

	u.UserID = userID
	u.ContentText = model.ContentTextOf(u)
	if found {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.updates[key] = u
	return u, nil
}

func (s *memStore) ListUpdates(_ context.Context, userID string, filter UpdateFilter) ([]model.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idSet map[string]struct{}
	if len(filter.IDs) > 0 {
		idSet = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			idSet[id] = struct{}{}
		}
	}
	var typeSet map[model.UpdateType]struct{}
	if len(filter.Types) > 0 {
		typeSet = make(map[model.UpdateType]struct{}, len(filter.Types))
		for _, t := range filter.Types {
			typeSet[t] = struct{}{}
		}
	}

	out := make([]model.Update, 0)
	for k, u := range s.updates {
		if k.userID != userID {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[k.externalID]; !ok {
				continue
			}
		}
		if typeSet != nil {
			if _, ok := typeSet[k.updateType]; !ok {
				continue
			}
		}
		if !filter.WindowStart.IsZero() && u.UpdatedAt.Before(filter.WindowStart) {
			continue
		}
		if !filter.WindowEnd.IsZero() && u.UpdatedAt.After(filter.WindowEnd) {
			continue
		}
		if filter.ContentSubstr != "" && !strings.Contains(strings.ToLower(u.ContentText), strings.ToLower(filter.ContentSubstr)) {
			continue
		}
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) DeleteUpdatesMissingFrom(_ context.Context, userID string, updateTypes []model.UpdateType, windowStart time.Time, currentExternalIDs map[string]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := make(map[model.UpdateType]struct{}, len(updateTypes))
	for _, t := range updateTypes {
		typeSet[t] = struct{}{}
	}

	deleted := 0
	for k, u := range s.updates {
		if k.userID != userID {
			continue
		}
		if _, ok := typeSet[k.updateType]; !ok {
			continue
		}
		if u.UpdatedAt.Before(windowStart) {
			continue
		}
		if _, present := currentExternalIDs[k.externalID]; present {
			continue
		}
		delete(s.updates, k)
		deleted++
	}
	return deleted, nil
}

func (s *memStore) GetCredential(_ context.Context, userID string, service model.ServiceName) (model.IntegrationCredential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{userID, service}]
	return c, ok, nil
}

func (s *memStore) PutCredential(_ context.Context, cred model.IntegrationCredential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credKey{cred.UserID, cred.Service}] = cred
	return nil
}

func (s *memStore) DeleteCredential(_ context.Context, userID string, service model.ServiceName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, credKey{userID, service})
	return nil
}

func (s *memStore) UpsertContextReference(_ context.Context, ref model.ContextReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.UserID + "/" + ref.IssueKey
	for i, r := range s.refs[key] {
		if r.MeetingID == ref.MeetingID && r.UpdateID == ref.UpdateID {
			s.refs[key][i] = ref
			return nil
		}
	}
	s.refs[key] = append(s.refs[key], ref)
	return nil
}

func (s *memStore) ReferencesForIssueKey(_ context.Context, userID, issueKey string) ([]model.ContextReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ContextReference(nil), s.refs[userID+"/"+issueKey]...), nil
}
