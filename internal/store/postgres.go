package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
)

// pgStore is the Postgres-backed Store Adapter. Schema follows §6.1: JSON
// columns for metadata/attendees/key_decisions/action_items, unique
// constraints enforcing the identities from §3.
type pgStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.OpenPostgres", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.OpenPostgres", err)
	}
	return &pgStore{pool: pool}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS integration_credential (
			user_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			access_token BYTEA NOT NULL,
			refresh_token BYTEA,
			token_expires_at TIMESTAMPTZ NOT NULL,
			auth_type TEXT NOT NULL,
			scopes JSONB NOT NULL DEFAULT '[]'::jsonb,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, service_name)
		)`,
		`CREATE TABLE IF NOT EXISTS meeting (
			user_id TEXT NOT NULL,
			external_meeting_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			start_timezone TEXT NOT NULL DEFAULT '',
			end_timezone TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			attendees_json JSONB NOT NULL DEFAULT '[]'::jsonb,
			is_important BOOLEAN NOT NULL DEFAULT false,
			importance_score INTEGER NOT NULL DEFAULT 0,
			manual_notes TEXT NOT NULL DEFAULT '',
			ai_summary TEXT NOT NULL DEFAULT '',
			key_decisions_json JSONB NOT NULL DEFAULT '[]'::jsonb,
			action_items_json JSONB NOT NULL DEFAULT '[]'::jsonb,
			copilot_notes TEXT NOT NULL DEFAULT '',
			metadata_json JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, external_meeting_id)
		)`,
		`CREATE TABLE IF NOT EXISTS update_entry (
			user_id TEXT NOT NULL,
			update_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			linked_meeting_id TEXT,
			linked_external_keys_json JSONB NOT NULL DEFAULT '[]'::jsonb,
			url TEXT NOT NULL DEFAULT '',
			metadata_json JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, update_type, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_update_entry_window ON update_entry (user_id, update_type, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS context_reference (
			user_id TEXT NOT NULL,
			issue_key TEXT NOT NULL,
			meeting_id TEXT NOT NULL DEFAULT '',
			update_id TEXT NOT NULL DEFAULT '',
			source_field TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_reference_key ON context_reference (user_id, issue_key)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *pgStore) UpsertMeeting(ctx context.Context, userID string, meeting model.Meeting) (model.Meeting, bool, error) {
	var merged model.Meeting
	var inserted bool

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, found, err := queryMeetingTx(ctx, tx, userID, meeting.ExternalMeetingID)
		if err != nil {
			return err
		}
		if found {
			merged = MergeMeeting(existing, meeting)
		} else {
			merged = meeting
			inserted = true
		}
		merged.UserID = userID
		merged.ExternalMeetingID = meeting.ExternalMeetingID
		merged.UpdatedAt = time.Now().UTC()
		if inserted {
			merged.CreatedAt = merged.UpdatedAt
		}
		return execUpsertMeeting(ctx, tx, merged)
	})
	if err != nil {
		return model.Meeting{}, false, tsicerrs.New(tsicerrs.StoreUnavailable, "store.UpsertMeeting", err)
	}
	return merged, inserted, nil
}

func execUpsertMeeting(ctx context.Context, tx pgx.Tx, m model.Meeting) error {
	attendees, _ := json.Marshal(m.Attendees)
	keyDecisions, _ := json.Marshal(m.KeyDecisions)
	actionItems, _ := json.Marshal(m.ActionItems)
	metadata, _ := json.Marshal(m.Metadata)
	_, err := tx.Exec(ctx, `
INSERT INTO meeting (
	user_id, external_meeting_id, title, start_time, end_time, start_timezone, end_timezone,
	location, url, attendees_json, is_important, importance_score, manual_notes, ai_summary,
	key_decisions_json, action_items_json, copilot_notes, metadata_json, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (user_id, external_meeting_id) DO UPDATE SET
	title=EXCLUDED.title, start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time,
	start_timezone=EXCLUDED.start_timezone, end_timezone=EXCLUDED.end_timezone,
	location=EXCLUDED.location, url=EXCLUDED.url, attendees_json=EXCLUDED.attendees_json,
	is_important=EXCLUDED.is_important, importance_score=EXCLUDED.importance_score,
	manual_notes=EXCLUDED.manual_notes, ai_summary=EXCLUDED.ai_summary,
	key_decisions_json=EXCLUDED.key_decisions_json, action_items_json=EXCLUDED.action_items_json,
	copilot_notes=EXCLUDED.copilot_notes, metadata_json=EXCLUDED.metadata_json,
	updated_at=EXCLUDED.updated_at
`, m.UserID, m.ExternalMeetingID, m.Title, m.StartTime, m.EndTime, m.StartTimezone, m.EndTimezone,
		m.Location, m.URL, attendees, m.IsImportant, m.ImportanceScore, m.ManualNotes, m.AISummary,
		keyDecisions, actionItems, m.CopilotNotes, metadata, m.CreatedAt, m.UpdatedAt)
	return err
}

func queryMeetingTx(ctx context.Context, tx pgx.Tx, userID, externalID string) (model.Meeting, bool, error) {
	row := tx.QueryRow(ctx, `
SELECT title, start_time, end_time, start_timezone, end_timezone, location, url, attendees_json,
       is_important, importance_score, manual_notes, ai_summary, key_decisions_json, action_items_json,
       copilot_notes, metadata_json, created_at, updated_at
FROM meeting WHERE user_id=$1 AND external_meeting_id=$2`, userID, externalID)
	var m model.Meeting
	var attendees, keyDecisions, actionItems, metadata []byte
	err := row.Scan(&m.Title, &m.StartTime, &m.EndTime, &m.StartTimezone, &m.EndTimezone, &m.Location, &m.URL,
		&attendees, &m.IsImportant, &m.ImportanceScore, &m.ManualNotes, &m.AISummary, &keyDecisions, &actionItems,
		&m.CopilotNotes, &metadata, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Meeting{}, false, nil
	}
	if err != nil {
		return model.Meeting{}, false, err
	}
	_ = json.Unmarshal(attendees, &m.Attendees)
	_ = json.Unmarshal(keyDecisions, &m.KeyDecisions)
	_ = json.Unmarshal(actionItems, &m.ActionItems)
	_ = json.Unmarshal(metadata, &m.Metadata)
	m.UserID = userID
	m.ExternalMeetingID = externalID
	return m, true, nil
}

func (s *pgStore) UpdateMeetingTranscript(ctx context.Context, userID, externalMeetingID string, t TranscriptWrite) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, found, err := queryMeetingTx(ctx, tx, userID, externalMeetingID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		if t.Transcript != "" {
			existing.Metadata["transcript"] = t.Transcript
		}
		if t.TranscriptID != "" {
			existing.Metadata["transcript_id"] = t.TranscriptID
		}
		if !t.TranscriptFetchedAt.IsZero() {
			existing.Metadata["transcript_fetched_at"] = t.TranscriptFetchedAt
		}
		if t.CopilotNotes != "" {
			existing.CopilotNotes = t.CopilotNotes
		}
		if t.OnlineMeetingID != "" {
			existing.Metadata["online_meeting_id"] = t.OnlineMeetingID
		}
		if t.Platform != "" {
			existing.Metadata["platform"] = t.Platform
		}
		if t.Source != "" {
			existing.Metadata["source"] = t.Source
		}
		existing.UpdatedAt = time.Now().UTC()
		return execUpsertMeeting(ctx, tx, existing)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return tsicerrs.New(tsicerrs.StoreUnavailable, "store.UpdateMeetingTranscript", err)
	}
	return nil
}

func (s *pgStore) ListMeetings(ctx context.Context, userID string, filter MeetingFilter) ([]model.Meeting, error) {
	query := `SELECT external_meeting_id, title, start_time, end_time, start_timezone, end_timezone, location, url,
	attendees_json, is_important, importance_score, manual_notes, ai_summary, key_decisions_json, action_items_json,
	copilot_notes, metadata_json, created_at, updated_at FROM meeting WHERE user_id=$1`
	args := []any{userID}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += fmt.Sprintf(" AND external_meeting_id = ANY($%d)", len(args))
	}
	if !filter.WindowStart.IsZero() {
		args = append(args, filter.WindowStart)
		query += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if !filter.WindowEnd.IsZero() {
		args = append(args, filter.WindowEnd)
		query += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}
	if filter.IsImportant != nil {
		args = append(args, *filter.IsImportant)
		query += fmt.Sprintf(" AND is_important = $%d", len(args))
	}
	if filter.OrderByStart {
		query += " ORDER BY start_time ASC"
	} else {
		query += " ORDER BY updated_at DESC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ListMeetings", err)
	}
	defer rows.Close()

	var out []model.Meeting
	for rows.Next() {
		var m model.Meeting
		var attendees, keyDecisions, actionItems, metadata []byte
		if err := rows.Scan(&m.ExternalMeetingID, &m.Title, &m.StartTime, &m.EndTime, &m.StartTimezone, &m.EndTimezone,
			&m.Location, &m.URL, &attendees, &m.IsImportant, &m.ImportanceScore, &m.ManualNotes, &m.AISummary,
			&keyDecisions, &actionItems, &m.CopilotNotes, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ListMeetings", err)
		}
		_ = json.Unmarshal(attendees, &m.Attendees)
		_ = json.Unmarshal(keyDecisions, &m.KeyDecisions)
		_ = json.Unmarshal(actionItems, &m.ActionItems)
		_ = json.Unmarshal(metadata, &m.Metadata)
		m.UserID = userID
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgStore) UpsertUpdate(ctx context.Context, userID string, u model.Update) (model.Update, error) {
	u.UserID = userID
	u.ContentText = model.ContentTextOf(u)
	linkedKeys, _ := json.Marshal(u.LinkedExternalKeys)
	metadata, _ := json.Marshal(u.Metadata)
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
INSERT INTO update_entry (
	user_id, update_type, external_id, title, description, content_text, author, status, priority,
	project, linked_meeting_id, linked_external_keys_json, url, metadata_json, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14,$15,$16)
ON CONFLICT (user_id, update_type, external_id) DO UPDATE SET
	title=EXCLUDED.title, description=EXCLUDED.description, content_text=EXCLUDED.content_text,
	author=EXCLUDED.author, status=EXCLUDED.status, priority=EXCLUDED.priority, project=EXCLUDED.project,
	linked_meeting_id=EXCLUDED.linked_meeting_id, linked_external_keys_json=EXCLUDED.linked_external_keys_json,
	url=EXCLUDED.url, metadata_json=EXCLUDED.metadata_json, updated_at=EXCLUDED.updated_at
RETURNING created_at, updated_at
`, u.UserID, u.UpdateType, u.ExternalID, u.Title, u.Description, u.ContentText, u.Author, u.Status, u.Priority,
		u.Project, u.LinkedMeetingID, linkedKeys, u.URL, metadata, now, now)

	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return model.Update{}, tsicerrs.New(tsicerrs.StoreUnavailable, "store.UpsertUpdate", err)
	}
	return u, nil
}

func (s *pgStore) ListUpdates(ctx context.Context, userID string, filter UpdateFilter) ([]model.Update, error) {
	query := `SELECT update_type, external_id, title, description, content_text, author, status, priority, project,
	COALESCE(linked_meeting_id,''), linked_external_keys_json, url, metadata_json, created_at, updated_at
	FROM update_entry WHERE user_id=$1`
	args := []any{userID}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += fmt.Sprintf(" AND external_id = ANY($%d)", len(args))
	}
	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		query += fmt.Sprintf(" AND update_type = ANY($%d)", len(args))
	}
	if !filter.WindowStart.IsZero() {
		args = append(args, filter.WindowStart)
		query += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	if !filter.WindowEnd.IsZero() {
		args = append(args, filter.WindowEnd)
		query += fmt.Sprintf(" AND updated_at <= $%d", len(args))
	}
	if filter.ContentSubstr != "" {
		args = append(args, "%"+filter.ContentSubstr+"%")
		query += fmt.Sprintf(" AND content_text ILIKE $%d", len(args))
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ListUpdates", err)
	}
	defer rows.Close()

	var out []model.Update
	for rows.Next() {
		var u model.Update
		var linkedKeys, metadata []byte
		if err := rows.Scan(&u.UpdateType, &u.ExternalID, &u.Title, &u.Description, &u.ContentText, &u.Author,
			&u.Status, &u.Priority, &u.Project, &u.LinkedMeetingID, &linkedKeys, &u.URL, &metadata,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ListUpdates", err)
		}
		_ = json.Unmarshal(linkedKeys, &u.LinkedExternalKeys)
		_ = json.Unmarshal(metadata, &u.Metadata)
		u.UserID = userID
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteUpdatesMissingFrom(ctx context.Context, userID string, updateTypes []model.UpdateType, windowStart time.Time, currentExternalIDs map[string]struct{}) (int, error) {
	ids := make([]string, 0, len(currentExternalIDs))
	for id := range currentExternalIDs {
		ids = append(ids, id)
	}
	tag, err := s.pool.Exec(ctx, `
DELETE FROM update_entry
WHERE user_id=$1 AND update_type = ANY($2) AND updated_at >= $3 AND NOT (external_id = ANY($4))
`, userID, updateTypes, windowStart, ids)
	if err != nil {
		return 0, tsicerrs.New(tsicerrs.StoreUnavailable, "store.DeleteUpdatesMissingFrom", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) GetCredential(ctx context.Context, userID string, service model.ServiceName) (model.IntegrationCredential, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT access_token, refresh_token, token_expires_at, auth_type, scopes, metadata, connected_at
FROM integration_credential WHERE user_id=$1 AND service_name=$2`, userID, service)
	var c model.IntegrationCredential
	var scopes, metadata []byte
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.AuthType, &scopes, &metadata, &c.ConnectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IntegrationCredential{}, false, nil
	}
	if err != nil {
		return model.IntegrationCredential{}, false, tsicerrs.New(tsicerrs.StoreUnavailable, "store.GetCredential", err)
	}
	_ = json.Unmarshal(scopes, &c.Scopes)
	_ = json.Unmarshal(metadata, &c.Metadata)
	c.UserID = userID
	c.Service = service
	return c, true, nil
}

func (s *pgStore) PutCredential(ctx context.Context, cred model.IntegrationCredential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	scopes, _ := json.Marshal(cred.Scopes)
	metadata, _ := json.Marshal(cred.Metadata)
	connectedAt := cred.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO integration_credential (user_id, service_name, access_token, refresh_token, token_expires_at, auth_type, scopes, metadata, connected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (user_id, service_name) DO UPDATE SET
	access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, token_expires_at=EXCLUDED.token_expires_at,
	auth_type=EXCLUDED.auth_type, scopes=EXCLUDED.scopes, metadata=EXCLUDED.metadata
`, cred.UserID, cred.Service, cred.AccessToken, cred.RefreshToken, cred.TokenExpiresAt, cred.AuthType, scopes, metadata, connectedAt)
	if err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "store.PutCredential", err)
	}
	return nil
}

func (s *pgStore) DeleteCredential(ctx context.Context, userID string, service model.ServiceName) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM integration_credential WHERE user_id=$1 AND service_name=$2`, userID, service)
	if err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "store.DeleteCredential", err)
	}
	return nil
}

func (s *pgStore) UpsertContextReference(ctx context.Context, ref model.ContextReference) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE context_reference SET source_field=$5
WHERE user_id=$1 AND issue_key=$2 AND meeting_id=$3 AND update_id=$4
`, ref.UserID, ref.IssueKey, ref.MeetingID, ref.UpdateID, ref.SourceField)
	if err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "store.UpsertContextReference", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO context_reference (user_id, issue_key, meeting_id, update_id, source_field)
VALUES ($1,$2,$3,$4,$5)
`, ref.UserID, ref.IssueKey, ref.MeetingID, ref.UpdateID, ref.SourceField)
	if err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "store.UpsertContextReference", err)
	}
	return nil
}

func (s *pgStore) ReferencesForIssueKey(ctx context.Context, userID, issueKey string) ([]model.ContextReference, error) {
	rows, err := s.pool.Query(ctx, `
SELECT meeting_id, update_id, source_field FROM context_reference WHERE user_id=$1 AND issue_key=$2`, userID, issueKey)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ReferencesForIssueKey", err)
	}
	defer rows.Close()
	var out []model.ContextReference
	for rows.Next() {
		ref := model.ContextReference{UserID: userID, IssueKey: issueKey}
		if err := rows.Scan(&ref.MeetingID, &ref.UpdateID, &ref.SourceField); err != nil {
			return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "store.ReferencesForIssueKey", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
