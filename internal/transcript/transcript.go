// Package transcript implements the Transcript Acquisition Engine (C4): for
// an important, ended meeting, resolve an online-meeting identity and
// obtain transcript text via the primary API or the file-search fallback,
// retrying on a bounded exponential schedule.
package transcript

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/store"
)

// State is a node in the per-meeting state machine (§4.4).
type State string

const (
	StateNew              State = "new"
	StateResolvingID       State = "resolving_id"
	StateFetchingAPI       State = "fetching_api"
	StateFetchingFallback  State = "fetching_fallback"
	StateDoneOK            State = "done_ok"
	StateDoneUnavailable   State = "done_unavailable"
	StateRetryScheduled    State = "retry_scheduled"
)

// CalendarProvider is the subset of the Calendar Client C4 depends on.
type CalendarProvider interface {
	GetEvent(ctx context.Context, userID, externalMeetingID string) (onlineMeetingID string, joinURL string, found bool, err error)
	ListTranscripts(ctx context.Context, userID, onlineMeetingID string) ([]TranscriptRef, error)
	FetchTranscriptContent(ctx context.Context, userID, onlineMeetingID, transcriptID string) (string, error)
	FetchRecapNotes(ctx context.Context, userID, onlineMeetingID string) (string, error) // best-effort
	SearchFiles(ctx context.Context, userID, meetingSubject string) ([]FileRef, error)
	DownloadFile(ctx context.Context, userID, fileID string) ([]byte, error)
}

// TranscriptRef is a transcript artifact reference (id + creation time).
type TranscriptRef struct {
	TranscriptID string
	CreatedAt    time.Time
}

// FileRef is a drive file search hit considered as a fallback artifact.
type FileRef struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SummaryGenerator is C5, invoked to backfill ai_summary/key_decisions/
// action_items when copilot_notes is empty after acquisition.
type SummaryGenerator interface {
	SummarizeTranscript(ctx context.Context, userID, externalMeetingID, transcript string) error
}

// EventPublisher is C10's transcript-available topic.
type EventPublisher interface {
	PublishTranscriptAvailable(ctx context.Context, userID, meetingID string)
}

// Clock is overridden in tests.
type Clock func() time.Time

// Config carries the §6.5 tunables.
type Config struct {
	InitialDelay   time.Duration // d_0, default 120s
	MaxDelay       time.Duration // d_max, default 1800s
	MaxAttempts    int           // default 10
	RecentWindow   time.Duration // default 5m: triggers aggressive immediate retry
	EligibleWindow time.Duration // default 24h: outer eligibility bound
	MaxConcurrent  int64         // default 32
}

var includeExtensions = map[string]struct{}{".vtt": {}, ".txt": {}, ".docx": {}, ".srt": {}}
var excludeExtensions = map[string]struct{}{".mp4": {}, ".mp3": {}, ".avi": {}, ".mov": {}, ".wav": {}}

// Engine runs transcript acquisition jobs, one long-lived goroutine per
// in-flight meeting, bounded by a global semaphore (§5).
type Engine struct {
	store     store.Store
	calendar  CalendarProvider
	summaries SummaryGenerator
	events    EventPublisher
	cfg       Config
	log       zerolog.Logger
	now       Clock

	mu     sync.Mutex
	active map[string]struct{} // keyed by user_id + "/" + external_meeting_id

	sem *semaphore.Weighted
}

// New constructs the Transcript Acquisition Engine.
func New(st store.Store, calendar CalendarProvider, summaries SummaryGenerator, events EventPublisher, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	return &Engine{
		store:     st,
		calendar:  calendar,
		summaries: summaries,
		events:    events,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		active:    make(map[string]struct{}),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

func activeKey(userID, externalMeetingID string) string {
	return userID + "/" + externalMeetingID
}

// Eligible reports whether a meeting qualifies for enqueue (§4.4): important,
// ended within EligibleWindow, not already acquired, not already in-flight.
func (e *Engine) Eligible(m model.Meeting) bool {
	if !m.IsImportant || m.HasTranscript() {
		return false
	}
	now := e.now()
	if m.EndTime.After(now) {
		return false
	}
	if now.Sub(m.EndTime) > e.cfg.EligibleWindow {
		return false
	}
	e.mu.Lock()
	_, inFlight := e.active[activeKey(m.UserID, m.ExternalMeetingID)]
	e.mu.Unlock()
	return !inFlight
}

// Enqueue starts (or no-ops if already in-flight) the acquisition job for a
// meeting. Meetings ended within RecentWindow get immediate aggressive
// retry; older ones get a single attempt per §4.7 step 2 — callers pass
// aggressive=false for the "single attempt" case.
func (e *Engine) Enqueue(ctx context.Context, m model.Meeting, aggressive bool) {
	key := activeKey(m.UserID, m.ExternalMeetingID)
	e.mu.Lock()
	if _, inFlight := e.active[key]; inFlight {
		e.mu.Unlock()
		return
	}
	e.active[key] = struct{}{}
	e.mu.Unlock()

	go e.run(ctx, m, aggressive, key)
}

func (e *Engine) run(ctx context.Context, m model.Meeting, aggressive bool, key string) {
	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	maxAttempts := 1
	if aggressive {
		maxAttempts = e.cfg.MaxAttempts
	}

	bo := e.retryBackoff()
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		state, reason := e.attemptOnce(ctx, m)
		switch state {
		case StateDoneOK:
			if e.events != nil {
				e.events.PublishTranscriptAvailable(ctx, m.UserID, m.ExternalMeetingID)
			}
			return
		case StateDoneUnavailable:
			e.log.Info().Str("meeting_id", m.ExternalMeetingID).Str("reason", reason).Msg("transcript unavailable, terminal")
			return
		case StateRetryScheduled:
			if attempt >= maxAttempts {
				e.log.Info().Str("meeting_id", m.ExternalMeetingID).Msg("transcript retries exhausted")
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// retryBackoff builds the bounded exponential schedule from §4.4:
// d_i = min(d_max, d_0 * 1.5^(i-1)).
func (e *Engine) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0 // caller bounds attempts, not elapsed time
	b.RandomizationFactor = 0
	b.Reset() // start the current interval from InitialDelay, not the library default
	return b
}

// attemptOnce runs one pass through RESOLVING_ID → FETCHING_API →
// FETCHING_FALLBACK and returns the resulting terminal-or-retry state.
func (e *Engine) attemptOnce(ctx context.Context, m model.Meeting) (State, string) {
	onlineMeetingID, ok, err := e.resolveID(ctx, m)
	if err != nil {
		return StateRetryScheduled, ""
	}
	if !ok {
		return StateDoneUnavailable, "not_an_online_meeting"
	}

	if ok, err := e.fetchFromAPI(ctx, m, onlineMeetingID); err != nil {
		return StateRetryScheduled, ""
	} else if ok {
		return StateDoneOK, ""
	}

	if ok, err := e.fetchFromFallback(ctx, m); err != nil {
		return StateRetryScheduled, ""
	} else if ok {
		return StateDoneOK, ""
	}

	return StateRetryScheduled, ""
}

var joinURLIDPattern = regexp.MustCompile(`19%3[aA]meeting_[A-Za-z0-9_\-]+%40thread\.v2|19:meeting_[A-Za-z0-9_\-]+@thread\.v2`)

func (e *Engine) resolveID(ctx context.Context, m model.Meeting) (string, bool, error) {
	if id := m.OnlineMeetingID(); id != "" {
		return id, true, nil
	}
	onlineMeetingID, joinURL, found, err := e.calendar.GetEvent(ctx, m.UserID, m.ExternalMeetingID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	if onlineMeetingID == "" && joinURL != "" {
		if match := joinURLIDPattern.FindString(joinURL); match != "" {
			if decoded, derr := url.QueryUnescape(match); derr == nil {
				onlineMeetingID = decoded
			} else {
				onlineMeetingID = match
			}
		}
	}
	if onlineMeetingID == "" {
		return "", false, nil
	}
	_ = e.store.UpdateMeetingTranscript(ctx, m.UserID, m.ExternalMeetingID, store.TranscriptWrite{OnlineMeetingID: onlineMeetingID})
	return onlineMeetingID, true, nil
}

func (e *Engine) fetchFromAPI(ctx context.Context, m model.Meeting, onlineMeetingID string) (bool, error) {
	refs, err := e.calendar.ListTranscripts(ctx, m.UserID, onlineMeetingID)
	if err != nil {
		if kind, ok := tsicerrs.KindOf(err); ok && kind == tsicerrs.ProviderNotFound {
			return false, nil
		}
		return false, err
	}
	if len(refs) == 0 {
		return false, nil
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt.After(refs[j].CreatedAt) })
	newest := refs[0]

	content, err := e.calendar.FetchTranscriptContent(ctx, m.UserID, onlineMeetingID, newest.TranscriptID)
	if err != nil {
		if kind, ok := tsicerrs.KindOf(err); ok && kind == tsicerrs.ProviderNotFound {
			return false, nil
		}
		return false, err
	}
	if strings.TrimSpace(content) == "" {
		return false, nil
	}

	write := store.TranscriptWrite{
		Transcript:          content,
		TranscriptID:        newest.TranscriptID,
		TranscriptFetchedAt: e.now(),
		Source:              "online_meeting_api",
	}
	if notes, err := e.calendar.FetchRecapNotes(ctx, m.UserID, onlineMeetingID); err == nil && notes != "" {
		write.CopilotNotes = notes
	}
	if err := e.store.UpdateMeetingTranscript(ctx, m.UserID, m.ExternalMeetingID, write); err != nil {
		return false, err
	}
	e.maybeSummarize(ctx, m, content, write.CopilotNotes)
	return true, nil
}

func (e *Engine) fetchFromFallback(ctx context.Context, m model.Meeting) (bool, error) {
	files, err := e.calendar.SearchFiles(ctx, m.UserID, m.Title)
	if err != nil {
		return false, err
	}
	candidate, found := bestFallbackFile(files, m.Title)
	if !found {
		return false, nil
	}
	content, err := e.calendar.DownloadFile(ctx, m.UserID, candidate.ID)
	if err != nil {
		return false, err
	}
	if err := e.store.UpdateMeetingTranscript(ctx, m.UserID, m.ExternalMeetingID, store.TranscriptWrite{
		Transcript:          string(content),
		TranscriptFetchedAt: e.now(),
		Source:              "file_fallback",
	}); err != nil {
		return false, err
	}
	e.maybeSummarize(ctx, m, string(content), "")
	return true, nil
}

// bestFallbackFile applies the §4.4 filter rules: include {.vtt,.txt,.docx,
// .srt} or "transcript" in the name (case-insensitive); exclude media
// extensions outright; prefer newest, with a subject-match bonus.
func bestFallbackFile(files []FileRef, subject string) (FileRef, bool) {
	var candidates []FileRef
	for _, f := range files {
		ext := strings.ToLower(extOf(f.Name))
		if _, excluded := excludeExtensions[ext]; excluded {
			continue
		}
		_, included := includeExtensions[ext]
		mentionsTranscript := strings.Contains(strings.ToLower(f.Name), "transcript")
		if !included && !mentionsTranscript {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return FileRef{}, false
	}
	subjectLower := strings.ToLower(subject)
	sort.Slice(candidates, func(i, j int) bool {
		iMatch := subjectLower != "" && strings.Contains(strings.ToLower(candidates[i].Name), subjectLower)
		jMatch := subjectLower != "" && strings.Contains(strings.ToLower(candidates[j].Name), subjectLower)
		if iMatch != jMatch {
			return iMatch
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0], true
}

func extOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

func (e *Engine) maybeSummarize(ctx context.Context, m model.Meeting, transcript, copilotNotes string) {
	if copilotNotes != "" || e.summaries == nil {
		return
	}
	if err := e.summaries.SummarizeTranscript(ctx, m.UserID, m.ExternalMeetingID, transcript); err != nil {
		e.log.Warn().Err(err).Str("meeting_id", m.ExternalMeetingID).Msg("post-acquisition summary generation failed")
	}
}
