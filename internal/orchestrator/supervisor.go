// Package orchestrator implements the Sync Orchestrator (C7): a per-user
// worker supervisor that runs the four-step sync cycle (meetings,
// transcript enqueue, issues, code) immediately on start, periodically
// thereafter, and on demand, with per-user single-flight and step
// isolation.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/meetings"
	"github.com/tsic/core/internal/providers/calendar"
	"github.com/tsic/core/internal/store"
	"github.com/tsic/core/internal/tasks"
)

// Config carries the §4.7 tunables.
type Config struct {
	SyncInterval     time.Duration // default 15m
	MeetingsWindow   time.Duration // default 30 * 24h, forward-looking
	TranscriptWindow time.Duration // default 24h: meetings ended within this are candidates
	RecentWindow     time.Duration // default 5m: triggers aggressive retry (§4.4/§4.7 step 2)
	IssuesWindowDays int           // default 7
	CodeWindowDays   int           // default 7
	StopGrace        time.Duration // default 5s safe-stop expectation
}

// DefaultConfig returns the §4.7 defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:     15 * time.Minute,
		MeetingsWindow:   30 * 24 * time.Hour,
		TranscriptWindow: 24 * time.Hour,
		RecentWindow:     5 * time.Minute,
		IssuesWindowDays: 7,
		CodeWindowDays:   7,
		StopGrace:        5 * time.Second,
	}
}

// MeetingsIngester is the subset of C5 the cycle depends on.
type MeetingsIngester interface {
	Ingest(ctx context.Context, userID string, ev meetings.CalendarEvent) (model.Meeting, error)
}

// CalendarLister is the subset of the Calendar Client the cycle depends on.
type CalendarLister interface {
	ListEvents(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]calendar.Event, error)
}

// TranscriptEngine is the subset of C4 the cycle depends on.
type TranscriptEngine interface {
	Eligible(m model.Meeting) bool
	Enqueue(ctx context.Context, m model.Meeting, aggressive bool)
}

// TasksIngester is the subset of C6 the cycle depends on.
type TasksIngester interface {
	IngestIssues(ctx context.Context, userID string, windowDays int) (tasks.IngestStats, error)
	IngestCode(ctx context.Context, userID string, windowDays int) (tasks.IngestStats, error)
}

// Store is the subset of store.Store the cycle depends on.
type Store interface {
	ListMeetings(ctx context.Context, userID string, filter store.MeetingFilter) ([]model.Meeting, error)
}

// Events is C10's sync-completed and transcript-available topics.
type Events interface {
	PublishSyncCompleted(ctx context.Context, userID string, at time.Time, stats CycleStats)
	PublishTranscriptAvailable(ctx context.Context, userID, meetingID string)
}

// CycleStats is the §4.7 per_step_stats payload.
type CycleStats struct {
	MeetingsIngested    int
	MeetingsError       string
	TranscriptsEnqueued int
	TranscriptsError    string
	Issues              tasks.IngestStats
	IssuesError         string
	Code                tasks.IngestStats
	CodeError           string
}

// Supervisor runs one worker goroutine per active user session.
type Supervisor struct {
	appCtx context.Context
	cfg    Config

	meetings    MeetingsIngester
	calendar    CalendarLister
	transcripts TranscriptEngine
	tasksSvc    TasksIngester
	store       Store
	events      Events
	log         zerolog.Logger

	mu      sync.Mutex
	workers map[string]*userWorker
}

type userWorker struct {
	userID  string
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// New constructs the Sync Orchestrator. appCtx is the application-lifetime
// context: cancelling it stops every worker (app shutdown, §5).
func New(appCtx context.Context, cfg Config, meetingsSvc MeetingsIngester, cal CalendarLister, transcripts TranscriptEngine, tasksSvc TasksIngester, st Store, events Events, log zerolog.Logger) *Supervisor {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		appCtx:      appCtx,
		cfg:         cfg,
		meetings:    meetingsSvc,
		calendar:    cal,
		transcripts: transcripts,
		tasksSvc:    tasksSvc,
		store:       st,
		events:      events,
		log:         log,
		workers:     make(map[string]*userWorker),
	}
}

// StartUser begins a per-user worker: an immediate cycle, then periodic
// cycles every SyncInterval. A no-op if a worker is already running for
// userID.
func (s *Supervisor) StartUser(userID string) {
	s.mu.Lock()
	if _, exists := s.workers[userID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.appCtx)
	w := &userWorker{
		userID:  userID,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.workers[userID] = w
	s.mu.Unlock()

	go s.runWorker(ctx, w)
}

// StopUser cancels a single user's worker (session end, §5). Cancellable
// independently of app shutdown.
func (s *Supervisor) StopUser(userID string) {
	s.mu.Lock()
	w, ok := s.workers[userID]
	if ok {
		delete(s.workers, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(s.cfg.StopGrace):
		s.log.Warn().Str("user_id", userID).Msg("worker did not stop within grace period")
	}
}

// StopAll cancels every worker (app shutdown, §5), waiting up to StopGrace
// for all to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*userWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*userWorker)
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	deadline := time.After(s.cfg.StopGrace)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			s.log.Warn().Msg("app shutdown grace period elapsed with workers still running")
			return
		}
	}
}

// SyncNow forces an out-of-cycle sync for userID, coalescing with any
// already-pending trigger so repeated calls never queue more than one
// extra cycle (§4.7).
func (s *Supervisor) SyncNow(userID string) {
	s.mu.Lock()
	w, ok := s.workers[userID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) runWorker(ctx context.Context, w *userWorker) {
	defer close(w.done)

	s.runCycle(ctx, w.userID)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, w.userID)
		case <-w.trigger:
			s.runCycle(ctx, w.userID)
		}
	}
}

// runCycle executes the four ordered steps of §4.7. Each step's failure is
// logged and the cycle continues; the whole cycle is never aborted.
func (s *Supervisor) runCycle(ctx context.Context, userID string) {
	now := time.Now()
	var stats CycleStats

	s.stepMeetings(ctx, userID, now, &stats)
	s.stepTranscripts(ctx, userID, now, &stats)
	s.stepIssues(ctx, userID, &stats)
	s.stepCode(ctx, userID, &stats)

	if s.events != nil {
		s.events.PublishSyncCompleted(ctx, userID, now, stats)
	}
}

func (s *Supervisor) stepMeetings(ctx context.Context, userID string, now time.Time, stats *CycleStats) {
	events, err := s.calendar.ListEvents(ctx, userID, now, now.Add(s.cfg.MeetingsWindow))
	if err != nil {
		stats.MeetingsError = err.Error()
		s.log.Warn().Err(err).Str("user_id", userID).Msg("meetings cycle: calendar listing failed")
		return
	}
	for _, ev := range events {
		if _, err := s.meetings.Ingest(ctx, userID, toCalendarEvent(ev)); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Str("event_id", ev.ID).Msg("meetings cycle: ingest failed, skipping")
			continue
		}
		stats.MeetingsIngested++
	}
}

func (s *Supervisor) stepTranscripts(ctx context.Context, userID string, now time.Time, stats *CycleStats) {
	isImportant := true
	important, err := s.store.ListMeetings(ctx, userID, store.MeetingFilter{IsImportant: &isImportant})
	if err != nil {
		stats.TranscriptsError = err.Error()
		s.log.Warn().Err(err).Str("user_id", userID).Msg("transcript enqueue: meeting listing failed")
		return
	}
	for _, m := range important {
		if m.EndTime.After(now) {
			continue
		}
		age := now.Sub(m.EndTime)
		if age > s.cfg.TranscriptWindow {
			continue
		}
		if !s.transcripts.Eligible(m) {
			continue
		}
		aggressive := age <= s.cfg.RecentWindow
		s.transcripts.Enqueue(ctx, m, aggressive)
		stats.TranscriptsEnqueued++
	}
}

func (s *Supervisor) stepIssues(ctx context.Context, userID string, stats *CycleStats) {
	issueStats, err := s.tasksSvc.IngestIssues(ctx, userID, s.cfg.IssuesWindowDays)
	if err != nil {
		stats.IssuesError = err.Error()
		s.log.Warn().Err(err).Str("user_id", userID).Msg("issues cycle failed")
		return
	}
	stats.Issues = issueStats
}

func (s *Supervisor) stepCode(ctx context.Context, userID string, stats *CycleStats) {
	codeStats, err := s.tasksSvc.IngestCode(ctx, userID, s.cfg.CodeWindowDays)
	if err != nil {
		stats.CodeError = err.Error()
		s.log.Warn().Err(err).Str("user_id", userID).Msg("code cycle failed")
		return
	}
	stats.Code = codeStats
}
