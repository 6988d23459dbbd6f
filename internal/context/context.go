// Package ctxengine implements the Context Assembly Engine (C8): filtered
// retrieval across meetings, updates, and code, prompt construction with
// literal section headers and source attribution, and a bounded per-session
// conversation history.
package ctxengine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/llm"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/store"
)

const (
	defaultMeetingLimit = 10
	defaultUpdateLimit  = 20
	defaultHistoryTurns = 20
)

const systemPrompt = `You have access to three context categories: meetings, issue-tracker tasks, and code from the repository. Distinguish strictly:
- Issue tasks describe planned work; they are NOT evidence that code exists.
- Only code explicitly present under "Codebase Information" is evidence of implementation.
- If asked whether a feature described in a task is implemented, answer YES only when matching code is present under "Codebase Information"; otherwise answer NO and note that the task exists but no implementation is shown.
- Match response verbosity to question verbosity (greetings get brief replies).`

// Repository identifies a code repository by owner/name.
type Repository struct {
	Owner string
	Name  string
}

// FilteredContext is the explicit-selection option (§4.8). When passed to
// Ask, retrieval is exclusive to the listed ids/repositories per category —
// an empty sub-list means that category contributes nothing, it does NOT
// fall back to the default window.
type FilteredContext struct {
	MeetingIDs   []string
	TaskIDs      []string
	Repositories []Repository
}

// AskOptions carries the recognized §4.8 options.
type AskOptions struct {
	Filtered  *FilteredContext
	SessionID string
}

// Source is one mechanically-constructed entry in the response's sources
// array (§4.8) — built from the retrieved items directly, never parsed out
// of the LLM's answer text.
type Source struct {
	Type        string // "meeting" | "update" | "code"
	IDOrPath    string
	TitleOrName string
	Similarity  *float64
}

// ContextUsed reports how many items of each kind were retrieved.
type ContextUsed struct {
	Meetings   int
	Tasks      int
	CodeChunks int
}

// AskResult is the §4.8 public contract's return shape.
type AskResult struct {
	Answer      string
	Sources     []Source
	ContextUsed ContextUsed
}

// CodeChunk is one retrieved code snippet, delegated to C9.
type CodeChunk struct {
	FilePath   string
	ChunkType  string
	ChunkName  string
	StartLine  int
	Similarity float64
	Language   string
	Body       string
}

// CodeQueryResult is C9's per-repository retrieval result.
type CodeQueryResult struct {
	Chunks []CodeChunk
}

// CodeQuerier is the subset of C9 the Context Assembly Engine depends on.
type CodeQuerier interface {
	QueryCode(ctx context.Context, question string, repo Repository) (CodeQueryResult, error)
}

// Store is the subset of store.Store the Context Assembly Engine depends on.
type Store interface {
	ListMeetings(ctx context.Context, userID string, filter store.MeetingFilter) ([]model.Meeting, error)
	ListUpdates(ctx context.Context, userID string, filter store.UpdateFilter) ([]model.Update, error)
}

type conversationTurn struct {
	Question string
	Answer   string
}

// Service is the C8 Context Assembly Engine.
type Service struct {
	store        Store
	code         CodeQuerier
	provider     llm.Provider
	model        string
	historyTurns int
	log          zerolog.Logger

	mu      sync.Mutex
	history map[string][]conversationTurn
}

// New constructs the Context Assembly Engine. historyTurns <= 0 uses the
// §4.8 default of 20. provider may be nil, in which case Ask returns the
// retrieved sources and counts with an empty Answer (retrieval-only mode).
func New(st Store, code CodeQuerier, provider llm.Provider, model string, historyTurns int, log zerolog.Logger) *Service {
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Service{
		store:        st,
		code:         code,
		provider:     provider,
		model:        model,
		historyTurns: historyTurns,
		log:          log,
		history:      make(map[string][]conversationTurn),
	}
}

// Ask implements the §4.8 public contract.
func (s *Service) Ask(ctx context.Context, userID, question string, opts AskOptions) (AskResult, error) {
	meetings, updates, err := s.retrieveCore(ctx, userID, opts.Filtered)
	if err != nil {
		return AskResult{}, err
	}

	var chunks []CodeChunk
	var sources []Source
	if opts.Filtered != nil {
		for _, repo := range opts.Filtered.Repositories {
			if s.code == nil {
				continue
			}
			result, err := s.code.QueryCode(ctx, question, repo)
			if err != nil {
				s.log.Warn().Err(err).Str("owner", repo.Owner).Str("name", repo.Name).Msg("code query failed, skipping repository")
				continue
			}
			chunks = append(chunks, result.Chunks...)
		}
	}

	for _, m := range meetings {
		sources = append(sources, Source{Type: "meeting", IDOrPath: m.ExternalMeetingID, TitleOrName: m.Title})
	}
	for _, u := range updates {
		sources = append(sources, Source{Type: "update", IDOrPath: u.ExternalID, TitleOrName: u.Title})
	}
	for _, c := range chunks {
		sim := c.Similarity
		sources = append(sources, Source{Type: "code", IDOrPath: fmt.Sprintf("%s:%d", c.FilePath, c.StartLine), TitleOrName: c.ChunkName, Similarity: &sim})
	}

	if s.provider == nil {
		return AskResult{Sources: sources, ContextUsed: ContextUsed{Meetings: len(meetings), Tasks: len(updates), CodeChunks: len(chunks)}}, nil
	}

	history := s.historyFor(opts.SessionID)
	msgs := buildMessages(meetings, updates, chunks, question, history)

	resp, err := s.provider.Chat(ctx, msgs, s.model)
	if err != nil {
		return AskResult{}, tsicerrs.New(tsicerrs.ProviderTransient, "context.Ask", err)
	}

	if opts.SessionID != "" {
		s.appendHistory(opts.SessionID, question, resp.Content)
	}

	return AskResult{
		Answer:  resp.Content,
		Sources: sources,
		ContextUsed: ContextUsed{
			Meetings:   len(meetings),
			Tasks:      len(updates),
			CodeChunks: len(chunks),
		},
	}, nil
}

// retrieveCore implements the explicit-selection-vs-fallback rule of §4.8:
// a non-nil FilteredContext retrieves exactly the named meeting/task ids
// (an omitted sub-list contributes nothing); a nil FilteredContext falls
// back to the last 10 meetings and last 20 updates.
func (s *Service) retrieveCore(ctx context.Context, userID string, filter *FilteredContext) ([]model.Meeting, []model.Update, error) {
	if filter != nil {
		var meetings []model.Meeting
		if len(filter.MeetingIDs) > 0 {
			var err error
			meetings, err = s.store.ListMeetings(ctx, userID, store.MeetingFilter{IDs: filter.MeetingIDs})
			if err != nil {
				return nil, nil, tsicerrs.New(tsicerrs.StoreUnavailable, "context.retrieveCore", err)
			}
		}
		var updates []model.Update
		if len(filter.TaskIDs) > 0 {
			var err error
			updates, err = s.store.ListUpdates(ctx, userID, store.UpdateFilter{IDs: filter.TaskIDs})
			if err != nil {
				return nil, nil, tsicerrs.New(tsicerrs.StoreUnavailable, "context.retrieveCore", err)
			}
		}
		return meetings, updates, nil
	}

	meetings, err := s.store.ListMeetings(ctx, userID, store.MeetingFilter{Limit: defaultMeetingLimit})
	if err != nil {
		return nil, nil, tsicerrs.New(tsicerrs.StoreUnavailable, "context.retrieveCore", err)
	}
	updates, err := s.store.ListUpdates(ctx, userID, store.UpdateFilter{Limit: defaultUpdateLimit})
	if err != nil {
		return nil, nil, tsicerrs.New(tsicerrs.StoreUnavailable, "context.retrieveCore", err)
	}
	return meetings, updates, nil
}

func (s *Service) historyFor(sessionID string) []conversationTurn {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversationTurn(nil), s.history[sessionID]...)
}

func (s *Service) appendHistory(sessionID, question, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.history[sessionID], conversationTurn{Question: question, Answer: answer})
	if len(turns) > s.historyTurns {
		turns = turns[len(turns)-s.historyTurns:]
	}
	s.history[sessionID] = turns
}

// buildMessages assembles the §4.8 prompt: prior conversation turns, then a
// single user-role message composed of the three literal-header sections.
func buildMessages(meetings []model.Meeting, updates []model.Update, chunks []CodeChunk, question string, history []conversationTurn) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.Question})
		msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Answer})
	}

	var sb strings.Builder
	sb.WriteString("Recent Meetings:\n")
	for _, m := range meetings {
		if m.AISummary != "" {
			fmt.Fprintf(&sb, "- %s (%s) [Summary: %s]\n", m.Title, m.StartTime.Format("2006-01-02 15:04"), m.AISummary)
		} else {
			fmt.Fprintf(&sb, "- %s (%s)\n", m.Title, m.StartTime.Format("2006-01-02 15:04"))
		}
	}

	sb.WriteString("\nRecent Updates:\n")
	for _, u := range updates {
		fmt.Fprintf(&sb, "- [%s] %s\n", u.UpdateType, u.Title)
	}

	sb.WriteString("\nCodebase Information:\n")
	for _, c := range chunks {
		fmt.Fprintf(&sb, "%s:%d\n%s\n\n", c.FilePath, c.StartLine, c.Body)
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)

	msgs = append(msgs, llm.Message{Role: "user", Content: sb.String()})
	return msgs
}
