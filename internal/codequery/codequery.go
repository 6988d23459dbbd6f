package codequery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	ctxengine "github.com/tsic/core/internal/context"
	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/llm"
)

// Default retrieval parameters per §4.9.
const (
	DefaultSearchLimit   = 15
	DefaultMinSimilarity = 0.20
)

const answerSystemPrompt = `You answer questions about a codebase using only the code chunks provided below. If the chunks do not contain enough information to answer, say so plainly instead of guessing.`

// Config carries the §4.9 retrieval tunables.
type Config struct {
	SearchLimit   int
	MinSimilarity float64
}

// DefaultConfig returns the §4.9 defaults.
func DefaultConfig() Config {
	return Config{SearchLimit: DefaultSearchLimit, MinSimilarity: DefaultMinSimilarity}
}

// Source is one retrieved code chunk in the §4.9 contract shape. The field
// is always named "sources" at the call site, never "chunks" — the source
// system's historical confusion between the two is exactly what the
// contract forbids repeating.
type Source struct {
	FilePath   string  `json:"file_path"`
	ChunkType  string  `json:"chunk_type"`
	ChunkName  string  `json:"chunk_name"`
	StartLine  int     `json:"start_line"`
	Similarity float64 `json:"similarity"`
	Language   string  `json:"language"`
}

// Result is the §4.9 public contract's return shape.
type Result struct {
	AnswerOrNull *string
	Sources      []Source
	Confidence   float64
}

// Service is the C9 Code Query Adapter: embed the question, search the
// primary vector backend, fail over to the local cache, and optionally
// synthesize a focused answer over the retrieved chunks.
type Service struct {
	primary  VectorStore
	fallback VectorStore
	embedder Embedder
	provider llm.Provider
	model    string
	cfg      Config
	log      zerolog.Logger
}

// New constructs the Code Query Adapter. provider may be nil, in which case
// Query returns chunks with AnswerOrNull left nil (retrieval-only mode).
func New(primary, fallback VectorStore, embedder Embedder, provider llm.Provider, model string, cfg Config, log zerolog.Logger) *Service {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	return &Service{primary: primary, fallback: fallback, embedder: embedder, provider: provider, model: model, cfg: cfg, log: log}
}

// Query implements the §4.9 public contract for a single repository.
func (s *Service) Query(ctx context.Context, question string, repo ctxengine.Repository) (Result, error) {
	results, err := s.retrieve(ctx, question, repo)
	if err != nil {
		return Result{}, err
	}

	sources := make([]Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, toSource(r))
	}

	if len(sources) == 0 {
		return Result{AnswerOrNull: nil, Sources: nil, Confidence: 0}, nil
	}

	confidence := sources[0].Similarity

	if s.provider == nil {
		return Result{AnswerOrNull: nil, Sources: sources, Confidence: confidence}, nil
	}

	answer, err := s.synthesizeAnswer(ctx, question, results)
	if err != nil {
		s.log.Warn().Err(err).Str("owner", repo.Owner).Str("name", repo.Name).Msg("code query: answer synthesis failed, returning sources only")
		return Result{AnswerOrNull: nil, Sources: sources, Confidence: confidence}, nil
	}
	return Result{AnswerOrNull: &answer, Sources: sources, Confidence: confidence}, nil
}

// QueryCode adapts Query to ctxengine.CodeQuerier: raw retrieved chunks with
// no LLM synthesis, since the Context Assembly Engine performs its own
// synthesis over meetings, updates, and code together.
func (s *Service) QueryCode(ctx context.Context, question string, repo ctxengine.Repository) (ctxengine.CodeQueryResult, error) {
	results, err := s.retrieve(ctx, question, repo)
	if err != nil {
		return ctxengine.CodeQueryResult{}, err
	}
	chunks := make([]ctxengine.CodeChunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, toCodeChunk(r))
	}
	return ctxengine.CodeQueryResult{Chunks: chunks}, nil
}

func (s *Service) retrieve(ctx context.Context, question string, repo ctxengine.Repository) ([]VectorResult, error) {
	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.ProviderTransient, "codequery.retrieve", err)
	}

	filter := map[string]string{"owner": repo.Owner, "name": repo.Name}
	hits, err := s.primary.SimilaritySearch(ctx, vec, s.cfg.SearchLimit, filter)
	if err != nil {
		s.log.Warn().Err(err).Str("owner", repo.Owner).Str("name", repo.Name).Msg("code query: primary vector backend failed, falling back to local cache")
		if s.fallback == nil {
			return nil, tsicerrs.New(tsicerrs.ProviderTransient, "codequery.retrieve", err)
		}
		hits, err = s.fallback.SimilaritySearch(ctx, vec, s.cfg.SearchLimit, filter)
		if err != nil {
			return nil, tsicerrs.New(tsicerrs.ProviderTransient, "codequery.retrieve", err)
		}
	}

	filtered := make([]VectorResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < s.cfg.MinSimilarity {
			continue
		}
		filtered = append(filtered, h)
	}
	return filtered, nil
}

func (s *Service) synthesizeAnswer(ctx context.Context, question string, results []VectorResult) (string, error) {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "%s:%s\n%s\n\n", r.Metadata["file_path"], r.Metadata["start_line"], r.Metadata["body"])
	}
	msgs := []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: sb.String() + "\nQuestion: " + question},
	}
	resp, err := s.provider.Chat(ctx, msgs, s.model)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func toSource(r VectorResult) Source {
	startLine, _ := strconv.Atoi(r.Metadata["start_line"])
	return Source{
		FilePath:   r.Metadata["file_path"],
		ChunkType:  r.Metadata["chunk_type"],
		ChunkName:  r.Metadata["chunk_name"],
		StartLine:  startLine,
		Similarity: r.Score,
		Language:   r.Metadata["language"],
	}
}

func toCodeChunk(r VectorResult) ctxengine.CodeChunk {
	startLine, _ := strconv.Atoi(r.Metadata["start_line"])
	return ctxengine.CodeChunk{
		FilePath:   r.Metadata["file_path"],
		ChunkType:  r.Metadata["chunk_type"],
		ChunkName:  r.Metadata["chunk_name"],
		StartLine:  startLine,
		Similarity: r.Score,
		Language:   r.Metadata["language"],
		Body:       r.Metadata["body"],
	}
}
