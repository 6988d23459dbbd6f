package codequery

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxengine "github.com/tsic/core/internal/context"
	"github.com/tsic/core/internal/llm"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeProvider struct {
	response string
}

func (f *fakeProvider) Chat(context.Context, []llm.Message, string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: f.response}, nil
}

func seedChunk(t *testing.T, store VectorStore, id string, vec []float32, metadata map[string]string) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), id, vec, metadata))
}

func TestQuery_ReturnsSourcesAboveMinSimilarity(t *testing.T) {
	primary := NewMemoryStore()
	seedChunk(t, primary, "c1", []float32{1, 0, 0}, map[string]string{
		"owner": "acme", "name": "widget", "file_path": "main.go", "chunk_type": "function",
		"chunk_name": "main", "start_line": "10", "language": "go", "body": "func main() {}",
	})
	seedChunk(t, primary, "c2", []float32{-1, 0, 0}, map[string]string{
		"owner": "acme", "name": "widget", "file_path": "other.go", "start_line": "1",
	})

	svc := New(primary, NewMemoryStore(), &fakeEmbedder{vec: []float32{1, 0, 0}}, nil, "", DefaultConfig(), zerolog.Nop())
	result, err := svc.Query(context.Background(), "what does main do?", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.NoError(t, err)

	require.Len(t, result.Sources, 1, "the anti-correlated chunk must be filtered by min_similarity")
	assert.Equal(t, "main.go", result.Sources[0].FilePath)
	assert.Equal(t, 10, result.Sources[0].StartLine)
	assert.Nil(t, result.AnswerOrNull, "no provider configured, answer must stay nil")
	assert.Greater(t, result.Confidence, 0.0)
}

func TestQuery_FallsBackWhenPrimarySearchFails(t *testing.T) {
	fallback := NewMemoryStore()
	seedChunk(t, fallback, "c1", []float32{1, 0, 0}, map[string]string{
		"owner": "acme", "name": "widget", "file_path": "main.go", "start_line": "1",
	})

	svc := New(&failingStore{}, fallback, &fakeEmbedder{vec: []float32{1, 0, 0}}, nil, "", DefaultConfig(), zerolog.Nop())
	result, err := svc.Query(context.Background(), "q", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
}

func TestQuery_ReturnsProviderTransientWhenFallbackNotConfigured(t *testing.T) {
	svc := New(&failingStore{}, nil, &fakeEmbedder{vec: []float32{1, 0, 0}}, nil, "", DefaultConfig(), zerolog.Nop())
	_, err := svc.Query(context.Background(), "q", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.Error(t, err, "a nil fallback must surface an error instead of panicking on primary failure")
}

func TestQuery_NoResultsYieldsNilAnswerAndZeroConfidence(t *testing.T) {
	svc := New(NewMemoryStore(), NewMemoryStore(), &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeProvider{response: "should not be called"}, "", DefaultConfig(), zerolog.Nop())
	result, err := svc.Query(context.Background(), "q", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.NoError(t, err)
	assert.Nil(t, result.AnswerOrNull)
	assert.Empty(t, result.Sources)
	assert.Zero(t, result.Confidence)
}

func TestQuery_SynthesizesAnswerWhenProviderConfigured(t *testing.T) {
	primary := NewMemoryStore()
	seedChunk(t, primary, "c1", []float32{1, 0, 0}, map[string]string{
		"owner": "acme", "name": "widget", "file_path": "main.go", "start_line": "1", "body": "func main() {}",
	})
	svc := New(primary, NewMemoryStore(), &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeProvider{response: "main is the entrypoint"}, "", DefaultConfig(), zerolog.Nop())

	result, err := svc.Query(context.Background(), "what is main?", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.NoError(t, err)
	require.NotNil(t, result.AnswerOrNull)
	assert.Equal(t, "main is the entrypoint", *result.AnswerOrNull)
}

func TestQueryCode_SatisfiesContextEngineAdapterWithNoSynthesis(t *testing.T) {
	primary := NewMemoryStore()
	seedChunk(t, primary, "c1", []float32{1, 0, 0}, map[string]string{
		"owner": "acme", "name": "widget", "file_path": "main.go", "start_line": "5", "chunk_name": "main",
	})
	svc := New(primary, NewMemoryStore(), &fakeEmbedder{vec: []float32{1, 0, 0}}, &fakeProvider{response: "unused"}, "", DefaultConfig(), zerolog.Nop())

	var querier ctxengine.CodeQuerier = svc
	result, err := querier.QueryCode(context.Background(), "q", ctxengine.Repository{Owner: "acme", Name: "widget"})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "main", result.Chunks[0].ChunkName)
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (failingStore) Delete(context.Context, string) error                               { return nil }
func (failingStore) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, errPrimaryUnavailable
}

var errPrimaryUnavailable = errors.New("primary vector backend unavailable")
