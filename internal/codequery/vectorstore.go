// Package codequery implements the Code Query Adapter (C9): an embedding +
// vector-similarity lookup over indexed code chunks, with Qdrant as the
// primary backend and a Postgres/pgvector local cache as fallback.
package codequery

import "context"

// VectorResult is a single nearest-neighbor hit. Score is a cosine
// similarity in [-1,1], higher is closer.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorStore is the minimum interface a code-chunk index backend must
// satisfy. Both the Qdrant primary and the pgvector fallback implement it,
// so QueryCode can fail over between them without branching on backend type.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}
