package codequery

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgVectorCache is the local Postgres/pgvector fallback: a cache of chunk
// vectors queried when the Qdrant primary is unavailable. It owns its own
// table rather than reusing any other component's schema, since chunk
// metadata (file_path, chunk_type, ...) is domain-specific to code queries.
type pgVectorCache struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgVectorCache opens the local pgvector cache, creating its table if
// needed. dimensions must match the embedding model's output size.
func NewPgVectorCache(pool *pgxpool.Pool, dimensions int) (VectorStore, error) {
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("codequery: enable pgvector extension: %w", err)
	}
	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS code_chunk_vectors (
  id TEXT PRIMARY KEY,
  vec %s,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, vecType))
	if err != nil {
		return nil, fmt.Errorf("codequery: create code_chunk_vectors table: %w", err)
	}
	return &pgVectorCache{pool: pool, dimensions: dimensions}, nil
}

func (p *pgVectorCache) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO code_chunk_vectors(id, vec, metadata) VALUES($1, $2::vector, $3)
ON CONFLICT (id) DO UPDATE SET vec = EXCLUDED.vec, metadata = EXCLUDED.metadata
`, id, toVectorLiteral(vector), metadata)
	return err
}

func (p *pgVectorCache) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM code_chunk_vectors WHERE id = $1`, id)
	return err
}

func (p *pgVectorCache) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	vecLit := toVectorLiteral(vector)
	args := []any{vecLit, k}
	where := ""
	if len(filter) > 0 {
		where = "WHERE metadata @> $3"
		args = []any{vecLit, k, filter}
	}
	query := fmt.Sprintf(`SELECT id, 1 - (vec <=> $1::vector) AS score, metadata FROM code_chunk_vectors %s ORDER BY vec <=> $1::vector LIMIT $2`, where)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]VectorResult, 0, k)
	for rows.Next() {
		var r VectorResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
