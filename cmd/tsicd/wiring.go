package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tsic/core/internal/codequery"
	"github.com/tsic/core/internal/config"
	"github.com/tsic/core/internal/llm"
)

// buildCodeQuery wires the Code Query Adapter (C9): Qdrant as the primary
// vector backend when configured, a local pgvector cache as the fallback,
// and an in-memory store for local development when neither is reachable.
// When only the pgvector cache is reachable it serves as the sole backend.
// Wiring failures are logged and degrade to the in-memory store rather than
// aborting startup — C9 is best-effort infrastructure for the Context
// Assembly Engine, not a hard dependency of the sync cycle.
func buildCodeQuery(cfg config.Config, llmProvider llm.Provider, log zerolog.Logger) *codequery.Service {
	var primary, fallback codequery.VectorStore

	if cfg.Qdrant.Addr != "" {
		dsn := cfg.Qdrant.Addr
		if cfg.Qdrant.APIKey != "" {
			dsn = dsn + "?api_key=" + cfg.Qdrant.APIKey
		}
		qs, err := codequery.NewQdrantStore(dsn, cfg.Qdrant.Collection, cfg.Embedding.Dimensions)
		if err != nil {
			log.Warn().Err(err).Msg("code query: qdrant unavailable, falling back")
		} else {
			primary = qs
		}
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("code query: pgvector cache pool open failed")
		} else if cache, err := codequery.NewPgVectorCache(pool, cfg.Embedding.Dimensions); err != nil {
			log.Warn().Err(err).Msg("code query: pgvector cache unavailable")
		} else {
			fallback = cache
		}
	}

	if primary == nil {
		primary, fallback = fallback, nil
	}
	if primary == nil {
		primary = codequery.NewMemoryStore()
	}

	embedder := codequery.NewHTTPEmbedder(embeddingHost(cfg), cfg.Embedding.APIKey, cfg.Embedding.Model)

	return codequery.New(primary, fallback, embedder, llmProvider, cfg.LLM.Model, codequery.DefaultConfig(), log)
}

func embeddingHost(cfg config.Config) string {
	base := cfg.LLM.BaseURL
	if cfg.Embedding.Provider == "openai" || cfg.Embedding.Provider == "" {
		base = "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(base, "/") + "/embeddings"
}

// parseRSAPrivateKey decodes a PEM-encoded PKCS1 or PKCS8 RSA private key,
// the format the code host app's private key is distributed in.
func parseRSAPrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("app private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("app private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("app private key: not an RSA key")
	}
	return key, nil
}
