package codequery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

// httpEmbedder calls an OpenAI-compatible embeddings endpoint (self-hosted
// or OpenAI itself) for a single query string at a time.
type httpEmbedder struct {
	host   string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPEmbedder builds an Embedder against any OpenAI-compatible
// embeddings endpoint.
func NewHTTPEmbedder(host, apiKey, model string) Embedder {
	return &httpEmbedder{host: host, apiKey: apiKey, model: model, client: &http.Client{}}
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Input:          []string{text},
		Model:          e.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("codequery: embedding request failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("codequery: embedding response contained no data")
	}
	return parsed.Data[0].Embedding, nil
}
