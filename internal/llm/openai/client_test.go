package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tsic/core/internal/config"
	"github.com/tsic/core/internal/llm"
)

func TestChatReturnsAssistantMessage(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"}
	cli := New(c, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := cli.Chat(ctx, []llm.Message{{Role: "user", Content: "hi"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("expected hello, got %q", msg.Content)
	}
}

func TestChatUsesModelOverrideOverConfigured(t *testing.T) {
	var gotBody string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(b)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "default-model"}
	cli := New(c, srv.Client())
	_, err := cli.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "override-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotBody, "override-model") {
		t.Fatalf("expected request to use override model, got %s", gotBody)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if firstNonEmpty("", "a", "b") != "a" {
		t.Fatalf("unexpected firstNonEmpty")
	}
	if firstNonEmpty("", "") != "" {
		t.Fatalf("expected empty result when all inputs are empty")
	}
}

func TestIsSelfHosted(t *testing.T) {
	cloud := &Client{baseURL: "https://api.openai.com/v1"}
	if cloud.isSelfHosted() {
		t.Fatal("expected OpenAI cloud base URL to not be self-hosted")
	}
	self := &Client{baseURL: "http://localhost:8080/v1"}
	if !self.isSelfHosted() {
		t.Fatal("expected local base URL to be self-hosted")
	}
	none := &Client{}
	if none.isSelfHosted() {
		t.Fatal("expected empty base URL to not be self-hosted")
	}
}

func TestTokenizeCountHitsSelfHostedEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tokens":[1,2,3,4]}`))
	}))
	defer srv.Close()

	c := config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "m"}
	cli := New(c, srv.Client())
	n := cli.tokenizeCount(context.Background(), "hello world")
	if n != 4 {
		t.Fatalf("expected 4 tokens, got %d", n)
	}
	if gotPath != "/tokenize" {
		t.Fatalf("expected /tokenize path, got %q", gotPath)
	}
}

func TestTokenizeCountSkippedForCloudBackend(t *testing.T) {
	cli := &Client{baseURL: "https://api.openai.com/v1", httpClient: http.DefaultClient}
	if n := cli.tokenizeCount(context.Background(), "hello"); n != 0 {
		t.Fatalf("expected 0 for non-self-hosted backend, got %d", n)
	}
}

// TestSelfHostedSSEHeaderInjection verifies that requests to self-hosted
// mlx_lm.server backends receive the Accept: text/event-stream header.
func TestSelfHostedSSEHeaderInjection(t *testing.T) {
	var gotAcceptHeader string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/chat/completions") {
			gotAcceptHeader = r.Header.Get("Accept")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	httpClient := &http.Client{Transport: &http.Transport{}}
	c := config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "test-model"}
	cli := New(c, httpClient)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Chat(ctx, []llm.Message{{Role: "user", Content: "test"}}, ""); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if gotAcceptHeader != "text/event-stream" {
		t.Errorf("expected Accept: text/event-stream header on /chat/completions, got %q", gotAcceptHeader)
	}
}
