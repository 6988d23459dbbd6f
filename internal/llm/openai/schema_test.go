package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tsic/core/internal/llm"
)

func TestAdaptMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: ""},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "final answer"},
	}
	out := AdaptMessages(msgs)
	if len(out) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(out))
	}
	// Marshal each to JSON and check for expected content types
	js0, _ := json.Marshal(out[0])
	if !strings.Contains(string(js0), "You are a helpful assistant.") {
		t.Fatalf("expected default system content in %s", string(js0))
	}
	js1, _ := json.Marshal(out[1])
	if !strings.Contains(string(js1), "hello") {
		t.Fatalf("expected user content in %s", string(js1))
	}
	js2, _ := json.Marshal(out[2])
	// assistant without content should have a placeholder (space)
	if !strings.Contains(string(js2), " ") {
		t.Fatalf("expected assistant content placeholder in %s", string(js2))
	}
	js3, _ := json.Marshal(out[3])
	if !strings.Contains(string(js3), "final answer") {
		t.Fatalf("expected assistant content in %s", string(js3))
	}
}

func TestAdaptMessagesSkipsUnknownRoles(t *testing.T) {
	out := AdaptMessages([]llm.Message{{Role: "tool", Content: "result"}})
	if len(out) != 0 {
		t.Fatalf("expected unrecognized roles to be skipped, got %d", len(out))
	}
}
