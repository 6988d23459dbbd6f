package llm

import (
	"context"
	"testing"
)

// fake provider implementing Provider interface
type fakeProvider struct {
	resp Message
	err  error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []Message, model string) (Message, error) {
	// simple echo behavior: return last user message as assistant reply
	if f.err != nil {
		return Message{}, f.err
	}
	if len(msgs) == 0 {
		return f.resp, nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return Message{Role: "assistant", Content: msgs[i].Content}, nil
		}
	}
	return f.resp, nil
}

func TestFakeProviderChat(t *testing.T) {
	p := &fakeProvider{resp: Message{Role: "assistant", Content: "ok"}}
	msg, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Role != "assistant" {
		t.Fatalf("expected assistant role, got %s", msg.Role)
	}
	if msg.Content != "hello" {
		t.Fatalf("expected echo content 'hello', got %q", msg.Content)
	}
}

func TestFakeProviderChatPropagatesError(t *testing.T) {
	p := &fakeProvider{err: context.DeadlineExceeded}
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, "")
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}
