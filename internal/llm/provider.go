package llm

import "context"

// Message is a single turn in a chat conversation exchanged with a Provider.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
}

// Provider is the single method the Meeting Transcript Processor (C5), the
// Context Assembly Engine (C8), and the Code Query Adapter (C9) depend on.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string) (Message, error)
}
