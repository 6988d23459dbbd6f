// Package eventbus implements the Event Bus (C10): a typed, in-process
// pub/sub registry for the three topics named in §4.10, plus an optional
// Kafka-backed variant (kafka.go) for multi-process deployments behind the
// same Publisher contract.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/orchestrator"
)

// Topic names match §4.10 literally; other components reference these
// constants rather than the bare strings.
const (
	TopicSyncCompleted         = "sync-completed"
	TopicTranscriptAvailable   = "transcript-available"
	TopicCredentialInvalidated = "credential-invalidated"
)

type SyncCompletedHandler func(ctx context.Context, userID string, at time.Time, stats orchestrator.CycleStats)
type TranscriptAvailableHandler func(ctx context.Context, userID, meetingID string)
type CredentialInvalidatedHandler func(ctx context.Context, userID string, service model.ServiceName, reason string)

// Publisher is what every emitting component (C7, C4, C2) depends on. A
// Kafka-backed Bus implements the same contract as the in-process one.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, userID string, at time.Time, stats orchestrator.CycleStats)
	PublishTranscriptAvailable(ctx context.Context, userID, meetingID string)
	PublishCredentialInvalidated(ctx context.Context, userID string, service model.ServiceName, reason string)
}

// Bus is the in-process pub/sub registry. Delivery is best-effort
// synchronous fan-out on the emitting goroutine: Publish calls every
// registered handler in turn and returns only once all have run, so a
// slow or panicking subscriber is that subscriber's own problem, not the
// bus's. The subscriber lists are copy-on-write, since subscribe/
// unsubscribe are rare relative to publish.
type Bus struct {
	mu sync.RWMutex

	syncCompleted         []SyncCompletedHandler
	transcriptAvailable   []TranscriptAvailableHandler
	credentialInvalidated []CredentialInvalidatedHandler

	log zerolog.Logger
}

// New constructs an empty in-process bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// SubscribeSyncCompleted registers h and returns a func that removes it.
func (b *Bus) SubscribeSyncCompleted(h SyncCompletedHandler) func() {
	b.mu.Lock()
	idx := len(b.syncCompleted)
	b.syncCompleted = append(append([]SyncCompletedHandler(nil), b.syncCompleted...), h)
	b.mu.Unlock()
	return func() { b.removeSyncCompleted(idx) }
}

func (b *Bus) removeSyncCompleted(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.syncCompleted) {
		return
	}
	next := make([]SyncCompletedHandler, 0, len(b.syncCompleted)-1)
	next = append(next, b.syncCompleted[:idx]...)
	next = append(next, b.syncCompleted[idx+1:]...)
	b.syncCompleted = next
}

// SubscribeTranscriptAvailable registers h and returns a func that removes it.
func (b *Bus) SubscribeTranscriptAvailable(h TranscriptAvailableHandler) func() {
	b.mu.Lock()
	idx := len(b.transcriptAvailable)
	b.transcriptAvailable = append(append([]TranscriptAvailableHandler(nil), b.transcriptAvailable...), h)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < 0 || idx >= len(b.transcriptAvailable) {
			return
		}
		next := make([]TranscriptAvailableHandler, 0, len(b.transcriptAvailable)-1)
		next = append(next, b.transcriptAvailable[:idx]...)
		next = append(next, b.transcriptAvailable[idx+1:]...)
		b.transcriptAvailable = next
	}
}

// SubscribeCredentialInvalidated registers h and returns a func that removes it.
func (b *Bus) SubscribeCredentialInvalidated(h CredentialInvalidatedHandler) func() {
	b.mu.Lock()
	idx := len(b.credentialInvalidated)
	b.credentialInvalidated = append(append([]CredentialInvalidatedHandler(nil), b.credentialInvalidated...), h)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < 0 || idx >= len(b.credentialInvalidated) {
			return
		}
		next := make([]CredentialInvalidatedHandler, 0, len(b.credentialInvalidated)-1)
		next = append(next, b.credentialInvalidated[:idx]...)
		next = append(next, b.credentialInvalidated[idx+1:]...)
		b.credentialInvalidated = next
	}
}

func (b *Bus) PublishSyncCompleted(ctx context.Context, userID string, at time.Time, stats orchestrator.CycleStats) {
	b.mu.RLock()
	handlers := b.syncCompleted
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, userID, at, stats)
	}
}

func (b *Bus) PublishTranscriptAvailable(ctx context.Context, userID, meetingID string) {
	b.mu.RLock()
	handlers := b.transcriptAvailable
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, userID, meetingID)
	}
}

func (b *Bus) PublishCredentialInvalidated(ctx context.Context, userID string, service model.ServiceName, reason string) {
	b.mu.RLock()
	handlers := b.credentialInvalidated
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, userID, service, reason)
	}
}
