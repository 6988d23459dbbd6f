package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/orchestrator"
)

// syncCompletedWire, transcriptAvailableWire, and credentialInvalidatedWire
// are the JSON envelopes written to Kafka. Producers on other processes
// only need to agree on this shape, not on Go types.
type syncCompletedWire struct {
	UserID string                  `json:"user_id"`
	At     time.Time               `json:"at"`
	Stats  orchestrator.CycleStats `json:"stats"`
}

type transcriptAvailableWire struct {
	UserID    string `json:"user_id"`
	MeetingID string `json:"meeting_id"`
}

type credentialInvalidatedWire struct {
	UserID  string            `json:"user_id"`
	Service model.ServiceName `json:"service"`
	Reason  string            `json:"reason"`
}

// KafkaBus fans out locally exactly like Bus, and additionally best-effort
// publishes each event as a JSON message to the matching Kafka topic for
// other processes in a horizontally-scaled deployment. A write failure is
// logged, never returned or retried — the in-process topics remain the
// authoritative, synchronous delivery path within this process; Kafka here
// is a durable side-channel, not the primary bus.
type KafkaBus struct {
	*Bus
	writer *kafkago.Writer
	log    zerolog.Logger
}

// NewKafkaBus wraps an in-process Bus with a Kafka producer. brokers and the
// topic names are expected to match those pre-created via EnsureTopics-style
// admin tooling; KafkaBus itself does not create topics.
func NewKafkaBus(local *Bus, brokers []string, log zerolog.Logger) *KafkaBus {
	return &KafkaBus{
		Bus: local,
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Balancer: &kafkago.LeastBytes{},
		},
		log: log,
	}
}

func (k *KafkaBus) PublishSyncCompleted(ctx context.Context, userID string, at time.Time, stats orchestrator.CycleStats) {
	k.Bus.PublishSyncCompleted(ctx, userID, at, stats)
	k.produce(ctx, TopicSyncCompleted, userID, syncCompletedWire{UserID: userID, At: at, Stats: stats})
}

func (k *KafkaBus) PublishTranscriptAvailable(ctx context.Context, userID, meetingID string) {
	k.Bus.PublishTranscriptAvailable(ctx, userID, meetingID)
	k.produce(ctx, TopicTranscriptAvailable, userID, transcriptAvailableWire{UserID: userID, MeetingID: meetingID})
}

func (k *KafkaBus) PublishCredentialInvalidated(ctx context.Context, userID string, service model.ServiceName, reason string) {
	k.Bus.PublishCredentialInvalidated(ctx, userID, service, reason)
	k.produce(ctx, TopicCredentialInvalidated, userID, credentialInvalidatedWire{UserID: userID, Service: service, Reason: reason})
}

func (k *KafkaBus) produce(ctx context.Context, topic, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		k.log.Warn().Err(err).Str("topic", topic).Msg("eventbus: failed to marshal event for kafka")
		return
	}
	err = k.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
	})
	if err != nil {
		k.log.Warn().Err(err).Str("topic", topic).Msg("eventbus: kafka publish failed, in-process subscribers already notified")
	}
}

// Close releases the underlying Kafka writer.
func (k *KafkaBus) Close() error {
	return k.writer.Close()
}
