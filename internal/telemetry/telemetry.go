// Package telemetry exports OpenTelemetry metrics for the sync cycle and
// transcript acquisition, by subscribing to C10's event bus rather than
// being threaded through the Sync Orchestrator or Transcript Acquisition
// Engine directly — neither component needs to know metrics exist.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsic/core/internal/eventbus"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/orchestrator"
)

// Metrics is a thin adapter over the global OpenTelemetry meter provider,
// lazily resolving instruments by name so a no-op meter (OTLP unconfigured)
// never errors the caller.
type Metrics struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// New constructs a Metrics adapter using the global meter named "tsic".
func New() *Metrics {
	return &Metrics{
		meter:    otel.Meter("tsic"),
		counters: make(map[string]metric.Int64Counter),
	}
}

// Subscribe registers this Metrics instance against bus's sync-completed and
// transcript-available topics. Call once during process wiring.
func (m *Metrics) Subscribe(bus *eventbus.Bus) {
	bus.SubscribeSyncCompleted(m.onSyncCompleted)
	bus.SubscribeTranscriptAvailable(m.onTranscriptAvailable)
}

func (m *Metrics) onSyncCompleted(ctx context.Context, userID string, _ time.Time, stats orchestrator.CycleStats) {
	m.add(ctx, "tsic_sync_meetings_ingested_total", int64(stats.MeetingsIngested), nil)
	m.add(ctx, "tsic_sync_transcripts_enqueued_total", int64(stats.TranscriptsEnqueued), nil)
	m.add(ctx, "tsic_sync_issues_upserted_total", int64(stats.Issues.IssuesUpserted), nil)
	m.add(ctx, "tsic_sync_prs_upserted_total", int64(stats.Issues.PRsUpserted+stats.Code.PRsUpserted), nil)
	m.add(ctx, "tsic_sync_commits_upserted_total", int64(stats.Code.CommitsUpserted), nil)
	for _, errMsg := range []string{stats.MeetingsError, stats.TranscriptsError, stats.IssuesError, stats.CodeError} {
		if errMsg != "" {
			m.add(ctx, "tsic_sync_step_errors_total", 1, nil)
		}
	}
}

func (m *Metrics) onTranscriptAvailable(ctx context.Context, _ string, _ string) {
	m.add(ctx, "tsic_transcript_acquired_total", 1, nil)
}

// RecordCredentialInvalidated is wired directly by main.go as a third
// subscriber, kept separate since it needs the service label.
func (m *Metrics) RecordCredentialInvalidated(ctx context.Context, _ string, service model.ServiceName, _ string) {
	m.add(ctx, "tsic_credential_invalidated_total", 1, map[string]string{"service": string(service)})
}

func (m *Metrics) add(ctx context.Context, name string, value int64, labels map[string]string) {
	if value == 0 {
		return
	}
	c, ok := m.counter(name)
	if !ok {
		return
	}
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

func (m *Metrics) counter(name string) (metric.Int64Counter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, true
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return c, false
	}
	m.counters[name] = c
	return c, true
}
