// Command tsicd is the Team Sync Intelligence Core daemon: it wires the
// Store Adapter, Credential Store, Provider Clients, Transcript Acquisition
// Engine, Meeting and Task Intelligence, the Sync Orchestrator, the Context
// Assembly Engine, and the Event Bus into one headless process, then
// exposes a small HTTP surface for session lifecycle and question-asking.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsic/core/internal/config"
	ctxengine "github.com/tsic/core/internal/context"
	"github.com/tsic/core/internal/credentials"
	"github.com/tsic/core/internal/eventbus"
	"github.com/tsic/core/internal/llm"
	"github.com/tsic/core/internal/llm/anthropic"
	"github.com/tsic/core/internal/llm/openai"
	"github.com/tsic/core/internal/logging"
	"github.com/tsic/core/internal/meetings"
	"github.com/tsic/core/internal/model"
	"github.com/tsic/core/internal/observability"
	"github.com/tsic/core/internal/orchestrator"
	"github.com/tsic/core/internal/providers/calendar"
	"github.com/tsic/core/internal/providers/codehost"
	"github.com/tsic/core/internal/providers/issues"
	"github.com/tsic/core/internal/store"
	"github.com/tsic/core/internal/tasks"
	"github.com/tsic/core/internal/telemetry"
	"github.com/tsic/core/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "optional YAML override file layered on top of env vars")
	addr := flag.String("addr", ":8090", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsicd: config load: %v\n", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogPath, cfg.LogLevel)

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without tracing/metrics export")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	st, err := buildStore(appCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	bus := eventbus.New(log)
	var events eventbus.Publisher = bus
	if brokers := strings.TrimSpace(os.Getenv("TSIC_KAFKA_BROKERS")); brokers != "" {
		events = eventbus.NewKafkaBus(bus, strings.Split(brokers, ","), log)
	}

	metrics := telemetry.New()
	metrics.Subscribe(bus)
	bus.SubscribeCredentialInvalidated(metrics.RecordCredentialInvalidated)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lock := credentials.NewRedisLock(redisClient)

	refreshers := map[model.ServiceName]credentials.Refresher{
		model.ServiceCalendar: credentials.NewOAuthRefresher(cfg.Calendar.ClientID, cfg.Calendar.ClientSecret, cfg.Calendar.TokenURL),
		model.ServiceIssues:   credentials.NewOAuthRefresher(cfg.Issues.ClientID, cfg.Issues.ClientSecret, cfg.Issues.TokenURL),
	}
	switch {
	case cfg.CodeHost.PersonalToken != "":
		refreshers[model.ServiceCode] = credentials.PersonalTokenRefresher{}
	case cfg.CodeHost.PrivateKeyPEM != "":
		key, err := parseRSAPrivateKey(cfg.CodeHost.PrivateKeyPEM)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse code host app private key")
		}
		refreshers[model.ServiceCode] = &credentials.AppInstallationRefresher{
			AppID:          cfg.CodeHost.AppID,
			PrivateKey:     key,
			TokenURLFormat: cfg.CodeHost.AppBaseURL + "/app/installations/%s/access_tokens",
			HTTPClient:     observability.NewHTTPClient(nil),
		}
	}

	creds := credentials.New(st, lock, refreshers, events, log)

	calClient := calendar.New(cfg.Calendar.APIBaseURL, creds)
	issuesClient := issues.New(cfg.Issues.APIBaseURL, cfg.Issues.SitesURL, creds, creds)
	codeClient := codehost.New(cfg.CodeHost.AppBaseURL, creds)

	llmProvider := buildLLMProvider(cfg)

	calAdapter := orchestrator.NewCalendarAdapter(calClient, "")
	meetingsSvc := meetings.New(st, llmProvider, cfg.LLM.Model, log)

	transcriptCfg := transcript.Config{
		InitialDelay:   cfg.Transcript.InitialDelay,
		MaxDelay:       cfg.Transcript.MaxDelay,
		MaxAttempts:    cfg.Transcript.MaxAttempts,
		RecentWindow:   cfg.Transcript.RecentWindow,
		EligibleWindow: cfg.Transcript.EligibleWindow,
		MaxConcurrent:  int64(cfg.Sync.MaxConcurrentJobs),
	}
	transcriptEngine := transcript.New(st, calAdapter, meetingsSvc, events, transcriptCfg, log)

	tasksSvc := tasks.New(st, issuesClient, codeClient, log)

	codeQuery := buildCodeQuery(cfg, llmProvider, log)
	ctxSvc := ctxengine.New(st, codeQuery, llmProvider, cfg.LLM.Model, cfg.Context.HistoryTurns, log)

	orchCfg := orchestrator.Config{
		SyncInterval:     cfg.Sync.Interval,
		MeetingsWindow:   cfg.Sync.WindowMeetingsForward,
		TranscriptWindow: cfg.Transcript.EligibleWindow,
		RecentWindow:     cfg.Transcript.RecentWindow,
		IssuesWindowDays: int(cfg.Sync.WindowUpdatesBack.Hours() / 24),
		CodeWindowDays:   int(cfg.Sync.WindowUpdatesBack.Hours() / 24),
		StopGrace:        5 * time.Second,
	}
	supervisor := orchestrator.New(appCtx, orchCfg, meetingsSvc, calClient, transcriptEngine, tasksSvc, st, events, log)

	srv := newServer(supervisor, ctxSvc)
	httpServer := &http.Server{Addr: *addr, Handler: srv}

	go func() {
		log.Info().Str("addr", *addr).Msg("tsicd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	supervisor.StopAll()
	cancelApp()
}

// buildStore opens the Postgres-backed Store Adapter, falling back to the
// in-memory implementation for local development when no DSN is configured.
func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		return store.NewMemory(), nil
	}
	return store.OpenPostgres(ctx, cfg.Postgres.DSN)
}

// buildLLMProvider selects the Anthropic or OpenAI-compatible client; both
// satisfy the shared llm.Provider interface C5/C8/C9 consume. A nil
// provider (no API key configured) runs the Context Assembly Engine and
// Code Query Adapter in retrieval-only mode.
func buildLLMProvider(cfg config.Config) llm.Provider {
	if cfg.LLM.APIKey == "" {
		return nil
	}
	httpClient := observability.NewHTTPClient(nil)
	if cfg.LLM.Provider == "openai" {
		return openai.New(config.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
		}, httpClient)
	}
	return anthropic.New(config.AnthropicConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
	}, httpClient)
}
