package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env),
// applies the defaults from the Configuration table, then — if configPath
// is non-empty — layers a YAML override file on top for local development.
func Load(configPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("TSIC_POSTGRES_DSN"))
	cfg.Redis.Addr = strings.TrimSpace(firstNonEmpty(os.Getenv("TSIC_REDIS_ADDR"), "localhost:6379"))
	cfg.Redis.Password = os.Getenv("TSIC_REDIS_PASSWORD")
	cfg.Redis.DB = envInt("TSIC_REDIS_DB", 0)

	cfg.Qdrant.Addr = strings.TrimSpace(os.Getenv("TSIC_QDRANT_ADDR"))
	cfg.Qdrant.APIKey = os.Getenv("TSIC_QDRANT_API_KEY")
	cfg.Qdrant.Collection = firstNonEmpty(os.Getenv("TSIC_QDRANT_COLLECTION"), "code_chunks")

	cfg.Calendar.ClientID = os.Getenv("TSIC_CALENDAR_CLIENT_ID")
	cfg.Calendar.ClientSecret = os.Getenv("TSIC_CALENDAR_CLIENT_SECRET")
	cfg.Calendar.RedirectURL = os.Getenv("TSIC_CALENDAR_REDIRECT_URL")
	cfg.Calendar.AuthURL = os.Getenv("TSIC_CALENDAR_AUTH_URL")
	cfg.Calendar.TokenURL = os.Getenv("TSIC_CALENDAR_TOKEN_URL")
	cfg.Calendar.APIBaseURL = firstNonEmpty(os.Getenv("TSIC_CALENDAR_API_BASE_URL"), "https://graph.microsoft.com/v1.0")
	cfg.Calendar.Scopes = splitCSV(os.Getenv("TSIC_CALENDAR_SCOPES"))

	cfg.Issues.ClientID = os.Getenv("TSIC_ISSUES_CLIENT_ID")
	cfg.Issues.ClientSecret = os.Getenv("TSIC_ISSUES_CLIENT_SECRET")
	cfg.Issues.RedirectURL = os.Getenv("TSIC_ISSUES_REDIRECT_URL")
	cfg.Issues.AuthURL = os.Getenv("TSIC_ISSUES_AUTH_URL")
	cfg.Issues.TokenURL = os.Getenv("TSIC_ISSUES_TOKEN_URL")
	cfg.Issues.APIBaseURL = firstNonEmpty(os.Getenv("TSIC_ISSUES_API_BASE_URL"), "https://api.atlassian.com")
	cfg.Issues.SitesURL = firstNonEmpty(os.Getenv("TSIC_ISSUES_SITES_URL"), "https://api.atlassian.com/oauth/token/accessible-resources")
	cfg.Issues.Scopes = splitCSV(os.Getenv("TSIC_ISSUES_SCOPES"))

	cfg.CodeHost.AppID = os.Getenv("TSIC_CODEHOST_APP_ID")
	cfg.CodeHost.PrivateKeyPEM = os.Getenv("TSIC_CODEHOST_PRIVATE_KEY")
	cfg.CodeHost.AppBaseURL = firstNonEmpty(os.Getenv("TSIC_CODEHOST_BASE_URL"), "https://api.github.com")
	cfg.CodeHost.PersonalToken = os.Getenv("TSIC_CODEHOST_PERSONAL_TOKEN")

	cfg.LLM.Provider = firstNonEmpty(os.Getenv("TSIC_LLM_PROVIDER"), "anthropic")
	cfg.LLM.APIKey = os.Getenv("TSIC_LLM_API_KEY")
	cfg.LLM.Model = firstNonEmpty(os.Getenv("TSIC_LLM_MODEL"), "claude-sonnet-4-5")
	cfg.LLM.BaseURL = os.Getenv("TSIC_LLM_BASE_URL")
	cfg.LLM.Timeout = envSeconds("TSIC_LLM_TIMEOUT_SECONDS", 60*time.Second)

	cfg.Embedding.Provider = firstNonEmpty(os.Getenv("TSIC_EMBEDDING_PROVIDER"), "openai")
	cfg.Embedding.APIKey = os.Getenv("TSIC_EMBEDDING_API_KEY")
	cfg.Embedding.Model = firstNonEmpty(os.Getenv("TSIC_EMBEDDING_MODEL"), "text-embedding-3-small")
	cfg.Embedding.Dimensions = envInt("TSIC_EMBEDDING_DIMENSIONS", 1536)

	cfg.Sync.Interval = envSeconds("TSIC_SYNC_INTERVAL_SECONDS", 900*time.Second)
	cfg.Sync.WindowMeetingsForward = envSeconds("TSIC_SYNC_WINDOW_MEETINGS_FORWARD_SECONDS", 30*24*time.Hour)
	cfg.Sync.WindowUpdatesBack = envSeconds("TSIC_SYNC_WINDOW_UPDATES_BACK_SECONDS", 7*24*time.Hour)
	cfg.Sync.MaxConcurrentJobs = envInt("TSIC_SYNC_MAX_CONCURRENT_JOBS", 32)

	cfg.Transcript.InitialDelay = envSeconds("TSIC_TRANSCRIPT_INITIAL_DELAY_SECONDS", 120*time.Second)
	cfg.Transcript.MaxDelay = envSeconds("TSIC_TRANSCRIPT_MAX_DELAY_SECONDS", 1800*time.Second)
	cfg.Transcript.MaxAttempts = envInt("TSIC_TRANSCRIPT_MAX_ATTEMPTS", 10)
	cfg.Transcript.RecentWindow = envSeconds("TSIC_TRANSCRIPT_RECENT_WINDOW_SECONDS", 5*time.Minute)
	cfg.Transcript.EligibleWindow = envSeconds("TSIC_TRANSCRIPT_ELIGIBLE_WINDOW_SECONDS", 24*time.Hour)

	cfg.Context.CodeQueryLimit = envInt("TSIC_CODE_QUERY_LIMIT", 15)
	cfg.Context.CodeQueryMinSimilarity = envFloat("TSIC_CODE_QUERY_MIN_SIMILARITY", 0.20)
	cfg.Context.HistoryTurns = envInt("TSIC_HISTORY_TURNS", 20)

	cfg.Obs.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "tsic")
	cfg.Obs.ServiceVersion = os.Getenv("TSIC_SERVICE_VERSION")
	cfg.Obs.Environment = firstNonEmpty(os.Getenv("TSIC_ENVIRONMENT"), "development")
	cfg.Obs.OTLP = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	cfg.LogPath = os.Getenv("TSIC_LOG_PATH")
	cfg.LogLevel = firstNonEmpty(os.Getenv("TSIC_LOG_LEVEL"), "info")

	if configPath != "" {
		if err := applyYAMLOverride(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// applyYAMLOverride layers a local YAML file on top of env-derived values,
// for development convenience. Missing files are not an error.
func applyYAMLOverride(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
