package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearTSICEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 900*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.WindowMeetingsForward)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.WindowUpdatesBack)
	assert.Equal(t, 32, cfg.Sync.MaxConcurrentJobs)

	assert.Equal(t, 120*time.Second, cfg.Transcript.InitialDelay)
	assert.Equal(t, 1800*time.Second, cfg.Transcript.MaxDelay)
	assert.Equal(t, 10, cfg.Transcript.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Transcript.RecentWindow)
	assert.Equal(t, 24*time.Hour, cfg.Transcript.EligibleWindow)

	assert.Equal(t, 15, cfg.Context.CodeQueryLimit)
	assert.InDelta(t, 0.20, cfg.Context.CodeQueryMinSimilarity, 1e-9)
	assert.Equal(t, 20, cfg.Context.HistoryTurns)
}

func TestLoad_EnvOverride(t *testing.T) {
	clearTSICEnv(t)
	t.Setenv("TSIC_SYNC_INTERVAL_SECONDS", "60")
	t.Setenv("TSIC_TRANSCRIPT_MAX_ATTEMPTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Transcript.MaxAttempts)
}

func TestLoad_YAMLOverrideMissingFileIsNotError(t *testing.T) {
	clearTSICEnv(t)
	_, err := Load("/nonexistent/path/to/config.yaml")
	require.NoError(t, err)
}

func clearTSICEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 5 && e[:5] == "TSIC_" {
			key := e[:indexByte(e, '=')]
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
