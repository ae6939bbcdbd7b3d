package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.IngestBatchSize)
	assert.Equal(t, 30*time.Second, cfg.IngestPollInterval)
	assert.Equal(t, 2*time.Second, cfg.IngestRetryBase)
	assert.Equal(t, 60*time.Second, cfg.IngestRetryMax)
	assert.Equal(t, 0, cfg.IngestMaxTotalFetch)
	assert.False(t, cfg.IngestResolveMedia)
	assert.Equal(t, 15*time.Second, cfg.ResolverTimeout)
	assert.Equal(t, time.Second, cfg.ResolverPollInterval)
	assert.Equal(t, 3100, cfg.HTTPPort)
	assert.Equal(t, 8, cfg.DBMaxConns)
	assert.InDelta(t, 2.0, cfg.TGRPS, 0)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 50, cfg.LogMaxSizeMB)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("INGEST_CHANNEL", "@quran_audio")
	t.Setenv("INGEST_BATCH_SIZE", "20")
	t.Setenv("INGEST_POLL_INTERVAL", "2m")
	t.Setenv("INGEST_RETRY_BASE", "1")
	t.Setenv("INGEST_RESOLVE_MEDIA", "true")
	t.Setenv("TG_BOT_TOKEN", "123:abc")
	t.Setenv("TG_API_ID", "12345")
	t.Setenv("TG_RPS", "0.5")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "@quran_audio", cfg.IngestChannel)
	assert.Equal(t, 20, cfg.IngestBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.IngestPollInterval)
	assert.Equal(t, time.Second, cfg.IngestRetryBase)
	assert.True(t, cfg.IngestResolveMedia)
	assert.Equal(t, 12345, cfg.TGApiID)
	assert.InDelta(t, 0.5, cfg.TGRPS, 0)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("INGEST_BATCH_SIZE", "many")
	t.Setenv("INGEST_POLL_INTERVAL", "soon")
	t.Setenv("INGEST_RESOLVE_MEDIA", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.IngestBatchSize)
	assert.Equal(t, 30*time.Second, cfg.IngestPollInterval)
	assert.False(t, cfg.IngestResolveMedia)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"batch too large", map[string]string{"INGEST_BATCH_SIZE": "500"}, "INGEST_BATCH_SIZE"},
		{"negative cap", map[string]string{"INGEST_MAX_TOTAL_FETCH": "-1"}, "INGEST_MAX_TOTAL_FETCH"},
		{"retry base above max", map[string]string{"INGEST_RETRY_BASE": "2m"}, "INGEST_RETRY_BASE"},
		{"resolve without bot", map[string]string{"INGEST_RESOLVE_MEDIA": "1"}, "TG_BOT_TOKEN"},
		{"zero pool", map[string]string{"DB_MAX_CONNS": "0"}, "DB_MAX_CONNS"},
		{"negative rps", map[string]string{"TG_RPS": "-0.5"}, "TG_RPS"},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
