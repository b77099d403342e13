package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "MAX_EMAILS", "DEFAULT_BATCH_SIZE", "HISTORY_RETENTION", "CLASSIFIER_TIMEOUT", "REDIS_URL", "DATABASE_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 1000, cfg.MaxEmails)
	assert.Equal(t, 50, cfg.DefaultBatchSize)
	assert.Equal(t, 100, cfg.HistoryRetention)
	assert.Equal(t, 30*time.Second, cfg.ClassifierTimeout)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.OAuthConfigured())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_EMAILS", "250")
	t.Setenv("CLASSIFIER_TIMEOUT", "5s")
	t.Setenv("LOG_REQUEST_BODIES", "true")
	t.Setenv("GMAIL_RATE_LIMIT", "2.5")
	t.Setenv("DEFAULT_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, 250, cfg.MaxEmails)
	assert.Equal(t, 5*time.Second, cfg.ClassifierTimeout)
	assert.True(t, cfg.LogBodies)
	assert.InDelta(t, 2.5, cfg.GmailRateLimit, 1e-9)
	assert.Equal(t, 50, cfg.DefaultBatchSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_EMAILS", "0")
	t.Setenv("HISTORY_RETENTION", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_EMAILS")
	assert.Contains(t, err.Error(), "HISTORY_RETENTION")
}

func TestLoadRejectsSettingsThatBreakBackgroundWork(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero report interval", map[string]string{"METRICS_REPORT_INTERVAL": "0s"}, "METRICS_REPORT_INTERVAL"},
		{"negative report interval", map[string]string{"METRICS_REPORT_INTERVAL": "-1m"}, "METRICS_REPORT_INTERVAL"},
		{"rate limit without burst", map[string]string{"GMAIL_RATE_LIMIT": "5", "GMAIL_RATE_BURST": "0"}, "GMAIL_RATE_BURST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAllowsZeroBurstWhenUnlimited(t *testing.T) {
	t.Setenv("GMAIL_RATE_LIMIT", "0")
	t.Setenv("GMAIL_RATE_BURST", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.GmailRateLimit)
}
