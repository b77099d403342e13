package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/config"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		GinMode:          "test",
		CORSOrigin:       "*",
		RequestTimeout:   time.Minute,
		OpenAIModel:      "gpt-4o-mini",
		ProgressTTL:      time.Hour,
		HistoryRetention: 100,
		MaxEmails:        1000,
		DefaultMaxEmails: 100,
		DefaultBatchSize: 50,
		MetricsInterval:  time.Hour,
	}
}

func get(t *testing.T, a *app, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestNewAppWithMemoryStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, http.StatusOK, get(t, a, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, a, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(t, a, "/api/v1/taxonomy").Code)

	w := get(t, a, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"gmail_circuit":"closed"`)
	assert.Contains(t, w.Body.String(), "fallbackRate")

	w = get(t, a, "/auth/login")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	w = get(t, a, "/auth/callback?state=x&code=y")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "missing Google OAuth2 client configuration")

	w = get(t, a, "/api/v1/progress/unknown")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestNewAppWithRedisProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, http.StatusOK, get(t, a, "/ready").Code)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a, "/ready").Code)
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleClientID = "id"
	cfg.GoogleClientSecret = "secret"
	cfg.GoogleRedirectURL = "http://localhost/auth/callback"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	w := get(t, a, "/auth/login")
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "accounts.google.com")
	assert.Contains(t, w.Header().Get("Set-Cookie"), stateCookie)

	w = get(t, a, "/auth/callback?state=forged&code=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
