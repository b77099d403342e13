package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewGoogleOAuth2Config(t *testing.T) {
	_, err := NewGoogleOAuth2Config("id", "", "http://localhost/cb")
	assert.ErrorIs(t, err, ErrNotConfigured)

	conf, err := NewGoogleOAuth2Config("id", "secret", "http://localhost/cb")
	require.NoError(t, err)
	assert.Contains(t, conf.Scopes, ScopeGmailModify)
	assert.Contains(t, conf.Scopes, ScopeGmailLabels)
	assert.Contains(t, conf.AuthCodeURL("state"), "client_id=id")
}

func TestTokenClientSendsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	resp, err := TokenClient(context.Background(), "tok-1").Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer tok-1", got)
}

func TestExchangeCodeWithUserInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","email":"me@example.com","verified_email":true,"name":"Me"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conf := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	users := &UserInfoClient{Endpoint: srv.URL + "/userinfo", HTTPClient: srv.Client()}

	resp, err := ExchangeCodeWithUserInfo(context.Background(), conf, users, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", resp.AccessToken)
	assert.Equal(t, "rt-1", resp.RefreshToken)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)
	assert.Equal(t, "me@example.com", resp.UserInfo.Email)
}

func TestGetUserInfoRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	users := &UserInfoClient{Endpoint: srv.URL}
	_, err := users.GetUserInfo(context.Background(), &oauth2.Token{AccessToken: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
