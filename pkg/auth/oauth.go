package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	ScopeGmailModify  = "https://www.googleapis.com/auth/gmail.modify"
	ScopeGmailLabels  = "https://www.googleapis.com/auth/gmail.labels"
	GoogleUserInfoAPI = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// ErrNotConfigured is returned when the Google client credentials are missing.
var ErrNotConfigured = errors.New("missing Google OAuth2 client configuration")

// UserInfo represents the user information from Google OAuth
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// AuthResponse is returned to the client after a successful code exchange.
type AuthResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	UserInfo     *UserInfo `json:"user_info"`
}

// NewGoogleOAuth2Config builds the OAuth2 config for reading messages and
// managing labels.
func NewGoogleOAuth2Config(clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, ErrNotConfigured
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{ScopeGmailModify, ScopeGmailLabels, "openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}, nil
}

// TokenClient returns an HTTP client that sends accessToken as a bearer token.
// The token is not refreshed; callers re-authenticate when it expires.
func TokenClient(ctx context.Context, accessToken string) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	return oauth2.NewClient(ctx, ts)
}

// UserInfoClient fetches the Google profile of a token's owner.
type UserInfoClient struct {
	Endpoint   string
	HTTPClient *http.Client
}

// GetUserInfo retrieves user information using the access token
func (u *UserInfoClient) GetUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	endpoint := u.Endpoint
	if endpoint == "" {
		endpoint = GoogleUserInfoAPI
	}
	client := u.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &info, nil
}

// ExchangeCodeWithUserInfo exchanges code for token and retrieves user info
func ExchangeCodeWithUserInfo(ctx context.Context, conf *oauth2.Config, users *UserInfoClient, code string) (*AuthResponse, error) {
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	info, err := users.GetUserInfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("getting user info: %w", err)
	}

	resp := &AuthResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		UserInfo:     info,
	}
	if !token.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	return resp, nil
}
