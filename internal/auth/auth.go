// Package auth talks to the service's authentication endpoints and keeps
// credentials in the system keyring.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/version"
)

// Credentials is the persisted form of a session token.
type Credentials struct {
	Token    string    `json:"token"`
	UserID   string    `json:"user_id,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// HTTPError is a non-2xx answer from an authentication endpoint.
// Callers classify it; the manager never interprets the body.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("authentication endpoint returned %d", e.StatusCode)
}

// Manager performs login and token refresh exchanges.
type Manager struct {
	cfg        *config.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewManager creates a new auth manager.
func NewManager(cfg *config.Config, httpClient *http.Client) *Manager {
	return &Manager{cfg: cfg, httpClient: httpClient, now: time.Now}
}

// EnvToken returns STUDIO_TOKEN, which bypasses interactive login.
func EnvToken() string {
	return os.Getenv("STUDIO_TOKEN")
}

// Origin returns the credential-store origin for the configured service.
func (m *Manager) Origin() string {
	return config.NormalizeBaseURL(m.cfg.BaseURL)
}

// Login exchanges a username and password for a session token.
func (m *Manager) Login(ctx context.Context, username, password string) (*Credentials, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, m.cfg.LoginPath, "", body)
}

// Refresh presents the current (expiring) token and returns its replacement.
func (m *Manager) Refresh(ctx context.Context, token string) (*Credentials, error) {
	if token == "" {
		return nil, fmt.Errorf("no session token to refresh")
	}
	return m.exchange(ctx, m.cfg.RefreshPath, token, nil)
}

func (m *Manager) exchange(ctx context.Context, path, bearer string, body []byte) (*Credentials, error) {
	url := m.Origin() + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}
	}

	var tokenResp struct {
		Token       string          `json:"token"`
		AccessToken string          `json:"access_token"`
		UserID      json.RawMessage `json:"user_id"`
		User        struct {
			ID json.RawMessage `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("invalid %s response: %w", path, err)
	}

	creds := &Credentials{
		Token:    tokenResp.Token,
		UserID:   rawID(tokenResp.UserID),
		IssuedAt: m.now(),
	}
	if creds.Token == "" {
		creds.Token = tokenResp.AccessToken
	}
	if creds.UserID == "" {
		creds.UserID = rawID(tokenResp.User.ID)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("%s response did not include a token", path)
	}
	return creds, nil
}

// rawID accepts an identifier encoded as a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s, err := strconv.Unquote(string(raw)); err == nil {
		return s
	}
	return string(raw)
}
