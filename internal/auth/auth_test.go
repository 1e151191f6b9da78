package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/basecamp/studio-cli/internal/config"
)

func TestStoreFileBackend(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewFileStore(tmpDir)

	origin := "https://studio.example.com"
	creds := Credentials{Token: "tok-1", UserID: "42", IssuedAt: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, store.Put(origin, EntrySession, creds))

	info, err := os.Stat(filepath.Join(tmpDir, "credentials.json"))
	require.NoError(t, err, "Credentials file not created")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var loaded Credentials
	require.NoError(t, store.Get(origin, EntrySession, &loaded))
	assert.Equal(t, creds, loaded)
	assert.False(t, store.UsingKeyring())
}

func TestStoreEntriesAreIndependent(t *testing.T) {
	store := NewFileStore(t.TempDir())
	origin := "https://studio.example.com"

	require.NoError(t, store.Put(origin, EntrySession, Credentials{Token: "tok"}))
	require.NoError(t, store.Put(origin, EntryPlatformKeys, map[string]string{"openai": "sk-1"}))
	require.NoError(t, store.Remove(origin, EntrySession))

	var creds Credentials
	assert.ErrorIs(t, store.Get(origin, EntrySession, &creds), ErrNotFound)

	var keys map[string]string
	require.NoError(t, store.Get(origin, EntryPlatformKeys, &keys))
	assert.Equal(t, "sk-1", keys["openai"])
}

func TestStoreMultipleOrigins(t *testing.T) {
	store := NewFileStore(t.TempDir())

	require.NoError(t, store.Put("https://a.example.com", EntrySession, Credentials{Token: "a"}))
	require.NoError(t, store.Put("https://b.example.com", EntrySession, Credentials{Token: "b"}))

	var a, b Credentials
	require.NoError(t, store.Get("https://a.example.com", EntrySession, &a))
	require.NoError(t, store.Get("https://b.example.com", EntrySession, &b))
	assert.Equal(t, "a", a.Token)
	assert.Equal(t, "b", b.Token)
}

func TestStoreRemoveMissingIsNoop(t *testing.T) {
	store := NewFileStore(t.TempDir())
	assert.NoError(t, store.Remove("https://nowhere.example.com", EntrySession))
}

func TestStoreGetMissing(t *testing.T) {
	store := NewFileStore(t.TempDir())
	var creds Credentials
	assert.ErrorIs(t, store.Get("https://studio.example.com", EntrySession, &creds), ErrNotFound)
}

func TestStoreConcurrentPuts(t *testing.T) {
	store := NewFileStore(t.TempDir())
	origin := "https://studio.example.com"

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := "entry-" + string(rune('a'+i))
			assert.NoError(t, store.Put(origin, entry, i))
		}()
	}
	wg.Wait()

	for i := range 10 {
		var got int
		require.NoError(t, store.Get(origin, "entry-"+string(rune('a'+i)), &got))
		assert.Equal(t, i, got)
	}
}

func TestStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.json"), []byte("{nope"), 0600))

	store := NewFileStore(dir)
	var creds Credentials
	err := store.Get("https://studio.example.com", EntrySession, &creds)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStoreKeyringBackend(t *testing.T) {
	keyring.MockInit()
	t.Setenv("STUDIO_NO_KEYRING", "")

	store := NewStore(t.TempDir())
	require.True(t, store.UsingKeyring())

	origin := "https://studio.example.com"
	require.NoError(t, store.Put(origin, EntrySession, Credentials{Token: "kr"}))

	var creds Credentials
	require.NoError(t, store.Get(origin, EntrySession, &creds))
	assert.Equal(t, "kr", creds.Token)

	require.NoError(t, store.Remove(origin, EntrySession))
	assert.ErrorIs(t, store.Get(origin, EntrySession, &creds), ErrNotFound)
	assert.NoError(t, store.Remove(origin, EntrySession))
}

func TestNewStoreHonorsNoKeyring(t *testing.T) {
	t.Setenv("STUDIO_NO_KEYRING", "1")
	store := NewStore(t.TempDir())
	assert.False(t, store.UsingKeyring())
}

func TestKeyFunction(t *testing.T) {
	assert.Equal(t, "studio::https://studio.example.com::session", key("https://studio.example.com", EntrySession))
}

func testManager(t *testing.T, handler http.HandlerFunc) *Manager {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.BaseURL = server.URL
	m := NewManager(cfg, server.Client())
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	return m
}

func TestManagerLogin(t *testing.T) {
	m := testManager(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada", body["username"])
		assert.Equal(t, "secret", body["password"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"tok-abc","user":{"id":7}}`)
	})

	creds, err := m.Login(context.Background(), "ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", creds.Token)
	assert.Equal(t, "7", creds.UserID)
	assert.Equal(t, time.Unix(1700000000, 0), creds.IssuedAt)
}

func TestManagerLoginRejected(t *testing.T) {
	m := testManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad credentials"}`)
	})

	_, err := m.Login(context.Background(), "ada", "wrong")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.JSONEq(t, `{"error":"bad credentials"}`, string(httpErr.Body))
}

func TestManagerRefreshPresentsCurrentToken(t *testing.T) {
	m := testManager(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/refresh", r.URL.Path)
		assert.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"access_token":"new-token","user_id":"u-1"}`)
	})

	creds, err := m.Refresh(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "new-token", creds.Token)
	assert.Equal(t, "u-1", creds.UserID)
}

func TestManagerRefreshWithoutToken(t *testing.T) {
	m := testManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := m.Refresh(context.Background(), "")
	assert.Error(t, err)
}

func TestManagerResponseWithoutToken(t *testing.T) {
	m := testManager(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"user_id":1}`)
	})
	_, err := m.Refresh(context.Background(), "old")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not include a token")
}

func TestEnvToken(t *testing.T) {
	t.Setenv("STUDIO_TOKEN", "env-token")
	assert.Equal(t, "env-token", EnvToken())
}
