package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/basecamp/studio-cli/internal/auth"
)

// CredentialStore persists session credentials per origin.
type CredentialStore interface {
	Get(origin, entry string, v any) error
	Put(origin, entry string, v any) error
	Remove(origin, entry string) error
}

// Session owns the active session token. At most one token value is active;
// readers always observe the latest Set or Clear.
type Session struct {
	store  CredentialStore // nil keeps the session in memory only
	origin string

	mu    sync.RWMutex
	creds auth.Credentials
}

// NewSession creates an empty session for origin.
func NewSession(store CredentialStore, origin string) *Session {
	return &Session{store: store, origin: origin}
}

// Load restores the persisted session, if any. A missing entry is not an
// error and leaves the session empty.
func (s *Session) Load() error {
	if s.store == nil {
		return nil
	}
	var creds auth.Credentials
	err := s.store.Get(s.origin, auth.EntrySession, &creds)
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Token returns the current session token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Token
}

// Credentials returns a copy of the current credentials.
func (s *Session) Credentials() auth.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Identity distinguishes cache entries fetched for different users: the
// user ID when known, else a fingerprint of the token.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.UserID != "" {
		return "user:" + s.creds.UserID
	}
	if s.creds.Token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.creds.Token))
	return "token:" + hex.EncodeToString(sum[:8])
}

// Set installs creds and persists them. The in-memory token is replaced
// even when persisting fails.
func (s *Session) Set(creds auth.Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.Put(s.origin, auth.EntrySession, creds); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Clear forgets the token and removes the persisted entry.
func (s *Session) Clear() error {
	s.reset()
	if s.store == nil {
		return nil
	}
	if err := s.store.Remove(s.origin, auth.EntrySession); err != nil {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// adopt installs creds in memory without persisting them, for tokens that
// come from the environment.
func (s *Session) adopt(creds auth.Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

// reset forgets the token in memory only.
func (s *Session) reset() {
	s.mu.Lock()
	s.creds = auth.Credentials{}
	s.mu.Unlock()
}
