package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/zalando/go-keyring"
)

const serviceName = "studio"

// Credential Store entries kept per origin.
const (
	EntrySession      = "session"
	EntryPlatformKeys = "platform_keys"
)

// ErrNotFound is returned by Get when an entry has never been stored
// or was removed.
var ErrNotFound = errors.New("credential entry not found")

// lockTimeout bounds how long a writer waits for the credentials file lock.
const lockTimeout = 500 * time.Millisecond

// Store persists credential entries, preferring the system keychain and
// falling back to a 0600 JSON file.
type Store struct {
	useKeyring  bool
	fallbackDir string

	// mu serializes file read-modify-write cycles within this process;
	// the flock guards against other processes.
	mu sync.Mutex
}

// NewStore creates a credential store.
func NewStore(fallbackDir string) *Store {
	if os.Getenv("STUDIO_NO_KEYRING") != "" {
		return NewFileStore(fallbackDir)
	}

	// Test if keyring is available
	testKey := "studio::test"
	if err := keyring.Set(serviceName, testKey, "test"); err == nil {
		_ = keyring.Delete(serviceName, testKey) // Best-effort cleanup
		return &Store{useKeyring: true, fallbackDir: fallbackDir}
	}
	fmt.Fprintf(os.Stderr, "warning: system keyring unavailable, credentials stored in plaintext at %s\n",
		filepath.Join(fallbackDir, "credentials.json"))
	return NewFileStore(fallbackDir)
}

// NewFileStore creates a store backed only by the credentials file.
func NewFileStore(dir string) *Store {
	return &Store{useKeyring: false, fallbackDir: dir}
}

// UsingKeyring returns true if the store is using the system keyring.
func (s *Store) UsingKeyring() bool {
	return s.useKeyring
}

// key returns the keyring key for an origin entry.
func key(origin, entry string) string {
	return fmt.Sprintf("studio::%s::%s", origin, entry)
}

// Get decodes the entry stored for origin into v.
func (s *Store) Get(origin, entry string, v any) error {
	var raw []byte
	if s.useKeyring {
		data, err := keyring.Get(serviceName, key(origin, entry))
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading %s from keyring: %w", entry, err)
		}
		raw = []byte(data)
	} else {
		s.mu.Lock()
		all, err := s.loadAllFromFile()
		s.mu.Unlock()
		if err != nil {
			return err
		}
		data, ok := all[origin][entry]
		if !ok {
			return ErrNotFound
		}
		raw = data
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid %s entry: %w", entry, err)
	}
	return nil
}

// Put stores v as the entry for origin, replacing any previous value.
func (s *Store) Put(origin, entry string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.useKeyring {
		return keyring.Set(serviceName, key(origin, entry), string(data))
	}
	return s.updateFile(func(all map[string]map[string]json.RawMessage) {
		if all[origin] == nil {
			all[origin] = make(map[string]json.RawMessage)
		}
		all[origin][entry] = data
	})
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (s *Store) Remove(origin, entry string) error {
	if s.useKeyring {
		err := keyring.Delete(serviceName, key(origin, entry))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}
	return s.updateFile(func(all map[string]map[string]json.RawMessage) {
		delete(all[origin], entry)
		if len(all[origin]) == 0 {
			delete(all, origin)
		}
	})
}

// File fallback

func (s *Store) credentialsPath() string {
	return filepath.Join(s.fallbackDir, "credentials.json")
}

func (s *Store) loadAllFromFile() (map[string]map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.credentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]json.RawMessage), nil
		}
		return nil, err
	}

	var all map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("corrupt credentials file %s: %w", s.credentialsPath(), err)
	}
	if all == nil {
		all = make(map[string]map[string]json.RawMessage)
	}
	return all, nil
}

// updateFile runs a read-modify-write cycle on the credentials file while
// holding both the in-process mutex and the cross-process file lock.
func (s *Store) updateFile(fn func(map[string]map[string]json.RawMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return err
	}

	fl := flock.New(s.credentialsPath() + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	// TryLockContext retries every 10ms until context expires
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("locking credentials file: %w", err)
	}
	if locked {
		defer func() { _ = fl.Unlock() }()
	}

	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	fn(all)
	return s.saveAllToFile(all)
}

func (s *Store) saveAllToFile(all map[string]map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write with randomized temp file name
	tmpFile, err := os.CreateTemp(s.fallbackDir, "credentials-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	destPath := s.credentialsPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		// Windows refuses to rename over an existing file.
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}
