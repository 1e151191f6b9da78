// Package keys manages third-party platform API keys kept in the
// credential store. The network layer only reads them through Active.
package keys

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basecamp/studio-cli/internal/auth"
)

// Record is a platform API key with its usage limits.
type Record struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Key          string    `json:"key"`
	IsActive     bool      `json:"is_active"`
	DailyLimit   int       `json:"daily_limit,omitempty"`
	MonthlyLimit int       `json:"monthly_limit,omitempty"`
	UsageCount   int       `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitzero"`
}

// Masked returns the key with all but its last four characters hidden.
func (r Record) Masked() string {
	if len(r.Key) <= 4 {
		return strings.Repeat("*", len(r.Key))
	}
	return strings.Repeat("*", 8) + r.Key[len(r.Key)-4:]
}

// OverLimit reports whether recorded usage has reached a configured limit.
// Limits of zero are unlimited.
func (r Record) OverLimit() bool {
	if r.DailyLimit > 0 && r.UsageCount >= r.DailyLimit {
		return true
	}
	return r.MonthlyLimit > 0 && r.UsageCount >= r.MonthlyLimit
}

// ErrNotFound is returned for an unknown record ID.
var ErrNotFound = errors.New("platform key not found")

// ErrInvalid wraps rejected Add arguments.
var ErrInvalid = errors.New("invalid platform key")

// Backend is the subset of auth.Store the registry needs.
type Backend interface {
	Get(origin, entry string, v any) error
	Put(origin, entry string, v any) error
	Remove(origin, entry string) error
}

// Registry reads and writes the provider-keyed record map for one origin.
type Registry struct {
	store  Backend
	origin string
	now    func() time.Time

	mu sync.Mutex
}

// NewRegistry creates a registry over store for origin.
func NewRegistry(store Backend, origin string) *Registry {
	return &Registry{store: store, origin: origin, now: time.Now}
}

func (r *Registry) load() (map[string][]Record, error) {
	all := make(map[string][]Record)
	err := r.store.Get(r.origin, auth.EntryPlatformKeys, &all)
	if errors.Is(err, auth.ErrNotFound) {
		return make(map[string][]Record), nil
	}
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (r *Registry) save(all map[string][]Record) error {
	for provider, recs := range all {
		if len(recs) == 0 {
			delete(all, provider)
		}
	}
	if len(all) == 0 {
		return r.store.Remove(r.origin, auth.EntryPlatformKeys)
	}
	return r.store.Put(r.origin, auth.EntryPlatformKeys, all)
}

// update runs fn over the loaded map and persists the result.
func (r *Registry) update(fn func(map[string][]Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(all); err != nil {
		return err
	}
	return r.save(all)
}

// Add stores a new active key for provider.
func (r *Registry) Add(provider, key string, dailyLimit, monthlyLimit int) (Record, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	key = strings.TrimSpace(key)
	if provider == "" {
		return Record{}, fmt.Errorf("%w: provider is required", ErrInvalid)
	}
	if key == "" {
		return Record{}, fmt.Errorf("%w: key is required", ErrInvalid)
	}
	if dailyLimit < 0 || monthlyLimit < 0 {
		return Record{}, fmt.Errorf("%w: limits must not be negative", ErrInvalid)
	}

	rec := Record{
		ID:           uuid.NewString(),
		Provider:     provider,
		Key:          key,
		IsActive:     true,
		DailyLimit:   dailyLimit,
		MonthlyLimit: monthlyLimit,
		CreatedAt:    r.now().UTC(),
	}
	err := r.update(func(all map[string][]Record) error {
		all[provider] = append(all[provider], rec)
		return nil
	})
	return rec, err
}

// List returns records for provider, or every record when provider is empty,
// ordered by provider then insertion.
func (r *Registry) List(provider string) ([]Record, error) {
	r.mu.Lock()
	all, err := r.load()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if provider != "" {
		return all[strings.ToLower(provider)], nil
	}
	providers := make([]string, 0, len(all))
	for p := range all {
		providers = append(providers, p)
	}
	slices.Sort(providers)

	var out []Record
	for _, p := range providers {
		out = append(out, all[p]...)
	}
	return out, nil
}

// Active returns the first active record for provider.
func (r *Registry) Active(provider string) (Record, bool) {
	recs, err := r.List(provider)
	if err != nil || provider == "" {
		return Record{}, false
	}
	for _, rec := range recs {
		if rec.IsActive {
			return rec, true
		}
	}
	return Record{}, false
}

// mutate applies fn to the record with id.
func (r *Registry) mutate(id string, fn func(*Record)) (Record, error) {
	var out Record
	err := r.update(func(all map[string][]Record) error {
		for provider, recs := range all {
			for i := range recs {
				if recs[i].ID == id {
					fn(&recs[i])
					all[provider] = recs
					out = recs[i]
					return nil
				}
			}
		}
		return ErrNotFound
	})
	return out, err
}

// Toggle flips a record between active and inactive.
func (r *Registry) Toggle(id string) (Record, error) {
	return r.mutate(id, func(rec *Record) { rec.IsActive = !rec.IsActive })
}

// RecordUsage increments the usage counter of a record.
func (r *Registry) RecordUsage(id string) (Record, error) {
	return r.mutate(id, func(rec *Record) {
		rec.UsageCount++
		rec.LastUsedAt = r.now().UTC()
	})
}

// Remove deletes a record.
func (r *Registry) Remove(id string) error {
	return r.update(func(all map[string][]Record) error {
		for provider, recs := range all {
			if i := slices.IndexFunc(recs, func(rec Record) bool { return rec.ID == id }); i >= 0 {
				all[provider] = slices.Delete(recs, i, i+1)
				return nil
			}
		}
		return ErrNotFound
	})
}
