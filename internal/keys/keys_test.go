package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/studio-cli/internal/auth"
)

const origin = "https://studio.example.com"

func newTestRegistry(t *testing.T) (*Registry, *auth.Store) {
	t.Helper()
	store := auth.NewFileStore(t.TempDir())
	reg := NewRegistry(store, origin)
	reg.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return reg, store
}

func TestAddAndList(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a, err := reg.Add("OpenAI", "sk-aaaa1111", 100, 0)
	require.NoError(t, err)
	_, err = reg.Add("anthropic", "sk-ant-2222", 0, 0)
	require.NoError(t, err)
	_, err = reg.Add("openai", "sk-bbbb3333", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "openai", a.Provider)
	assert.True(t, a.IsActive)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), a.CreatedAt)

	openai, err := reg.List("openai")
	require.NoError(t, err)
	require.Len(t, openai, 2)
	assert.Equal(t, "sk-aaaa1111", openai[0].Key)
	assert.Equal(t, "sk-bbbb3333", openai[1].Key)

	all, err := reg.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "anthropic", all[0].Provider, "providers sorted")
}

func TestAddValidates(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Add("", "k", 0, 0)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = reg.Add("openai", "  ", 0, 0)
	assert.Error(t, err)
	_, err = reg.Add("openai", "k", -1, 0)
	assert.Error(t, err)
}

func TestActiveReturnsFirstActive(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, err := reg.Add("openai", "sk-first", 0, 0)
	require.NoError(t, err)
	second, err := reg.Add("openai", "sk-second", 0, 0)
	require.NoError(t, err)

	rec, ok := reg.Active("openai")
	require.True(t, ok)
	assert.Equal(t, first.ID, rec.ID)

	_, err = reg.Toggle(first.ID)
	require.NoError(t, err)

	rec, ok = reg.Active("openai")
	require.True(t, ok)
	assert.Equal(t, second.ID, rec.ID)

	_, err = reg.Toggle(second.ID)
	require.NoError(t, err)
	_, ok = reg.Active("openai")
	assert.False(t, ok)

	_, ok = reg.Active("")
	assert.False(t, ok)
	_, ok = reg.Active("unknown")
	assert.False(t, ok)
}

func TestRecordUsage(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec, err := reg.Add("openai", "sk-usage", 2, 0)
	require.NoError(t, err)

	rec, err = reg.RecordUsage(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsageCount)
	assert.False(t, rec.OverLimit())
	assert.False(t, rec.LastUsedAt.IsZero())

	rec, err = reg.RecordUsage(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.UsageCount)
	assert.True(t, rec.OverLimit())

	_, err = reg.RecordUsage("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	reg, store := newTestRegistry(t)
	rec, err := reg.Add("openai", "sk-gone", 0, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(rec.ID))
	assert.ErrorIs(t, reg.Remove(rec.ID), ErrNotFound)

	recs, err := reg.List("")
	require.NoError(t, err)
	assert.Empty(t, recs)

	var raw map[string][]Record
	assert.ErrorIs(t, store.Get(origin, auth.EntryPlatformKeys, &raw), auth.ErrNotFound,
		"empty map removes the entry")
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	reg, store := newTestRegistry(t)
	rec, err := reg.Add("openai", "sk-persist", 0, 0)
	require.NoError(t, err)

	other := NewRegistry(store, origin)
	got, ok := other.Active("openai")
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	foreign := NewRegistry(store, "https://other.example.com")
	_, ok = foreign.Active("openai")
	assert.False(t, ok)
}

func TestMasked(t *testing.T) {
	assert.Equal(t, "********7890", Record{Key: "sk-1234567890"}.Masked())
	assert.Equal(t, "***", Record{Key: "abc"}.Masked())
}

func TestOverLimitUnlimited(t *testing.T) {
	assert.False(t, Record{UsageCount: 1000}.OverLimit())
	assert.True(t, Record{UsageCount: 10, MonthlyLimit: 10}.OverLimit())
}
