package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/pysiyou/atlas-sub001/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend fails every operation, standing in for disabled or
// quota-exhausted storage.
type failingBackend struct{}

func (failingBackend) Get(string) (string, error) { return "", errors.New("storage disabled") }
func (failingBackend) Set(string, string) error   { return errors.New("quota exceeded") }
func (failingBackend) Remove(string) error        { return errors.New("storage disabled") }

func TestStoreRoundTrip(t *testing.T) {
	store := storage.New(storage.NewMemoryBackend(), zerolog.Nop())

	store.Set(storage.KeyAccessToken, "token-1")
	assert.Equal(t, "token-1", store.Get(storage.KeyAccessToken))

	store.Remove(storage.KeyAccessToken)
	assert.Equal(t, "", store.Get(storage.KeyAccessToken))
}

func TestStoreAbsorbsBackendFaults(t *testing.T) {
	store := storage.New(failingBackend{}, zerolog.Nop())

	assert.NotPanics(t, func() {
		store.Set(storage.KeyAccessToken, "token-1")
		assert.Equal(t, "", store.Get(storage.KeyAccessToken))
		store.Remove(storage.KeyAccessToken)
		store.ClearAll()
	})
}

func TestStoreNilBackend(t *testing.T) {
	store := storage.New(nil, zerolog.Nop())

	assert.NotPanics(t, func() {
		store.Set(storage.KeyAccessToken, "token-1")
		store.ClearAll()
	})
	assert.Equal(t, "", store.Get(storage.KeyAccessToken))
}

func TestStoreClearAllRemovesOwnedKeys(t *testing.T) {
	backend := storage.NewMemoryBackend()
	store := storage.New(backend, zerolog.Nop())

	store.Set(storage.KeyAccessToken, "a")
	store.Set(storage.KeyRefreshToken, "r")
	store.Set(storage.KeyUser, `{"id":"u1"}`)
	store.Set(storage.KeyLoggedInAt, "2026-01-01T00:00:00Z")

	store.ClearAll()

	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyUser, storage.KeyLoggedInAt} {
		assert.Equal(t, "", store.Get(key), key)
	}
}

func TestStoreJSONHelpers(t *testing.T) {
	store := storage.New(storage.NewMemoryBackend(), zerolog.Nop())

	type snapshot struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	store.SetJSON(storage.KeyUser, snapshot{ID: "u1", Name: "Ada"})

	var out snapshot
	require.True(t, store.GetJSON(storage.KeyUser, &out))
	assert.Equal(t, snapshot{ID: "u1", Name: "Ada"}, out)

	t.Run("absent key", func(t *testing.T) {
		var out snapshot
		assert.False(t, store.GetJSON("missing", &out))
	})

	t.Run("corrupt value", func(t *testing.T) {
		store.Set(storage.KeyUser, "{not json")
		var out snapshot
		assert.False(t, store.GetJSON(storage.KeyUser, &out))
	})
}

func TestFileBackendSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session", "state.json")

	first := storage.New(storage.NewFileBackend(path), zerolog.Nop())
	first.Set(storage.KeyAccessToken, "token-1")
	first.Set(storage.KeyRefreshToken, "refresh-1")

	// A second store over the same path models an application reload.
	second := storage.New(storage.NewFileBackend(path), zerolog.Nop())
	assert.Equal(t, "token-1", second.Get(storage.KeyAccessToken))
	assert.Equal(t, "refresh-1", second.Get(storage.KeyRefreshToken))

	second.ClearAll()
	third := storage.New(storage.NewFileBackend(path), zerolog.Nop())
	assert.Equal(t, "", third.Get(storage.KeyAccessToken))
}
