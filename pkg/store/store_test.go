package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetUpdateDelete(t *testing.T) {
	t.Parallel()

	impls := map[string]func(t *testing.T) Store[string]{
		"mem": func(t *testing.T) Store[string] {
			return NewMemStore[string]()
		},
		"file": func(t *testing.T) Store[string] {
			s, err := NewFileStore[string](filepath.Join(t.TempDir(), "index.json"))
			require.NoError(t, err)
			return s
		},
	}

	for name, newStore := range impls {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)

			require.NoError(t, s.Set("test-key", "TESTING123"))
			assert.ErrorIs(t, s.Set("test-key", "TESTING234"), ErrKeyExists)

			val, err := s.Get("test-key")
			require.NoError(t, err)
			assert.Equal(t, "TESTING123", val)

			_, err = s.Get("12345")
			assert.ErrorIs(t, err, ErrKeyDoesntExist)

			require.NoError(t, s.Update("test-key", "NEWVALUE"))
			val, err = s.Get("test-key")
			require.NoError(t, err)
			assert.Equal(t, "NEWVALUE", val)

			assert.ErrorIs(t, s.Update("ghost", "x"), ErrKeyDoesntExist)

			require.NoError(t, s.Set("test-key2", "TESTING234"))
			assert.Equal(t, []string{"test-key", "test-key2"}, s.Keys())

			require.NoError(t, s.Delete("test-key2"))
			_, err = s.Get("test-key2")
			assert.ErrorIs(t, err, ErrKeyDoesntExist)
			assert.ErrorIs(t, s.Delete("test-key2"), ErrKeyDoesntExist)
		})
	}
}

func TestStore_FileStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	type meta struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}

	path := filepath.Join(t.TempDir(), "artifacts", "index.json")
	s, err := NewFileStore[meta](path)
	require.NoError(t, err)
	require.NoError(t, s.Set("workflows/run-1/wheelhouse", meta{Name: "wheelhouse", Size: 42}))

	reopened, err := NewFileStore[meta](path)
	require.NoError(t, err)
	got, err := reopened.Get("workflows/run-1/wheelhouse")
	require.NoError(t, err)
	assert.Equal(t, meta{Name: "wheelhouse", Size: 42}, got)
}

func TestStore_FileStore_RejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore[string](path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse store file")
}
