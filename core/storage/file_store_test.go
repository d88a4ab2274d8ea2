package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileArtifactStore_PersistAndRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "collages")
	store, err := NewFileArtifactStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Persist("c1.jpg", []byte("pixels")))
	data, err := os.ReadFile(filepath.Join(dir, "c1.jpg"))
	require.NoError(t, err)
	require.Equal(t, "pixels", string(data))

	// Overwrite replaces atomically and leaves no temp files behind.
	require.NoError(t, store.Persist("c1.jpg", []byte("v2")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, store.Remove("c1.jpg"))
	require.NoError(t, store.Remove("c1.jpg"))
	_, err = os.Stat(filepath.Join(dir, "c1.jpg"))
	require.True(t, os.IsNotExist(err))
}

func TestFileArtifactStore_RejectsPaths(t *testing.T) {
	store, err := NewFileArtifactStore(t.TempDir(), nil)
	require.NoError(t, err)
	for _, name := range []string{"", ".", "..", "a/b", "../x", `a\b`} {
		require.ErrorIs(t, store.Persist(name, nil), ErrInvalidName, name)
	}
}

func TestDirResourceStore_DeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("a"), 0644))

	store, err := NewDirResourceStore(dir, nil)
	require.NoError(t, err)
	require.True(t, store.Exists("a.jpg"))
	require.False(t, store.Exists("b.jpg"))
	require.False(t, store.Exists("../a.jpg"))

	require.NoError(t, store.Delete("a.jpg"))
	require.False(t, store.Exists("a.jpg"))
	require.NoError(t, store.Delete("a.jpg"))
	require.ErrorIs(t, store.Delete("x/y"), ErrInvalidName)
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("c1.jpg"))
	require.NoError(t, ValidateName("beach:2.jpg"))
	for _, name := range []string{"", ".", "..", "a/b.jpg", `a\b.jpg`} {
		require.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}
