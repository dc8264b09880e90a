package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtils_FileExists(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	file := filepath.Join(tmp, "pipeline.yml")
	require.NoError(t, os.WriteFile(file, []byte("name: p\n"), 0o644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(filepath.Join(tmp, "missing.yml")))
	assert.False(t, FileExists(tmp), "directories are not files")

	assert.True(t, DirExists(tmp))
	assert.False(t, DirExists(file))
}

func TestUtils_EnsureDir(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	dir := filepath.Join(tmp, "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))

	// idempotent
	require.NoError(t, EnsureDir(dir))
}
