package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirsAtCollapsesUnderRoot(t *testing.T) {
	root := t.TempDir()
	dirs := DirsAt(root)

	assert.Equal(t, filepath.Join(root, "config"), dirs.Config)
	assert.Equal(t, filepath.Join(root, "data"), dirs.Data)
	assert.Equal(t, filepath.Join(root, "config", "config.yaml"), dirs.ConfigFile())
	assert.Equal(t, filepath.Join(root, "data", "blobs"), dirs.BlobDir())
	assert.Equal(t, filepath.Join(root, "cache", "pages.db"), dirs.PageCacheFile())
	assert.Equal(t, filepath.Join(root, "data", "primary.db"), dirs.DataDir("primary.db"))
}

func TestEnsureAllCreatesLayout(t *testing.T) {
	dirs := DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())

	for _, dir := range []string{dirs.Config, dirs.Data, dirs.Cache, dirs.State, dirs.BlobDir(), dirs.VectorDir(), dirs.ModelDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnsureDirDefaultsPermission(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, EnsureDir(path, 0))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
