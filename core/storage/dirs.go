// Package storage resolves the writable app-data layout with XDG support.
package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// EnvDataDir overrides the resolved data directory when set.
const EnvDataDir = "SATCHEL_DATA_DIR"

// Dirs holds the resolved directory layout for a satchel installation.
type Dirs struct {
	Config string // config.yaml
	Data   string // primary database, blobs, vector tables
	Cache  string // regenerable: rendered pages, embedding cache, models
	State  string // logs, locks
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
	globalDirsErr  error
)

// ResolveDirs returns platform-appropriate directories. Results are cached
// after the first call. SATCHEL_DATA_DIR collapses everything under one root,
// which is what the desktop shell and the test suite both use.
func ResolveDirs() (*Dirs, error) {
	globalDirsOnce.Do(func() {
		globalDirs, globalDirsErr = resolveDirsImpl()
	})
	return globalDirs, globalDirsErr
}

func resolveDirsImpl() (*Dirs, error) {
	if root := os.Getenv(EnvDataDir); root != "" {
		return DirsAt(root), nil
	}
	return &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
		Cache:  resolveDir("XDG_CACHE_HOME", platformCacheDefault()),
		State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
	}, nil
}

// DirsAt collapses the full layout under a single root directory.
func DirsAt(root string) *Dirs {
	return &Dirs{
		Config: filepath.Join(root, "config"),
		Data:   filepath.Join(root, "data"),
		Cache:  filepath.Join(root, "cache"),
		State:  filepath.Join(root, "state"),
	}
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "satchel")
	}
	return fallback
}

// DataDir joins path elements under the data directory.
func (d *Dirs) DataDir(elems ...string) string {
	return filepath.Join(append([]string{d.Data}, elems...)...)
}

// CacheDir joins path elements under the cache directory.
func (d *Dirs) CacheDir(elems ...string) string {
	return filepath.Join(append([]string{d.Cache}, elems...)...)
}

// StateDir joins path elements under the state directory.
func (d *Dirs) StateDir(elems ...string) string {
	return filepath.Join(append([]string{d.State}, elems...)...)
}

// ConfigFile is the path of the YAML process config.
func (d *Dirs) ConfigFile() string {
	return filepath.Join(d.Config, "config.yaml")
}

// BlobDir is where external resource payloads live, sharded by hash prefix.
func (d *Dirs) BlobDir() string {
	return d.DataDir("blobs")
}

// VectorDir is where the embedded vector tables live.
func (d *Dirs) VectorDir() string {
	return d.DataDir("vectors")
}

// PageCacheFile is the rendered-page cache database.
func (d *Dirs) PageCacheFile() string {
	return d.CacheDir("pages.db")
}

// ModelDir is where local ONNX models are stored.
func (d *Dirs) ModelDir() string {
	return d.CacheDir("models")
}

// EnsureAll creates every directory in the layout.
func (d *Dirs) EnsureAll() error {
	for _, dir := range []string{d.Config, d.Data, d.Cache, d.State, d.BlobDir(), d.VectorDir(), d.ModelDir()} {
		if err := EnsureDir(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates a directory with the specified permissions if missing.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}
