package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	m := NewManager(storage.DirsAt(t.TempDir()))
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)
	assert.Equal(t, int64(800<<20), cfg.OCR.CacheSoftBytes)
	assert.Equal(t, int64(1<<30), cfg.OCR.CacheHardBytes)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, os.MkdirAll(dirs.Config, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Config, "config.yaml"), []byte("embedding:\n  provider: local\n  dimension: 384\n"), 0600))

	m := NewManager(dirs)
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, "local", cfg.Embed.Provider)
	assert.Equal(t, 384, cfg.Embed.Dimension)
	// Untouched sections keep defaults.
	assert.Equal(t, 800, cfg.Indexing.ChunkSize)
}

func TestSettingsRoundTrip(t *testing.T) {
	manager := database.NewManager(storage.DirsAt(t.TempDir()))
	pool, err := manager.Open("primary", database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })
	require.NoError(t, database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(context.Background()))

	s := NewSettings(pool)
	ctx := context.Background()

	_, err = s.Get(ctx, KeyEmbeddingModel)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.Equal(t, "fallback", s.GetOr(ctx, KeyEmbeddingModel, "fallback"))

	require.NoError(t, s.Set(ctx, KeyEmbeddingModel, "text-embedding-3-small"))
	value, err := s.Get(ctx, KeyEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", value)

	require.NoError(t, s.SetBool(ctx, KeyPrivacyMode, true))
	assert.True(t, s.GetBool(ctx, KeyPrivacyMode))

	require.NoError(t, s.Set(ctx, KeyRAGTopK, "12"))
	assert.Equal(t, 12, s.GetInt(ctx, KeyRAGTopK, 8))
}

func TestMaintenanceGate(t *testing.T) {
	require.NoError(t, GuardMaintenance())

	require.True(t, EnterMaintenance())
	require.False(t, EnterMaintenance(), "re-entry should report already active")

	err := GuardMaintenance()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	ExitMaintenance()
	require.NoError(t, GuardMaintenance())
}
