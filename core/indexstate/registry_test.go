package indexstate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, *database.Pool) {
	t.Helper()

	manager := database.NewManager(storage.DirsAt(t.TempDir()))
	pool, err := manager.Open("primary", database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })
	require.NoError(t, database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(context.Background()))
	return NewRegistry(pool), pool
}

func seedResource(t *testing.T, pool *database.Pool, id, hash string) {
	t.Helper()
	now := vfs.NowISO()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO resources (id, type, hash, data, size, ref_count, created_at, updated_at) VALUES (?, 'note', ?, 'x', 1, 1, ?, ?)",
		id, hash, now, now)
	require.NoError(t, err)
}

func TestStateMachineTransitions(t *testing.T) {
	r, pool := newRegistry(t)
	ctx := context.Background()
	seedResource(t, pool, "r1", "h1")

	require.NoError(t, r.MarkPending(ctx, "r1"))
	entry, err := r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)

	require.NoError(t, r.MarkIndexing(ctx, "r1"))

	// A second claim while indexing is rejected (single worker per id).
	err = r.MarkIndexing(ctx, "r1")
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	require.NoError(t, r.MarkIndexed(ctx, "r1", "h1"))
	entry, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateIndexed, entry.State)
	assert.Equal(t, "h1", entry.LastHash)

	// A fresh indexed row is not claimable; its hash already covers the
	// resource content.
	err = r.MarkIndexing(ctx, "r1")
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	// Once the content changes the row is stale and claimable again.
	_, err = pool.Exec(ctx, "UPDATE resources SET hash = 'h2' WHERE id = 'r1'")
	require.NoError(t, err)
	require.NoError(t, r.MarkIndexing(ctx, "r1"))
	require.NoError(t, r.MarkFailed(ctx, "r1", "embedding model unavailable"))
	entry, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, entry.State)
	assert.Equal(t, "embedding model unavailable", entry.LastError)

	// Failed rows may be re-claimed too.
	require.NoError(t, r.MarkIndexing(ctx, "r1"))
}

func TestDisabledIsNeverProcessed(t *testing.T) {
	r, pool := newRegistry(t)
	ctx := context.Background()
	seedResource(t, pool, "r1", "h1")

	require.NoError(t, r.MarkDisabled(ctx, "r1", "note deleted"))

	// MarkPending does not resurrect a disabled row.
	require.NoError(t, r.MarkPending(ctx, "r1"))
	entry, err := r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, entry.State)

	err = r.MarkIndexing(ctx, "r1")
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	pending, err := r.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Explicit enable lifts the opt-out.
	require.NoError(t, r.Enable(ctx, "r1"))
	entry, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)
}

func TestListStale(t *testing.T) {
	r, pool := newRegistry(t)
	ctx := context.Background()
	seedResource(t, pool, "r1", "h2")

	require.NoError(t, r.MarkPending(ctx, "r1"))
	require.NoError(t, r.MarkIndexing(ctx, "r1"))
	require.NoError(t, r.MarkIndexed(ctx, "r1", "h1"))

	stale, err := r.ListStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, stale)

	require.NoError(t, r.MarkIndexed(ctx, "r1", "h2"))
	stale, err = r.ListStale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMarkPendingTxComposesWithWrites(t *testing.T) {
	r, pool := newRegistry(t)
	ctx := context.Background()
	seedResource(t, pool, "r1", "h1")

	err := pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.MarkPendingTx(tx, "r1")
	})
	require.NoError(t, err)

	pending, err := r.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, pending)
}
