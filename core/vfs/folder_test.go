package vfs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderCreateAndDuplicateTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.folders.Create(ctx, nil, "Study")
	require.NoError(t, err)

	_, err = f.folders.Create(ctx, nil, "Study")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument), "duplicate live sibling title")

	_, err = f.folders.Create(ctx, &root.ID, "Study")
	assert.NoError(t, err, "same title under a different parent is fine")

	_, err = f.folders.Create(ctx, nil, "   ")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestMoveIntoDescendantRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.folders.Create(ctx, nil, "a")
	require.NoError(t, err)
	b, err := f.folders.Create(ctx, &a.ID, "b")
	require.NoError(t, err)
	c, err := f.folders.Create(ctx, &b.ID, "c")
	require.NoError(t, err)

	err = f.folders.Move(ctx, a.ID, &c.ID)
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	err = f.folders.Move(ctx, a.ID, &a.ID)
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation))

	// A legal move still works.
	require.NoError(t, f.folders.Move(ctx, c.ID, &a.ID))
}

func TestSoftDeleteCascadesAndRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.folders.Create(ctx, nil, "parent")
	require.NoError(t, err)
	child, err := f.folders.Create(ctx, &parent.ID, "child")
	require.NoError(t, err)

	// Put an item in the child folder.
	f.inTx(t, func(tx *sql.Tx) error {
		resID, _, err := f.res.CreateOrReuse(tx, TypeNote, []byte("body"), "n1", "")
		require.NoError(t, err)
		_, err = tx.Exec("INSERT INTO notes (id, resource_id, title, created_at, updated_at) VALUES ('n1', ?, 't', ?, ?)", resID, NowISO(), NowISO())
		require.NoError(t, err)
		return f.items.Insert(tx, &child.ID, "note", "n1")
	})

	require.NoError(t, f.folders.SoftDelete(ctx, parent.ID))

	children, err := f.folders.ListChildren(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, children)

	items, err := f.items.List(ctx, &child.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "folder items cascade with the folder")

	// The resource is untouched by the folder soft delete.
	var count int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM resources").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, f.folders.Restore(ctx, parent.ID))

	items, err = f.items.List(ctx, &child.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRestoreKeepsIndependentlyDeletedItemsDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folder, err := f.folders.Create(ctx, nil, "docs")
	require.NoError(t, err)

	f.inTx(t, func(tx *sql.Tx) error {
		for _, id := range []string{"n1", "n2"} {
			resID, _, err := f.res.CreateOrReuse(tx, TypeNote, []byte("body "+id), id, "")
			require.NoError(t, err)
			_, err = tx.Exec("INSERT INTO notes (id, resource_id, title, created_at, updated_at) VALUES (?, ?, 't', ?, ?)", id, resID, NowISO(), NowISO())
			require.NoError(t, err)
			require.NoError(t, f.items.Insert(tx, &folder.ID, "note", id))
		}
		return nil
	})

	// n1's entity is deleted on its own, before the folder goes.
	f.inTx(t, func(tx *sql.Tx) error {
		return f.items.SoftDelete(tx, "note", "n1")
	})
	time.Sleep(2 * time.Millisecond) // distinct cascade stamp

	require.NoError(t, f.folders.SoftDelete(ctx, folder.ID))
	require.NoError(t, f.folders.Restore(ctx, folder.ID))

	items, err := f.items.List(ctx, &folder.ID)
	require.NoError(t, err)
	require.Len(t, items, 1, "only the item the folder cascade tombstoned comes back")
	assert.Equal(t, "n2", items[0].ItemID)

	var deletedAt sql.NullInt64
	require.NoError(t, f.pool.QueryRow(ctx,
		"SELECT deleted_at FROM folder_items WHERE item_id = 'n1'").Scan(&deletedAt))
	assert.True(t, deletedAt.Valid, "n1 keeps its own tombstone through the folder restore")
}

func TestPurgeDeletedRemovesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.folders.Create(ctx, nil, "parent")
	require.NoError(t, err)
	child, err := f.folders.Create(ctx, &parent.ID, "child")
	require.NoError(t, err)
	_ = child

	err = f.folders.PurgeDeleted(ctx, parent.ID)
	assert.True(t, errors.IsKind(err, errors.KindInvalidOperation), "purge requires prior soft delete")

	require.NoError(t, f.folders.SoftDelete(ctx, parent.ID))
	require.NoError(t, f.folders.PurgeDeleted(ctx, parent.ID))

	var count int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM folders").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSubtreeIDsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.folders.Create(ctx, nil, "a")
	require.NoError(t, err)
	b, err := f.folders.Create(ctx, &a.ID, "b")
	require.NoError(t, err)

	ids, err := f.folders.SubtreeIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])

	// A mutation invalidates the cache; the new child appears.
	c, err := f.folders.Create(ctx, &b.ID, "c")
	require.NoError(t, err)

	ids, err = f.folders.SubtreeIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ids[c.ID])
}

func TestFolderPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.folders.Create(ctx, nil, "Mem")
	require.NoError(t, err)
	b, err := f.folders.Create(ctx, &a.ID, "Sub")
	require.NoError(t, err)

	path, err := f.folders.Path(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mem/Sub", path)
}
