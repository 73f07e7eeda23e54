package vfs

import (
	"context"
	"database/sql"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vfsFixture struct {
	pool    *database.Pool
	dirs    *storage.Dirs
	res     *ResourceStore
	folders *FolderStore
	items   *ItemStore
}

func newFixture(t *testing.T) *vfsFixture {
	t.Helper()

	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())

	manager := database.NewManager(dirs)
	pool, err := manager.Open("primary", database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })

	require.NoError(t, database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(context.Background()))

	return &vfsFixture{
		pool:    pool,
		dirs:    dirs,
		res:     NewResourceStore(dirs),
		folders: NewFolderStore(pool),
		items:   NewItemStore(pool),
	}
}

func (f *vfsFixture) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	require.NoError(t, f.pool.Transaction(context.Background(), fn))
}

func (f *vfsFixture) refCount(t *testing.T, id string) int {
	t.Helper()
	var count int
	err := f.pool.QueryRow(context.Background(), "SELECT ref_count FROM resources WHERE id = ?", id).Scan(&count)
	if err == sql.ErrNoRows {
		return -1
	}
	require.NoError(t, err)
	return count
}

func TestCreateOrReuseDedup(t *testing.T) {
	f := newFixture(t)

	var id1, id2 string
	var reused bool
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id1, reused, err = f.res.CreateOrReuse(tx, TypeFile, []byte("same payload"), "", "")
		require.NoError(t, err)
		require.False(t, reused)

		id2, reused, err = f.res.CreateOrReuse(tx, TypeFile, []byte("same payload"), "", "")
		return err
	})

	assert.True(t, reused)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 2, f.refCount(t, id1))
}

func TestSaltedTypesDoNotDedup(t *testing.T) {
	f := newFixture(t)

	var id1, id2 string
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id1, _, err = f.res.CreateOrReuse(tx, TypeNote, []byte("identical text"), "note-a", "")
		require.NoError(t, err)
		id2, _, err = f.res.CreateOrReuse(tx, TypeNote, []byte("identical text"), "note-b", "")
		return err
	})

	assert.NotEqual(t, id1, id2, "salted notes with identical text must keep independent resources")
	assert.Equal(t, 1, f.refCount(t, id1))
	assert.Equal(t, 1, f.refCount(t, id2))
}

func TestRewriteInPlaceKeepsID(t *testing.T) {
	f := newFixture(t)

	var id, newID string
	var copied bool
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id, _, err = f.res.CreateOrReuse(tx, TypeNote, []byte("v1"), "note-a", "")
		require.NoError(t, err)
		newID, copied, err = f.res.Rewrite(tx, id, []byte("v2"), "note-a")
		return err
	})

	assert.False(t, copied)
	assert.Equal(t, id, newID)

	f.inTx(t, func(tx *sql.Tx) error {
		res, err := f.res.Get(tx, id)
		require.NoError(t, err)
		assert.Equal(t, "v2", res.Data)
		return nil
	})
}

func TestRewriteSharedCopiesOnWrite(t *testing.T) {
	f := newFixture(t)

	var id, newID string
	var copied bool
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id, _, err = f.res.CreateOrReuse(tx, TypeFile, []byte("shared"), "", "")
		require.NoError(t, err)
		_, _, err = f.res.CreateOrReuse(tx, TypeFile, []byte("shared"), "", "")
		require.NoError(t, err)

		newID, copied, err = f.res.Rewrite(tx, id, []byte("edited"), "")
		return err
	})

	assert.True(t, copied)
	assert.NotEqual(t, id, newID)
	// The old resource keeps one referrer, the new one belongs to the editor.
	assert.Equal(t, 1, f.refCount(t, id))
	assert.Equal(t, 1, f.refCount(t, newID))
}

func TestDecrementDeletesAtZero(t *testing.T) {
	f := newFixture(t)

	var id string
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id, _, err = f.res.CreateOrReuse(tx, TypeFile, []byte("x"), "", "")
		return err
	})

	f.inTx(t, func(tx *sql.Tx) error {
		return f.res.Decrement(tx, id)
	})
	assert.Equal(t, -1, f.refCount(t, id), "row should be gone")

	// Decrement of an unknown id fails loudly.
	err := f.pool.Transaction(context.Background(), func(tx *sql.Tx) error {
		return f.res.Decrement(tx, id)
	})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDecrementKeepsVersionReferencedRow(t *testing.T) {
	f := newFixture(t)

	var resID string
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		resID, _, err = f.res.CreateOrReuse(tx, TypeNote, []byte("snapshotted"), "note-a", "")
		require.NoError(t, err)

		// Simulate a version record holding the snapshot.
		_, err = tx.Exec("INSERT INTO notes (id, resource_id, title, created_at, updated_at) VALUES ('note-a', ?, 't', ?, ?)", resID, NowISO(), NowISO())
		require.NoError(t, err)
		_, err = tx.Exec("INSERT INTO notes_versions (id, note_id, resource_id, title, created_at) VALUES ('v1', 'note-a', ?, 't', ?)", resID, NowISO())
		return err
	})

	f.inTx(t, func(tx *sql.Tx) error {
		return f.res.Decrement(tx, resID)
	})

	assert.Equal(t, 0, f.refCount(t, resID), "version-referenced row survives at ref_count 0")
}

func TestRefCountProperty(t *testing.T) {
	f := newFixture(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	// P1: after n create-or-reuse calls and m ≤ n decrements of the same
	// unsalted payload, ref_count = n - m; at n = m the row is gone.
	properties.Property("refcount equals creates minus decrements", prop.ForAll(
		func(creates int, payloadSeed string) bool {
			payload := []byte("payload-" + payloadSeed)
			var id string

			err := f.pool.Transaction(context.Background(), func(tx *sql.Tx) error {
				for i := 0; i < creates; i++ {
					var err error
					id, _, err = f.res.CreateOrReuse(tx, TypeFile, payload, "", "")
					if err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return false
			}

			for m := 1; m <= creates; m++ {
				err := f.pool.Transaction(context.Background(), func(tx *sql.Tx) error {
					return f.res.Decrement(tx, id)
				})
				if err != nil {
					return false
				}
				want := creates - m
				got := f.refCount(t, id)
				if want == 0 {
					if got != -1 {
						return false
					}
				} else if got != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestBlobSpillRoundTrip(t *testing.T) {
	f := newFixture(t)

	payload := make([]byte, InlineLimit+1)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var id string
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id, _, err = f.res.CreateOrReuse(tx, TypeFile, payload, "", "")
		return err
	})

	f.inTx(t, func(tx *sql.Tx) error {
		res, err := f.res.Get(tx, id)
		require.NoError(t, err)
		assert.Empty(t, res.Data)
		assert.NotEmpty(t, res.BlobPath)

		got, err := f.res.Payload(res)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		return nil
	})
}

func TestSetOCR(t *testing.T) {
	f := newFixture(t)

	var id string
	page2 := "second page text"
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		id, _, err = f.res.CreateOrReuse(tx, TypeExam, []byte("exam payload"), "", "")
		require.NoError(t, err)
		return f.res.SetOCR(tx, id, "full text", []*string{nil, &page2})
	})

	f.inTx(t, func(tx *sql.Tx) error {
		res, err := f.res.Get(tx, id)
		require.NoError(t, err)
		assert.Equal(t, "full text", res.OCRText)
		require.Len(t, res.OCRPages, 2)
		assert.Nil(t, res.OCRPages[0])
		require.NotNil(t, res.OCRPages[1])
		assert.Equal(t, page2, *res.OCRPages[1])
		return nil
	})
}
