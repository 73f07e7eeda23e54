package vfs

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
)

// Folder is a node in the folder tree. ParentID nil means root.
type Folder struct {
	ID        string
	ParentID  *string
	Title     string
	SortOrder int
	CreatedAt string
	UpdatedAt string
	DeletedAt *string
}

// FolderStore maintains the folder tree and the cached subtree id sets.
type FolderStore struct {
	pool  *database.Pool
	cache *subtreeCache
}

func NewFolderStore(pool *database.Pool) *FolderStore {
	return &FolderStore{
		pool:  pool,
		cache: newSubtreeCache(),
	}
}

// Create inserts a folder under parentID (nil = root). The parent must be
// live and no live sibling may share the title.
func (s *FolderStore) Create(ctx context.Context, parentID *string, title string) (*Folder, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.InvalidArgument("folder title is empty")
	}

	var folder *Folder
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if parentID != nil {
			if err := s.assertLive(tx, *parentID); err != nil {
				return err
			}
		}
		if err := s.assertTitleFree(tx, parentID, title, ""); err != nil {
			return err
		}

		now := NowISO()
		folder = &Folder{
			ID:        uuid.NewString(),
			ParentID:  parentID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := tx.Exec(`
INSERT INTO folders (id, parent_id, title, sort_order, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?)`,
			folder.ID, parentPtr(parentID), title, now, now)
		if err != nil {
			return errors.Database("insert folder", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.invalidate()
	return folder, nil
}

// Rename changes a folder's title, enforcing live-sibling uniqueness.
func (s *FolderStore) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.InvalidArgument("folder title is empty")
	}

	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		folder, err := s.getLive(tx, id)
		if err != nil {
			return err
		}
		if err := s.assertTitleFree(tx, folder.ParentID, title, id); err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE folders SET title = ?, updated_at = ? WHERE id = ?", title, NowISO(), id)
		if err != nil {
			return errors.Database("rename folder", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// Move reparents a folder. Moving into the folder's own subtree would cycle
// the tree and is rejected.
func (s *FolderStore) Move(ctx context.Context, id string, newParentID *string) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		folder, err := s.getLive(tx, id)
		if err != nil {
			return err
		}
		if newParentID != nil {
			if *newParentID == id {
				return errors.InvalidOperation("cannot move folder into itself")
			}
			if err := s.assertLive(tx, *newParentID); err != nil {
				return err
			}
			descendants, err := subtreeIDsTx(tx, id)
			if err != nil {
				return err
			}
			if descendants[*newParentID] {
				return errors.InvalidOperation("cannot move folder into its own descendant")
			}
		}
		if err := s.assertTitleFree(tx, newParentID, folder.Title, id); err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE folders SET parent_id = ?, updated_at = ? WHERE id = ?", parentPtr(newParentID), NowISO(), id)
		if err != nil {
			return errors.Database("move folder", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// SoftDelete tombstones the folder, every live descendant folder, and the
// folder_items they contain. Resources are untouched.
func (s *FolderStore) SoftDelete(ctx context.Context, id string) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := s.getLive(tx, id); err != nil {
			return err
		}
		ids, err := subtreeIDsTx(tx, id)
		if err != nil {
			return err
		}
		ids[id] = true

		// One shared stamp across the whole cascade. Restore matches on
		// it, so items tombstoned earlier by their own entity's delete
		// keep their older stamp and stay dead.
		now, nowMs := NowStamps()
		for fid := range ids {
			if _, err := tx.Exec("UPDATE folders SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL", now, now, fid); err != nil {
				return errors.Database("soft delete folder", err)
			}
			if _, err := tx.Exec("UPDATE folder_items SET deleted_at = ?, updated_at = ? WHERE folder_id = ? AND deleted_at IS NULL", nowMs, nowMs, fid); err != nil {
				return errors.Database("soft delete folder items", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// Restore re-activates a soft-deleted folder subtree and its items. Only
// rows carrying the folder's cascade stamp come back: an entity that was
// already soft-deleted before the folder keeps its own tombstone, so the
// restored folder never lists an item whose entity row is still deleted.
func (s *FolderStore) Restore(ctx context.Context, id string) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var deletedAt sql.NullString
		err := tx.QueryRow("SELECT deleted_at FROM folders WHERE id = ?", id).Scan(&deletedAt)
		if err == sql.ErrNoRows {
			return errors.NotFound("folder %s", id)
		}
		if err != nil {
			return errors.Database("read folder", err)
		}
		if !deletedAt.Valid {
			return nil // already live
		}
		stamp, err := ParseISO(deletedAt.String)
		if err != nil {
			return errors.Database("parse folder tombstone", err)
		}
		stampMs := stamp.UnixMilli()

		ids, err := subtreeIDsTx(tx, id)
		if err != nil {
			return err
		}

		now := NowISO()
		nowMs := NowMillis()
		if _, err := tx.Exec("UPDATE folders SET deleted_at = NULL, updated_at = ? WHERE id = ?", now, id); err != nil {
			return errors.Database("restore folder", err)
		}
		for fid := range ids {
			if _, err := tx.Exec("UPDATE folders SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at = ?", now, fid, deletedAt.String); err != nil {
				return errors.Database("restore folder", err)
			}
		}
		ids[id] = true
		for fid := range ids {
			if _, err := tx.Exec("UPDATE folder_items SET deleted_at = NULL, updated_at = ? WHERE folder_id = ? AND deleted_at = ?", nowMs, fid, stampMs); err != nil {
				return errors.Database("restore folder items", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// PurgeDeleted hard-deletes a soft-deleted folder subtree with its items.
func (s *FolderStore) PurgeDeleted(ctx context.Context, id string) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var deletedAt sql.NullString
		err := tx.QueryRow("SELECT deleted_at FROM folders WHERE id = ?", id).Scan(&deletedAt)
		if err == sql.ErrNoRows {
			return errors.NotFound("folder %s", id)
		}
		if err != nil {
			return errors.Database("read folder", err)
		}
		if !deletedAt.Valid {
			return errors.InvalidOperation("folder %s is not deleted", id)
		}

		ids, err := subtreeIDsTx(tx, id)
		if err != nil {
			return err
		}
		ids[id] = true

		// Children before parents to satisfy the self-referencing FK.
		order, err := depthOrderTx(tx, ids)
		if err != nil {
			return err
		}
		for _, fid := range order {
			if _, err := tx.Exec("DELETE FROM folder_items WHERE folder_id = ?", fid); err != nil {
				return errors.Database("purge folder items", err)
			}
			if _, err := tx.Exec("DELETE FROM folders WHERE id = ?", fid); err != nil {
				return errors.Database("purge folder", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// ListChildren returns live child folders ordered by (sort_order, updated_at desc).
func (s *FolderStore) ListChildren(ctx context.Context, parentID *string) ([]*Folder, error) {
	query := `
SELECT id, parent_id, title, sort_order, created_at, updated_at, deleted_at
FROM folders WHERE deleted_at IS NULL AND `
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.pool.Query(ctx, query+"parent_id IS NULL ORDER BY sort_order ASC, updated_at DESC")
	} else {
		rows, err = s.pool.Query(ctx, query+"parent_id = ? ORDER BY sort_order ASC, updated_at DESC", *parentID)
	}
	if err != nil {
		return nil, errors.Database("list folders", err)
	}
	defer rows.Close()
	return scanFolders(rows)
}

// ListDeleted returns soft-deleted folders, newest first.
func (s *FolderStore) ListDeleted(ctx context.Context) ([]*Folder, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, parent_id, title, sort_order, created_at, updated_at, deleted_at
FROM folders WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, errors.Database("list deleted folders", err)
	}
	defer rows.Close()
	return scanFolders(rows)
}

// Get returns a live folder by id.
func (s *FolderStore) Get(ctx context.Context, id string) (*Folder, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, parent_id, title, sort_order, created_at, updated_at, deleted_at
FROM folders WHERE id = ? AND deleted_at IS NULL`, id)
	folder, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("folder %s", id)
	}
	if err != nil {
		return nil, errors.Database("read folder", err)
	}
	return folder, nil
}

// FindByTitle returns the live folder with the given title under parentID.
func (s *FolderStore) FindByTitle(ctx context.Context, parentID *string, title string) (*Folder, error) {
	query := `
SELECT id, parent_id, title, sort_order, created_at, updated_at, deleted_at
FROM folders WHERE deleted_at IS NULL AND title = ? AND `
	var row *sql.Row
	if parentID == nil {
		row = s.pool.QueryRow(ctx, query+"parent_id IS NULL", title)
	} else {
		row = s.pool.QueryRow(ctx, query+"parent_id = ?", title, *parentID)
	}
	folder, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("folder %q", title)
	}
	if err != nil {
		return nil, errors.Database("find folder", err)
	}
	return folder, nil
}

// Path returns the slash-joined title path from the root to the folder.
func (s *FolderStore) Path(ctx context.Context, id string) (string, error) {
	var segments []string
	current := &id
	for depth := 0; current != nil && depth < maxFolderDepth; depth++ {
		var title string
		var parent sql.NullString
		err := s.pool.QueryRow(ctx, "SELECT title, parent_id FROM folders WHERE id = ?", *current).Scan(&title, &parent)
		if err == sql.ErrNoRows {
			return "", errors.NotFound("folder %s", *current)
		}
		if err != nil {
			return "", errors.Database("read folder path", err)
		}
		segments = append([]string{title}, segments...)
		if parent.Valid {
			p := parent.String
			current = &p
		} else {
			current = nil
		}
	}
	return strings.Join(segments, "/"), nil
}

// SubtreeIDs returns the id set of a folder's subtree including the folder
// itself. Results are cached per root and invalidated on any folder
// mutation.
func (s *FolderStore) SubtreeIDs(ctx context.Context, rootID string) (map[string]bool, error) {
	if cached, ok := s.cache.get(rootID); ok {
		return cached, nil
	}
	var ids map[string]bool
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = subtreeIDsTx(tx, rootID)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids[rootID] = true
	s.cache.put(rootID, ids)
	return ids, nil
}

// InvalidateCache drops all cached subtree id sets.
func (s *FolderStore) InvalidateCache() {
	s.cache.invalidate()
}

const maxFolderDepth = 128

func subtreeIDsTx(tx *sql.Tx, rootID string) (map[string]bool, error) {
	ids := make(map[string]bool)
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0 && depth < maxFolderDepth; depth++ {
		var next []string
		for _, parent := range frontier {
			rows, err := tx.Query("SELECT id FROM folders WHERE parent_id = ?", parent)
			if err != nil {
				return nil, errors.Database("walk folder tree", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, errors.Database("scan folder id", err)
				}
				if !ids[id] {
					ids[id] = true
					next = append(next, id)
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, errors.Database("iterate folder tree", err)
			}
			rows.Close()
		}
		frontier = next
	}
	return ids, nil
}

// depthOrderTx orders the ids so children precede their parents.
func depthOrderTx(tx *sql.Tx, ids map[string]bool) ([]string, error) {
	depth := make(map[string]int, len(ids))
	for id := range ids {
		d := 0
		current := id
		for {
			var parent sql.NullString
			err := tx.QueryRow("SELECT parent_id FROM folders WHERE id = ?", current).Scan(&parent)
			if err != nil || !parent.Valid || !ids[parent.String] {
				break
			}
			d++
			current = parent.String
			if d >= maxFolderDepth {
				break
			}
		}
		depth[id] = d
	}

	order := make([]string, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	// Deepest first.
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if depth[order[j]] > depth[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	return order, nil
}

func (s *FolderStore) getLive(tx *sql.Tx, id string) (*Folder, error) {
	row := tx.QueryRow(`
SELECT id, parent_id, title, sort_order, created_at, updated_at, deleted_at
FROM folders WHERE id = ? AND deleted_at IS NULL`, id)
	folder, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("folder %s", id)
	}
	if err != nil {
		return nil, errors.Database("read folder", err)
	}
	return folder, nil
}

func (s *FolderStore) assertLive(tx *sql.Tx, id string) error {
	_, err := s.getLive(tx, id)
	return err
}

func (s *FolderStore) assertTitleFree(tx *sql.Tx, parentID *string, title, excludeID string) error {
	query := "SELECT COUNT(*) FROM folders WHERE deleted_at IS NULL AND title = ? AND id != ? AND "
	var count int
	var err error
	if parentID == nil {
		err = tx.QueryRow(query+"parent_id IS NULL", title, excludeID).Scan(&count)
	} else {
		err = tx.QueryRow(query+"parent_id = ?", title, excludeID, *parentID).Scan(&count)
	}
	if err != nil {
		return errors.Database("check sibling titles", err)
	}
	if count > 0 {
		return errors.InvalidArgument("a folder named %q already exists here", title)
	}
	return nil
}

func scanFolder(row *sql.Row) (*Folder, error) {
	var f Folder
	var parent, deleted sql.NullString
	if err := row.Scan(&f.ID, &parent, &f.Title, &f.SortOrder, &f.CreatedAt, &f.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	if parent.Valid {
		f.ParentID = &parent.String
	}
	if deleted.Valid {
		f.DeletedAt = &deleted.String
	}
	return &f, nil
}

func scanFolders(rows *sql.Rows) ([]*Folder, error) {
	var folders []*Folder
	for rows.Next() {
		var f Folder
		var parent, deleted sql.NullString
		if err := rows.Scan(&f.ID, &parent, &f.Title, &f.SortOrder, &f.CreatedAt, &f.UpdatedAt, &deleted); err != nil {
			return nil, errors.Database("scan folder", err)
		}
		if parent.Valid {
			f.ParentID = &parent.String
		}
		if deleted.Valid {
			f.DeletedAt = &deleted.String
		}
		folders = append(folders, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate folders", err)
	}
	return folders, nil
}

func parentPtr(id *string) any {
	if id == nil {
		return nil
	}
	return *id
}
