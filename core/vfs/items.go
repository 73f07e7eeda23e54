package vfs

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
)

// FolderItem places a typed entity inside a folder. folder_id nil means the
// entity sits at the root. Each entity has at most one live folder item.
type FolderItem struct {
	ID        string
	FolderID  *string
	ItemType  string
	ItemID    string
	SortOrder int
	CreatedAt int64 // unix millis
	UpdatedAt int64 // unix millis
	DeletedAt *int64
}

// ItemStore manages folder_items rows. Mutations run on a caller
// transaction so entity repos can compose them with their own writes.
type ItemStore struct {
	pool *database.Pool
}

func NewItemStore(pool *database.Pool) *ItemStore {
	return &ItemStore{pool: pool}
}

// Insert places an entity into a folder (nil = root).
func (s *ItemStore) Insert(tx *sql.Tx, folderID *string, itemType, itemID string) error {
	now := NowMillis()
	_, err := tx.Exec(`
INSERT INTO folder_items (id, folder_id, item_type, item_id, sort_order, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(), parentPtr(folderID), itemType, itemID, now, now)
	if err != nil {
		return errors.Database("insert folder item", err)
	}
	return nil
}

// SoftDelete tombstones the entity's live folder item, keeping it
// synchronized with the owning entity's soft-delete.
func (s *ItemStore) SoftDelete(tx *sql.Tx, itemType, itemID string) error {
	now := NowMillis()
	_, err := tx.Exec(`
UPDATE folder_items SET deleted_at = ?, updated_at = ? WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL`,
		now, now, itemType, itemID)
	if err != nil {
		return errors.Database("soft delete folder item", err)
	}
	return nil
}

// Restore re-activates the entity's folder item.
func (s *ItemStore) Restore(tx *sql.Tx, itemType, itemID string) error {
	_, err := tx.Exec(`
UPDATE folder_items SET deleted_at = NULL, updated_at = ? WHERE item_type = ? AND item_id = ?`,
		NowMillis(), itemType, itemID)
	if err != nil {
		return errors.Database("restore folder item", err)
	}
	return nil
}

// Delete removes the entity's folder items outright (purge path).
func (s *ItemStore) Delete(tx *sql.Tx, itemType, itemID string) error {
	_, err := tx.Exec("DELETE FROM folder_items WHERE item_type = ? AND item_id = ?", itemType, itemID)
	if err != nil {
		return errors.Database("delete folder item", err)
	}
	return nil
}

// Move rebinds the entity's live folder item to a new folder.
func (s *ItemStore) Move(tx *sql.Tx, itemType, itemID string, folderID *string) error {
	result, err := tx.Exec(`
UPDATE folder_items SET folder_id = ?, updated_at = ? WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL`,
		parentPtr(folderID), NowMillis(), itemType, itemID)
	if err != nil {
		return errors.Database("move folder item", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("folder item for %s %s", itemType, itemID)
	}
	return nil
}

// FolderOf returns the folder id the entity's live item sits in (nil = root).
func (s *ItemStore) FolderOf(ctx context.Context, itemType, itemID string) (*string, error) {
	var folderID sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT folder_id FROM folder_items WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL`,
		itemType, itemID).Scan(&folderID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("folder item for %s %s", itemType, itemID)
	}
	if err != nil {
		return nil, errors.Database("read folder item", err)
	}
	if folderID.Valid {
		return &folderID.String, nil
	}
	return nil, nil
}

// FolderOfTx is FolderOf on a caller transaction.
func (s *ItemStore) FolderOfTx(tx *sql.Tx, itemType, itemID string) (*string, error) {
	var folderID sql.NullString
	err := tx.QueryRow(`
SELECT folder_id FROM folder_items WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL`,
		itemType, itemID).Scan(&folderID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("folder item for %s %s", itemType, itemID)
	}
	if err != nil {
		return nil, errors.Database("read folder item", err)
	}
	if folderID.Valid {
		return &folderID.String, nil
	}
	return nil, nil
}

// List returns live items in a folder ordered by (sort_order, updated_at desc).
func (s *ItemStore) List(ctx context.Context, folderID *string) ([]*FolderItem, error) {
	query := `
SELECT id, folder_id, item_type, item_id, sort_order, created_at, updated_at, deleted_at
FROM folder_items WHERE deleted_at IS NULL AND `
	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = s.pool.Query(ctx, query+"folder_id IS NULL ORDER BY sort_order ASC, updated_at DESC")
	} else {
		rows, err = s.pool.Query(ctx, query+"folder_id = ? ORDER BY sort_order ASC, updated_at DESC", *folderID)
	}
	if err != nil {
		return nil, errors.Database("list folder items", err)
	}
	defer rows.Close()

	var items []*FolderItem
	for rows.Next() {
		var item FolderItem
		var folder sql.NullString
		var deleted sql.NullInt64
		if err := rows.Scan(&item.ID, &folder, &item.ItemType, &item.ItemID, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt, &deleted); err != nil {
			return nil, errors.Database("scan folder item", err)
		}
		if folder.Valid {
			item.FolderID = &folder.String
		}
		if deleted.Valid {
			item.DeletedAt = &deleted.Int64
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate folder items", err)
	}
	return items, nil
}
