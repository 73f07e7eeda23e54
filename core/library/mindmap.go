package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/vfs"
)

// MindMap wraps one resource holding the normalized document JSON.
type MindMap struct {
	ID          string         `json:"id"`
	ResourceID  string         `json:"resource_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	DefaultView string         `json:"default_view,omitempty"`
	Theme       string         `json:"theme,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	Content     string         `json:"content,omitempty"`
	FolderID    *string        `json:"folder_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	DeletedAt   *string        `json:"deleted_at,omitempty"`
}

// MindMapVersion is a snapshot taken before a content-changing update.
type MindMapVersion struct {
	ID         string `json:"id"`
	MindMapID  string `json:"mindmap_id"`
	ResourceID string `json:"resource_id"`
	Title      string `json:"title"`
	Label      string `json:"label,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type CreateMindMapParams struct {
	Title       string
	Content     string // document JSON or bare root node
	Description string
	DefaultView string
	Theme       string
	Settings    map[string]any
	FolderID    *string
}

type UpdateMindMapParams struct {
	Title             *string
	Content           *string
	Description       *string
	DefaultView       *string
	Theme             *string
	Settings          *map[string]any
	ExpectedUpdatedAt *string
	VersionLabel      string
}

type MindMapRepo struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	folders  *vfs.FolderStore
	registry *indexstate.Registry
	logger   *slog.Logger
}

func NewMindMapRepo(pool *database.Pool, res *vfs.ResourceStore, items *vfs.ItemStore, folders *vfs.FolderStore, registry *indexstate.Registry, logger *slog.Logger) *MindMapRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &MindMapRepo{pool: pool, res: res, items: items, folders: folders, registry: registry, logger: logger}
}

// Create normalizes the document, stores it as a salted resource, and
// places the mindmap in its folder, all in one transaction.
func (r *MindMapRepo) Create(ctx context.Context, params CreateMindMapParams) (*MindMap, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.InvalidArgument("mindmap title is empty")
	}

	doc, err := NormalizeMindMap([]byte(params.Content))
	if err != nil {
		return nil, err
	}
	payload, err := doc.Encode()
	if err != nil {
		return nil, err
	}

	now := vfs.NowISO()
	mm := &MindMap{
		ID:          uuid.NewString(),
		Title:       title,
		Description: params.Description,
		DefaultView: params.DefaultView,
		Theme:       params.Theme,
		Settings:    params.Settings,
		Content:     string(payload),
		FolderID:    params.FolderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if params.FolderID != nil {
			var live int
			if err := tx.QueryRow("SELECT COUNT(*) FROM folders WHERE id = ? AND deleted_at IS NULL", *params.FolderID).Scan(&live); err != nil {
				return errors.Database("check folder", err)
			}
			if live == 0 {
				return errors.NotFound("folder %s", *params.FolderID)
			}
		}

		resourceID, _, err := r.res.CreateOrReuse(tx, vfs.TypeMindMap, payload, mm.ID, "")
		if err != nil {
			return err
		}
		mm.ResourceID = resourceID

		settings, _ := json.Marshal(orEmptyMap(mm.Settings))
		_, err = tx.Exec(`
INSERT INTO mindmaps (id, resource_id, title, description, default_view, theme, settings, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			mm.ID, resourceID, title, marshalNullable(mm.Description), marshalNullable(mm.DefaultView),
			marshalNullable(mm.Theme), string(settings), now, now)
		if err != nil {
			return errors.Database("insert mindmap", err)
		}

		if err := r.items.Insert(tx, params.FolderID, KindMindMap, mm.ID); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, resourceID); err != nil {
			return err
		}
		return logChange(tx, KindMindMap, mm.ID, "create")
	})
	if err != nil {
		return nil, err
	}
	return mm, nil
}

// Update normalizes new content and snapshots the prior document into
// mindmap_versions before the entity's resource_id is rebound.
func (r *MindMapRepo) Update(ctx context.Context, id string, params UpdateMindMapParams) (*MindMap, error) {
	var payload []byte
	if params.Content != nil {
		doc, err := NormalizeMindMap([]byte(*params.Content))
		if err != nil {
			return nil, err
		}
		payload, err = doc.Encode()
		if err != nil {
			return nil, err
		}
	}

	var updated *MindMap
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		mm, err := r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		if err := checkOptimistic(params.ExpectedUpdatedAt, mm.UpdatedAt); err != nil {
			return err
		}

		if params.Title != nil {
			title := strings.TrimSpace(*params.Title)
			if title == "" {
				return errors.InvalidArgument("mindmap title is empty")
			}
			mm.Title = title
		}
		if params.Description != nil {
			mm.Description = *params.Description
		}
		if params.DefaultView != nil {
			mm.DefaultView = *params.DefaultView
		}
		if params.Theme != nil {
			mm.Theme = *params.Theme
		}
		if params.Settings != nil {
			mm.Settings = *params.Settings
		}

		contentChanged := false
		rebindFrom := ""
		if payload != nil {
			newHash := vfs.HashFor(vfs.TypeMindMap, payload, id)
			res, err := r.res.Get(tx, mm.ResourceID)
			if err != nil {
				return err
			}
			if newHash != res.Hash {
				contentChanged = true
				if err := r.snapshotVersion(tx, mm, params.VersionLabel); err != nil {
					return err
				}
				newResourceID, _, err := r.res.Rewrite(tx, mm.ResourceID, payload, id)
				if err != nil {
					return err
				}
				if newResourceID != mm.ResourceID {
					rebindFrom = mm.ResourceID
				}
				mm.ResourceID = newResourceID
			}
			mm.Content = string(payload)
		}

		mm.UpdatedAt = vfs.NowISO()
		settings, _ := json.Marshal(orEmptyMap(mm.Settings))
		_, err = tx.Exec(`
UPDATE mindmaps SET resource_id = ?, title = ?, description = ?, default_view = ?, theme = ?, settings = ?, updated_at = ?
WHERE id = ?`,
			mm.ResourceID, mm.Title, marshalNullable(mm.Description), marshalNullable(mm.DefaultView),
			marshalNullable(mm.Theme), string(settings), mm.UpdatedAt, id)
		if err != nil {
			return errors.Database("update mindmap", err)
		}

		if contentChanged {
			if err := r.registry.MarkPendingTx(tx, mm.ResourceID); err != nil {
				return err
			}
		}
		if rebindFrom != "" {
			// Stale vectors under the old resource id get dropped on the
			// indexer's next pass over it.
			if err := r.registry.MarkPendingTx(tx, rebindFrom); err != nil {
				return err
			}
		}
		if err := logChange(tx, KindMindMap, id, "update"); err != nil {
			return err
		}
		updated = mm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *MindMapRepo) snapshotVersion(tx *sql.Tx, mm *MindMap, label string) error {
	if err := r.res.Increment(tx, mm.ResourceID); err != nil {
		return err
	}
	_, err := tx.Exec(`
INSERT INTO mindmap_versions (id, mindmap_id, resource_id, title, label, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), mm.ID, mm.ResourceID, mm.Title, marshalNullable(label), vfs.NowISO())
	if err != nil {
		return errors.Database("insert mindmap version", err)
	}
	return nil
}

// Delete soft-deletes the mindmap and its folder item. Idempotent.
func (r *MindMapRepo) Delete(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		mm, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if mm.DeletedAt != nil {
			return nil
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE mindmaps SET deleted_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
			return errors.Database("soft delete mindmap", err)
		}
		if err := r.items.SoftDelete(tx, KindMindMap, id); err != nil {
			return err
		}
		return logChange(tx, KindMindMap, id, "delete")
	})
}

// Restore un-deletes with collision rename and re-queues indexing.
func (r *MindMapRepo) Restore(ctx context.Context, id string) (*MindMap, error) {
	var restored *MindMap
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		mm, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if mm.DeletedAt == nil {
			restored = mm
			return nil
		}

		title, err := uniqueTitle(tx, "mindmaps", "title", mm.Title, id)
		if err != nil {
			return err
		}
		mm.Title = title
		mm.DeletedAt = nil
		mm.UpdatedAt = vfs.NowISO()

		if _, err := tx.Exec("UPDATE mindmaps SET deleted_at = NULL, title = ?, updated_at = ? WHERE id = ?", title, mm.UpdatedAt, id); err != nil {
			return errors.Database("restore mindmap", err)
		}
		if err := r.items.Restore(tx, KindMindMap, id); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, mm.ResourceID); err != nil {
			return err
		}
		if err := logChange(tx, KindMindMap, id, "restore"); err != nil {
			return err
		}
		restored = mm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// Purge hard-deletes the mindmap, its versions, and its resources. Runs in
// a savepoint so an outer transaction can roll back just this step.
func (r *MindMapRepo) Purge(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.PurgeTx(tx, id)
	})
}

// PurgeTx is the purge body for callers that already hold a transaction.
func (r *MindMapRepo) PurgeTx(tx *sql.Tx, id string) error {
	return database.Savepoint(tx, "purge_mindmap", func(tx *sql.Tx) error {
		mm, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}

		rows, err := tx.Query("SELECT resource_id FROM mindmap_versions WHERE mindmap_id = ?", id)
		if err != nil {
			return errors.Database("list mindmap versions", err)
		}
		var versionResources []string
		for rows.Next() {
			var rid string
			if err := rows.Scan(&rid); err != nil {
				rows.Close()
				return errors.Database("scan mindmap version", err)
			}
			versionResources = append(versionResources, rid)
		}
		rows.Close()

		if _, err := tx.Exec("DELETE FROM mindmap_versions WHERE mindmap_id = ?", id); err != nil {
			return errors.Database("delete mindmap versions", err)
		}
		for _, rid := range versionResources {
			if err := r.res.Decrement(tx, rid); err != nil {
				return err
			}
		}

		if err := r.items.Delete(tx, KindMindMap, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM mindmaps WHERE id = ?", id); err != nil {
			return errors.Database("delete mindmap", err)
		}
		if err := r.res.Decrement(tx, mm.ResourceID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM index_states WHERE resource_id = ?", mm.ResourceID); err != nil {
			return errors.Database("delete index state", err)
		}
		return logChange(tx, KindMindMap, id, "purge")
	})
}

// Get returns a live mindmap with its document payload.
func (r *MindMapRepo) Get(ctx context.Context, id string) (*MindMap, error) {
	var mm *MindMap
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		mm, err = r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		res, err := r.res.Get(tx, mm.ResourceID)
		if err != nil {
			return err
		}
		payload, err := r.res.Payload(res)
		if err != nil {
			return err
		}
		mm.Content = string(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if folderID, err := r.items.FolderOf(ctx, KindMindMap, id); err == nil {
		mm.FolderID = folderID
	}
	return mm, nil
}

// List returns live mindmaps without payloads, newest first.
func (r *MindMapRepo) List(ctx context.Context) ([]*MindMap, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, resource_id, title, description, default_view, theme, settings, created_at, updated_at, deleted_at
FROM mindmaps WHERE deleted_at IS NULL ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Database("list mindmaps", err)
	}
	defer rows.Close()
	return scanMindMaps(rows)
}

// ListDeleted returns trashed mindmaps.
func (r *MindMapRepo) ListDeleted(ctx context.Context) ([]*MindMap, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, resource_id, title, description, default_view, theme, settings, created_at, updated_at, deleted_at
FROM mindmaps WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, errors.Database("list deleted mindmaps", err)
	}
	defer rows.Close()
	return scanMindMaps(rows)
}

// Versions returns the snapshot history, newest first.
func (r *MindMapRepo) Versions(ctx context.Context, mindmapID string) ([]*MindMapVersion, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, mindmap_id, resource_id, title, label, created_at
FROM mindmap_versions WHERE mindmap_id = ? ORDER BY created_at DESC`, mindmapID)
	if err != nil {
		return nil, errors.Database("list mindmap versions", err)
	}
	defer rows.Close()

	var versions []*MindMapVersion
	for rows.Next() {
		var v MindMapVersion
		var label sql.NullString
		if err := rows.Scan(&v.ID, &v.MindMapID, &v.ResourceID, &v.Title, &label, &v.CreatedAt); err != nil {
			return nil, errors.Database("scan mindmap version", err)
		}
		v.Label = label.String
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (r *MindMapRepo) getTx(tx *sql.Tx, id string, includeDeleted bool) (*MindMap, error) {
	query := `
SELECT id, resource_id, title, description, default_view, theme, settings, created_at, updated_at, deleted_at
FROM mindmaps WHERE id = ?`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	mm, err := scanMindMap(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("mindmap %s", id)
	}
	if err != nil {
		return nil, errors.Database("read mindmap", err)
	}
	return mm, nil
}

func scanMindMap(row rowScanner) (*MindMap, error) {
	var mm MindMap
	var description, defaultView, theme, deleted sql.NullString
	var settings string
	if err := row.Scan(&mm.ID, &mm.ResourceID, &mm.Title, &description, &defaultView, &theme, &settings, &mm.CreatedAt, &mm.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	mm.Description = description.String
	mm.DefaultView = defaultView.String
	mm.Theme = theme.String
	_ = json.Unmarshal([]byte(settings), &mm.Settings)
	if deleted.Valid {
		mm.DeletedAt = &deleted.String
	}
	return &mm, nil
}

func scanMindMaps(rows *sql.Rows) ([]*MindMap, error) {
	var maps []*MindMap
	for rows.Next() {
		mm, err := scanMindMap(rows)
		if err != nil {
			return nil, errors.Database("scan mindmap", err)
		}
		maps = append(maps, mm)
	}
	return maps, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
