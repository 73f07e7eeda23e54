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

// Note wraps exactly one resource holding the note body.
type Note struct {
	ID         string   `json:"id"`
	ResourceID string   `json:"resource_id"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	IsFavorite bool     `json:"is_favorite"`
	Content    string   `json:"content,omitempty"`
	FolderID   *string  `json:"folder_id,omitempty"`
	FolderPath string   `json:"folder_path,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	DeletedAt  *string  `json:"deleted_at,omitempty"`
}

// NoteVersion is a content snapshot taken before a rebinding update.
type NoteVersion struct {
	ID         string   `json:"id"`
	NoteID     string   `json:"note_id"`
	ResourceID string   `json:"resource_id"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags,omitempty"`
	Label      string   `json:"label,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type CreateNoteParams struct {
	Title    string
	Content  string
	Tags     []string
	FolderID *string
}

type UpdateNoteParams struct {
	Title             *string
	Content           *string
	Tags              *[]string
	ExpectedUpdatedAt *string
	VersionLabel      string
}

type NoteRepo struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	folders  *vfs.FolderStore
	registry *indexstate.Registry
	logger   *slog.Logger
}

func NewNoteRepo(pool *database.Pool, res *vfs.ResourceStore, items *vfs.ItemStore, folders *vfs.FolderStore, registry *indexstate.Registry, logger *slog.Logger) *NoteRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoteRepo{pool: pool, res: res, items: items, folders: folders, registry: registry, logger: logger}
}

// Create inserts the note, its resource, and its folder item in one
// transaction. Any failure rolls everything back so no orphan resource
// remains.
func (r *NoteRepo) Create(ctx context.Context, params CreateNoteParams) (*Note, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.InvalidArgument("note title is empty")
	}
	if params.Content == "" {
		return nil, errors.InvalidArgument("note content is empty")
	}

	note := &Note{
		ID:         uuid.NewString(),
		Title:      title,
		Tags:       params.Tags,
		Content:    params.Content,
		FolderID:   params.FolderID,
		CreatedAt:  vfs.NowISO(),
	}
	note.UpdatedAt = note.CreatedAt
	if note.Tags == nil {
		note.Tags = []string{}
	}

	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if params.FolderID != nil {
			var live int
			err := tx.QueryRow("SELECT COUNT(*) FROM folders WHERE id = ? AND deleted_at IS NULL", *params.FolderID).Scan(&live)
			if err != nil {
				return errors.Database("check folder", err)
			}
			if live == 0 {
				return errors.NotFound("folder %s", *params.FolderID)
			}
		}

		resourceID, _, err := r.res.CreateOrReuse(tx, vfs.TypeNote, []byte(params.Content), note.ID, "")
		if err != nil {
			return err
		}
		note.ResourceID = resourceID

		tags, _ := json.Marshal(note.Tags)
		_, err = tx.Exec(`
INSERT INTO notes (id, resource_id, title, tags, is_favorite, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)`,
			note.ID, resourceID, title, string(tags), note.CreatedAt, note.UpdatedAt)
		if err != nil {
			return errors.Database("insert note", err)
		}

		if err := r.items.Insert(tx, params.FolderID, KindNote, note.ID); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, resourceID); err != nil {
			return err
		}
		return logChange(tx, KindNote, note.ID, "create")
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// Update applies partial changes. A content change snapshots the previous
// payload into notes_versions before the resource is rewritten or rebound,
// and re-queues indexing.
func (r *NoteRepo) Update(ctx context.Context, id string, params UpdateNoteParams) (*Note, error) {
	var updated *Note
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		note, err := r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		if err := checkOptimistic(params.ExpectedUpdatedAt, note.UpdatedAt); err != nil {
			return err
		}

		if params.Title != nil {
			title := strings.TrimSpace(*params.Title)
			if title == "" {
				return errors.InvalidArgument("note title is empty")
			}
			note.Title = title
		}
		if params.Tags != nil {
			note.Tags = *params.Tags
			if note.Tags == nil {
				note.Tags = []string{}
			}
		}

		contentChanged := false
		rebindFrom := ""
		if params.Content != nil {
			newHash := vfs.HashFor(vfs.TypeNote, []byte(*params.Content), id)
			res, err := r.res.Get(tx, note.ResourceID)
			if err != nil {
				return err
			}
			if newHash != res.Hash {
				contentChanged = true
				// Snapshot before the rebind so history survives.
				if err := r.snapshotVersion(tx, note, params.VersionLabel); err != nil {
					return err
				}
				newResourceID, _, err := r.res.Rewrite(tx, note.ResourceID, []byte(*params.Content), id)
				if err != nil {
					return err
				}
				if newResourceID != note.ResourceID {
					rebindFrom = note.ResourceID
				}
				note.ResourceID = newResourceID
			}
			note.Content = *params.Content
		}

		note.UpdatedAt = vfs.NowISO()
		tags, _ := json.Marshal(note.Tags)
		_, err = tx.Exec(`
UPDATE notes SET resource_id = ?, title = ?, tags = ?, updated_at = ? WHERE id = ?`,
			note.ResourceID, note.Title, string(tags), note.UpdatedAt, id)
		if err != nil {
			return errors.Database("update note", err)
		}

		if contentChanged {
			if err := r.registry.MarkPendingTx(tx, note.ResourceID); err != nil {
				return err
			}
		}
		if rebindFrom != "" {
			// The old resource lost its live owner; a pass over it lets
			// the indexer drop its stale vectors.
			if err := r.registry.MarkPendingTx(tx, rebindFrom); err != nil {
				return err
			}
		}
		if err := logChange(tx, KindNote, id, "update"); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// snapshotVersion records the note's current payload as a version. The
// snapshot re-references the current resource, so its ref count is bumped
// and the ref survives even after the note rebinds.
func (r *NoteRepo) snapshotVersion(tx *sql.Tx, note *Note, label string) error {
	if err := r.res.Increment(tx, note.ResourceID); err != nil {
		return err
	}
	tags, _ := json.Marshal(note.Tags)
	_, err := tx.Exec(`
INSERT INTO notes_versions (id, note_id, resource_id, title, tags, label, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), note.ID, note.ResourceID, note.Title, string(tags), marshalNullable(label), vfs.NowISO())
	if err != nil {
		return errors.Database("insert note version", err)
	}
	return nil
}

// SetFavorite flips the favorite flag without touching content or versions.
func (r *NoteRepo) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.Exec(
			"UPDATE notes SET is_favorite = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
			boolToInt(favorite), vfs.NowISO(), id)
		if err != nil {
			return errors.Database("set favorite", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return errors.NotFound("note %s", id)
		}
		return nil
	})
}

// Delete soft-deletes the note and its folder item. Idempotent on an
// already-deleted row; NotFound on a missing one.
func (r *NoteRepo) Delete(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		note, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if note.DeletedAt != nil {
			return nil
		}

		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE notes SET deleted_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
			return errors.Database("soft delete note", err)
		}
		if err := r.items.SoftDelete(tx, KindNote, id); err != nil {
			return err
		}
		return logChange(tx, KindNote, id, "delete")
	})
}

// Restore un-deletes the note and its folder item, renaming on title
// collision, and re-queues the resource for indexing.
func (r *NoteRepo) Restore(ctx context.Context, id string) (*Note, error) {
	var restored *Note
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		note, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if note.DeletedAt == nil {
			restored = note
			return nil
		}

		title, err := uniqueTitle(tx, "notes", "title", note.Title, id)
		if err != nil {
			return err
		}
		note.Title = title
		note.DeletedAt = nil
		note.UpdatedAt = vfs.NowISO()

		_, err = tx.Exec("UPDATE notes SET deleted_at = NULL, title = ?, updated_at = ? WHERE id = ?", title, note.UpdatedAt, id)
		if err != nil {
			return errors.Database("restore note", err)
		}
		if err := r.items.Restore(tx, KindNote, id); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, note.ResourceID); err != nil {
			return err
		}
		if err := logChange(tx, KindNote, id, "restore"); err != nil {
			return err
		}
		restored = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// Purge hard-deletes the note, its versions and their snapshot resources,
// its folder item, and its primary resource when the ref count settles to
// zero. All or nothing.
func (r *NoteRepo) Purge(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return database.Savepoint(tx, "purge_note", func(tx *sql.Tx) error {
			return r.purgeTx(tx, id)
		})
	})
}

func (r *NoteRepo) purgeTx(tx *sql.Tx, id string) error {
	note, err := r.getTx(tx, id, true)
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT id, resource_id FROM notes_versions WHERE note_id = ?", id)
	if err != nil {
		return errors.Database("list note versions", err)
	}
	type versionRef struct{ id, resourceID string }
	var versions []versionRef
	for rows.Next() {
		var v versionRef
		if err := rows.Scan(&v.id, &v.resourceID); err != nil {
			rows.Close()
			return errors.Database("scan note version", err)
		}
		versions = append(versions, v)
	}
	rows.Close()

	// Version rows go first so the snapshot resources stop being
	// version-referenced before their counts are settled.
	if _, err := tx.Exec("DELETE FROM notes_versions WHERE note_id = ?", id); err != nil {
		return errors.Database("delete note versions", err)
	}
	for _, v := range versions {
		if err := r.res.Decrement(tx, v.resourceID); err != nil {
			return err
		}
	}

	if err := r.items.Delete(tx, KindNote, id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM notes WHERE id = ?", id); err != nil {
		return errors.Database("delete note", err)
	}
	if err := r.res.Decrement(tx, note.ResourceID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM index_states WHERE resource_id = ?", note.ResourceID); err != nil {
		return errors.Database("delete index state", err)
	}
	return logChange(tx, KindNote, id, "purge")
}

// EmptyTrash purges every soft-deleted note.
func (r *NoteRepo) EmptyTrash(ctx context.Context) (int, error) {
	deleted, err := r.ListDeleted(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, note := range deleted {
		if err := r.Purge(ctx, note.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Get returns a live note with its payload and folder path.
func (r *NoteRepo) Get(ctx context.Context, id string) (*Note, error) {
	return r.getLoaded(ctx, id, false)
}

// GetIncludingDeleted returns the note even when soft-deleted.
func (r *NoteRepo) GetIncludingDeleted(ctx context.Context, id string) (*Note, error) {
	return r.getLoaded(ctx, id, true)
}

func (r *NoteRepo) getLoaded(ctx context.Context, id string, includeDeleted bool) (*Note, error) {
	var note *Note
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		note, err = r.getTx(tx, id, includeDeleted)
		if err != nil {
			return err
		}
		res, err := r.res.Get(tx, note.ResourceID)
		if err != nil {
			return err
		}
		payload, err := r.res.Payload(res)
		if err != nil {
			return err
		}
		note.Content = string(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.attachFolder(ctx, note)
	return note, nil
}

func (r *NoteRepo) attachFolder(ctx context.Context, note *Note) {
	folderID, err := r.items.FolderOf(ctx, KindNote, note.ID)
	if err != nil {
		return
	}
	note.FolderID = folderID
	if folderID != nil {
		if path, err := r.folders.Path(ctx, *folderID); err == nil {
			note.FolderPath = path
		}
	}
}

func (r *NoteRepo) getTx(tx *sql.Tx, id string, includeDeleted bool) (*Note, error) {
	query := `
SELECT id, resource_id, title, tags, is_favorite, created_at, updated_at, deleted_at
FROM notes WHERE id = ?`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	note, err := scanNote(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("note %s", id)
	}
	if err != nil {
		return nil, errors.Database("read note", err)
	}
	return note, nil
}

// ListOptions narrows List and Search results.
type ListOptions struct {
	FolderID      *string
	Tag           string
	FavoritesOnly bool
	Keyword       string
	Limit         int
	Offset        int
}

// List returns live notes, newest first, with payloads attached.
func (r *NoteRepo) List(ctx context.Context) ([]*Note, error) {
	notes, err := r.ListAdvanced(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, note := range notes {
		if err := r.loadContent(ctx, note); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

// ListMeta returns live notes without payloads.
func (r *NoteRepo) ListMeta(ctx context.Context) ([]*Note, error) {
	return r.ListAdvanced(ctx, ListOptions{})
}

// ListAdvanced applies the options. Keyword matches title and body with
// escaped LIKE patterns. Results come back newest first by updated_at.
func (r *NoteRepo) ListAdvanced(ctx context.Context, opts ListOptions) ([]*Note, error) {
	query := `
SELECT n.id, n.resource_id, n.title, n.tags, n.is_favorite, n.created_at, n.updated_at, n.deleted_at
FROM notes n`
	var conds []string
	var args []any

	if opts.Keyword != "" {
		query += " JOIN resources res ON res.id = n.resource_id"
		pattern := "%" + escapeLike(opts.Keyword) + "%"
		conds = append(conds, `(n.title LIKE ? ESCAPE '\' OR res.data LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	conds = append(conds, "n.deleted_at IS NULL")
	if opts.FolderID != nil {
		query += " JOIN folder_items fi ON fi.item_type = 'note' AND fi.item_id = n.id AND fi.deleted_at IS NULL"
		conds = append(conds, "fi.folder_id = ?")
		args = append(args, *opts.FolderID)
	}
	if opts.FavoritesOnly {
		conds = append(conds, "n.is_favorite = 1")
	}
	if opts.Tag != "" {
		conds = append(conds, "n.tags LIKE ? ESCAPE '\\'")
		args = append(args, `%"`+escapeLike(opts.Tag)+`"%`)
	}

	query += " WHERE " + strings.Join(conds, " AND ") + " ORDER BY n.updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Database("list notes", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNoteRows(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate notes", err)
	}
	for _, note := range notes {
		r.attachFolder(ctx, note)
	}
	return notes, nil
}

// Search is keyword search over title and body, newest first.
func (r *NoteRepo) Search(ctx context.Context, keyword string, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	notes, err := r.ListAdvanced(ctx, ListOptions{Keyword: keyword, Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, note := range notes {
		if err := r.loadContent(ctx, note); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

// MentionsSearch finds notes whose body mentions the keyword, optionally
// scoped to titles matching subject.
func (r *NoteRepo) MentionsSearch(ctx context.Context, subject, keyword string, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT n.id, n.resource_id, n.title, n.tags, n.is_favorite, n.created_at, n.updated_at, n.deleted_at
FROM notes n JOIN resources res ON res.id = n.resource_id
WHERE n.deleted_at IS NULL AND res.data LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(keyword) + "%"}
	if subject != "" {
		query += ` AND n.title LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(subject)+"%")
	}
	query += " ORDER BY n.updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Database("mentions search", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNoteRows(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// ListDeleted returns trashed notes, most recently deleted first.
func (r *NoteRepo) ListDeleted(ctx context.Context) ([]*Note, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, resource_id, title, tags, is_favorite, created_at, updated_at, deleted_at
FROM notes WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, errors.Database("list deleted notes", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNoteRows(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// ListTags returns distinct tags across live notes, most used first.
func (r *NoteRepo) ListTags(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, "SELECT tags FROM notes WHERE deleted_at IS NULL")
	if err != nil {
		return nil, errors.Database("list tags", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	var order []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Database("scan tags", err)
		}
		var tags []string
		if json.Unmarshal([]byte(raw), &tags) != nil {
			continue
		}
		for _, tag := range tags {
			if counts[tag] == 0 {
				order = append(order, tag)
			}
			counts[tag]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate tags", err)
	}

	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if counts[order[j]] > counts[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	if len(order) > limit {
		order = order[:limit]
	}
	return order, nil
}

// Versions returns the note's snapshot history, newest first.
func (r *NoteRepo) Versions(ctx context.Context, noteID string) ([]*NoteVersion, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, note_id, resource_id, title, tags, label, created_at
FROM notes_versions WHERE note_id = ? ORDER BY created_at DESC`, noteID)
	if err != nil {
		return nil, errors.Database("list note versions", err)
	}
	defer rows.Close()

	var versions []*NoteVersion
	for rows.Next() {
		var v NoteVersion
		var tags, label sql.NullString
		if err := rows.Scan(&v.ID, &v.NoteID, &v.ResourceID, &v.Title, &tags, &label, &v.CreatedAt); err != nil {
			return nil, errors.Database("scan note version", err)
		}
		if tags.Valid {
			_ = json.Unmarshal([]byte(tags.String), &v.Tags)
		}
		v.Label = label.String
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// VersionContent loads a snapshot's payload.
func (r *NoteRepo) VersionContent(ctx context.Context, versionID string) (string, error) {
	var content string
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var resourceID string
		err := tx.QueryRow("SELECT resource_id FROM notes_versions WHERE id = ?", versionID).Scan(&resourceID)
		if err == sql.ErrNoRows {
			return errors.NotFound("note version %s", versionID)
		}
		if err != nil {
			return errors.Database("read note version", err)
		}
		res, err := r.res.Get(tx, resourceID)
		if err != nil {
			return err
		}
		payload, err := r.res.Payload(res)
		if err != nil {
			return err
		}
		content = string(payload)
		return nil
	})
	return content, err
}

func (r *NoteRepo) loadContent(ctx context.Context, note *Note) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := r.res.Get(tx, note.ResourceID)
		if err != nil {
			return err
		}
		payload, err := r.res.Payload(res)
		if err != nil {
			return err
		}
		note.Content = string(payload)
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var note Note
	var tags string
	var favorite int
	var deleted sql.NullString
	if err := row.Scan(&note.ID, &note.ResourceID, &note.Title, &tags, &favorite, &note.CreatedAt, &note.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &note.Tags)
	if note.Tags == nil {
		note.Tags = []string{}
	}
	note.IsFavorite = favorite != 0
	if deleted.Valid {
		note.DeletedAt = &deleted.String
	}
	return &note, nil
}

func scanNoteRows(rows *sql.Rows) (*Note, error) {
	note, err := scanNote(rows)
	if err != nil {
		return nil, errors.Database("scan note", err)
	}
	return note, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
