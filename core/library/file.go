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

// File wraps an unsalted resource holding raw bytes. Images and generic
// attachments both live here; paginated files carry a page preview
// manifest once rendered.
type File struct {
	ID         string      `json:"id"`
	ResourceID string      `json:"resource_id"`
	Title      string      `json:"title"`
	MimeType   string      `json:"mime_type"`
	Preview    *PDFPreview `json:"preview,omitempty"`
	FolderID   *string     `json:"folder_id,omitempty"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
	DeletedAt  *string     `json:"deleted_at,omitempty"`
}

// PDFPreview is the rendered-page manifest. Producers disagree on field
// casing so both snake_case and camelCase are accepted on decode.
type PDFPreview struct {
	Pages      []PDFPreviewPage `json:"pages"`
	RenderDPI  int              `json:"render_dpi,omitempty"`
	TotalPages int              `json:"total_pages,omitempty"`
	RenderedAt string           `json:"rendered_at,omitempty"`
}

type PDFPreviewPage struct {
	PageIndex int    `json:"page_index"`
	BlobHash  string `json:"blob_hash,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

func (p *PDFPreview) UnmarshalJSON(data []byte) error {
	var raw struct {
		Pages []struct {
			PageIndex  *int   `json:"page_index"`
			PageIndexC *int   `json:"pageIndex"`
			BlobHash   string `json:"blob_hash"`
			BlobHashC  string `json:"blobHash"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			MimeType   string `json:"mime_type"`
			MimeTypeC  string `json:"mimeType"`
		} `json:"pages"`
		RenderDPI   *int   `json:"render_dpi"`
		DPI         *int   `json:"dpi"`
		RenderDPIC  *int   `json:"renderDpi"`
		TotalPages  *int   `json:"total_pages"`
		PageCount   *int   `json:"page_count"`
		TotalPagesC *int   `json:"totalPages"`
		RenderedAt  string `json:"rendered_at"`
		RenderedAtC string `json:"renderedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Pages = make([]PDFPreviewPage, 0, len(raw.Pages))
	for i, page := range raw.Pages {
		out := PDFPreviewPage{
			PageIndex: i,
			BlobHash:  firstNonEmpty(page.BlobHash, page.BlobHashC),
			Width:     page.Width,
			Height:    page.Height,
			MimeType:  firstNonEmpty(page.MimeType, page.MimeTypeC),
		}
		if page.PageIndex != nil {
			out.PageIndex = *page.PageIndex
		} else if page.PageIndexC != nil {
			out.PageIndex = *page.PageIndexC
		}
		p.Pages = append(p.Pages, out)
	}
	p.RenderDPI = firstInt(raw.RenderDPI, raw.DPI, raw.RenderDPIC)
	p.TotalPages = firstInt(raw.TotalPages, raw.PageCount, raw.TotalPagesC)
	p.RenderedAt = firstNonEmpty(raw.RenderedAt, raw.RenderedAtC)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

type CreateFileParams struct {
	Title    string
	Payload  []byte
	MimeType string
	FolderID *string
}

type FileRepo struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	registry *indexstate.Registry
	logger   *slog.Logger
}

func NewFileRepo(pool *database.Pool, res *vfs.ResourceStore, items *vfs.ItemStore, registry *indexstate.Registry, logger *slog.Logger) *FileRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRepo{pool: pool, res: res, items: items, registry: registry, logger: logger}
}

// Create stores the file. Image mime types get the image resource type so
// indexing picks the single-page multimodal path.
func (r *FileRepo) Create(ctx context.Context, params CreateFileParams) (*File, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.InvalidArgument("file title is empty")
	}
	if len(params.Payload) == 0 {
		return nil, errors.InvalidArgument("file payload is empty")
	}
	mime := params.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}

	resType := vfs.TypeFile
	if strings.HasPrefix(mime, "image/") {
		resType = vfs.TypeImage
	}

	now := vfs.NowISO()
	file := &File{
		ID:        uuid.NewString(),
		Title:     title,
		MimeType:  mime,
		FolderID:  params.FolderID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		resourceID, _, err := r.res.CreateOrReuse(tx, resType, params.Payload, "", "files")
		if err != nil {
			return err
		}
		file.ResourceID = resourceID

		_, err = tx.Exec(`
INSERT INTO files (id, resource_id, title, mime_type, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			file.ID, resourceID, title, mime, now, now)
		if err != nil {
			return errors.Database("insert file", err)
		}

		if err := r.items.Insert(tx, params.FolderID, KindFile, file.ID); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, resourceID); err != nil {
			return err
		}
		return logChange(tx, KindFile, file.ID, "create")
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// SetPreview records the rendered-page manifest after a render pass.
func (r *FileRepo) SetPreview(ctx context.Context, id string, preview *PDFPreview) error {
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return errors.InvalidArgument("encode file preview: %v", err)
	}
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := r.getTx(tx, id, false); err != nil {
			return err
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE files SET preview = ?, updated_at = ? WHERE id = ?", string(previewJSON), now, id); err != nil {
			return errors.Database("set file preview", err)
		}
		return logChange(tx, KindFile, id, "preview")
	})
}

func (r *FileRepo) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.InvalidArgument("file title is empty")
	}
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := r.getTx(tx, id, false); err != nil {
			return err
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE files SET title = ?, updated_at = ? WHERE id = ?", title, now, id); err != nil {
			return errors.Database("rename file", err)
		}
		return logChange(tx, KindFile, id, "rename")
	})
}

func (r *FileRepo) Delete(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		file, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if file.DeletedAt != nil {
			return nil
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE files SET deleted_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
			return errors.Database("soft delete file", err)
		}
		if err := r.items.SoftDelete(tx, KindFile, id); err != nil {
			return err
		}
		return logChange(tx, KindFile, id, "delete")
	})
}

func (r *FileRepo) Restore(ctx context.Context, id string) (*File, error) {
	var restored *File
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		file, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if file.DeletedAt == nil {
			restored = file
			return nil
		}

		title, err := uniqueTitle(tx, "files", "title", file.Title, id)
		if err != nil {
			return err
		}
		file.Title = title
		file.DeletedAt = nil
		file.UpdatedAt = vfs.NowISO()

		if _, err := tx.Exec("UPDATE files SET deleted_at = NULL, title = ?, updated_at = ? WHERE id = ?", title, file.UpdatedAt, id); err != nil {
			return errors.Database("restore file", err)
		}
		if err := r.items.Restore(tx, KindFile, id); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, file.ResourceID); err != nil {
			return err
		}
		if err := logChange(tx, KindFile, id, "restore"); err != nil {
			return err
		}
		restored = file
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (r *FileRepo) Purge(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.PurgeTx(tx, id)
	})
}

func (r *FileRepo) PurgeTx(tx *sql.Tx, id string) error {
	return database.Savepoint(tx, "purge_file", func(tx *sql.Tx) error {
		file, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if err := r.items.Delete(tx, KindFile, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM files WHERE id = ?", id); err != nil {
			return errors.Database("delete file", err)
		}
		if err := r.res.Decrement(tx, file.ResourceID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM index_states WHERE resource_id = ?", file.ResourceID); err != nil {
			return errors.Database("delete index state", err)
		}
		return logChange(tx, KindFile, id, "purge")
	})
}

func (r *FileRepo) Get(ctx context.Context, id string) (*File, error) {
	var file *File
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		file, err = r.getTx(tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if folderID, err := r.items.FolderOf(ctx, KindFile, id); err == nil {
		file.FolderID = folderID
	}
	return file, nil
}

// Content returns the raw bytes of the underlying resource.
func (r *FileRepo) Content(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		file, err := r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		res, err := r.res.Get(tx, file.ResourceID)
		if err != nil {
			return err
		}
		payload, err = r.res.Payload(res)
		return err
	})
	return payload, err
}

func (r *FileRepo) List(ctx context.Context) ([]*File, error) {
	rows, err := r.pool.Query(ctx, fileSelect+" WHERE deleted_at IS NULL ORDER BY updated_at DESC")
	if err != nil {
		return nil, errors.Database("list files", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

func (r *FileRepo) ListDeleted(ctx context.Context) ([]*File, error) {
	rows, err := r.pool.Query(ctx, fileSelect+" WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC")
	if err != nil {
		return nil, errors.Database("list deleted files", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

const fileSelect = `
SELECT id, resource_id, title, mime_type, preview, created_at, updated_at, deleted_at
FROM files`

func (r *FileRepo) getTx(tx *sql.Tx, id string, includeDeleted bool) (*File, error) {
	query := fileSelect + " WHERE id = ?"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	file, err := scanFile(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("file %s", id)
	}
	if err != nil {
		return nil, errors.Database("read file", err)
	}
	return file, nil
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var preview, deleted sql.NullString
	if err := row.Scan(&f.ID, &f.ResourceID, &f.Title, &f.MimeType, &preview, &f.CreatedAt, &f.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	if preview.Valid {
		var p PDFPreview
		if json.Unmarshal([]byte(preview.String), &p) == nil {
			f.Preview = &p
		}
	}
	if deleted.Valid {
		f.DeletedAt = &deleted.String
	}
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]*File, error) {
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Database("scan file", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
