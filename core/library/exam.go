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

// ExamSheet lifecycle states.
const (
	ExamStatusRecognizing = "recognizing"
	ExamStatusReady       = "ready"
	ExamStatusFailed      = "failed"
)

// ExamSheet wraps an unsalted resource holding the scanned sheet bytes.
// While OCR runs the sheet stays in "recognizing"; preview and ocr_pages
// are filled in as pages complete.
type ExamSheet struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	ExamName   string         `json:"exam_name"`
	Status     string         `json:"status"`
	TempID     string         `json:"temp_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Preview    *ExamPreview   `json:"preview,omitempty"`
	MistakeIDs []string       `json:"mistake_ids"`
	OCRPages   []*string      `json:"ocr_pages,omitempty"`
	FolderID   *string        `json:"folder_id,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	DeletedAt  *string        `json:"deleted_at,omitempty"`
}

// ExamPreview is the page manifest produced by recognition.
type ExamPreview struct {
	Pages []ExamPreviewPage `json:"pages"`
}

type ExamPreviewPage struct {
	PageIndex int        `json:"page_index"`
	BlobHash  string     `json:"blob_hash,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	MimeType  string     `json:"mime_type,omitempty"`
	Cards     []ExamCard `json:"cards,omitempty"`
}

// ExamCard is one OCR region on a page.
type ExamCard struct {
	Text string `json:"text"`
}

// Question is a mistake item extracted from an exam sheet.
type Question struct {
	ID        string  `json:"id"`
	ExamID    *string `json:"exam_id,omitempty"`
	Content   string  `json:"content"`
	Answer    string  `json:"answer,omitempty"`
	PageIndex *int    `json:"page_index,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

type CreateExamParams struct {
	ExamName string
	Payload  []byte // raw sheet bytes (pdf or image)
	TempID   string
	Metadata map[string]any
	FolderID *string
}

type ExamRepo struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	registry *indexstate.Registry
	logger   *slog.Logger
}

func NewExamRepo(pool *database.Pool, res *vfs.ResourceStore, items *vfs.ItemStore, registry *indexstate.Registry, logger *slog.Logger) *ExamRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExamRepo{pool: pool, res: res, items: items, registry: registry, logger: logger}
}

// Create stores the sheet and starts it in "recognizing". Indexing is not
// queued until recognition finishes and OCR text exists.
func (r *ExamRepo) Create(ctx context.Context, params CreateExamParams) (*ExamSheet, error) {
	name := strings.TrimSpace(params.ExamName)
	if name == "" {
		return nil, errors.InvalidArgument("exam name is empty")
	}
	if len(params.Payload) == 0 {
		return nil, errors.InvalidArgument("exam payload is empty")
	}

	now := vfs.NowISO()
	sheet := &ExamSheet{
		ID:         uuid.NewString(),
		ExamName:   name,
		Status:     ExamStatusRecognizing,
		TempID:     params.TempID,
		Metadata:   params.Metadata,
		MistakeIDs: []string{},
		FolderID:   params.FolderID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		resourceID, _, err := r.res.CreateOrReuse(tx, vfs.TypeExam, params.Payload, "", "exams")
		if err != nil {
			return err
		}
		sheet.ResourceID = resourceID

		metadata, _ := json.Marshal(orEmptyMap(sheet.Metadata))
		_, err = tx.Exec(`
INSERT INTO exam_sheets (id, resource_id, exam_name, status, temp_id, metadata, mistake_ids, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
			sheet.ID, resourceID, name, ExamStatusRecognizing, marshalNullable(params.TempID), string(metadata), now, now)
		if err != nil {
			return errors.Database("insert exam sheet", err)
		}

		if err := r.items.Insert(tx, params.FolderID, KindExam, sheet.ID); err != nil {
			return err
		}
		return logChange(tx, KindExam, sheet.ID, "create")
	})
	if err != nil {
		return nil, err
	}
	return sheet, nil
}

// CompleteRecognition records the preview manifest and per-page OCR text,
// moves the sheet to "ready", and queues it for indexing.
func (r *ExamRepo) CompleteRecognition(ctx context.Context, id string, preview *ExamPreview, ocrPages []*string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		sheet, err := r.getTx(tx, id, false)
		if err != nil {
			return err
		}

		previewJSON, err := json.Marshal(preview)
		if err != nil {
			return errors.InvalidArgument("encode exam preview: %v", err)
		}
		pagesJSON, _ := json.Marshal(ocrPages)
		now := vfs.NowISO()
		_, err = tx.Exec(`
UPDATE exam_sheets SET status = ?, preview = ?, ocr_pages = ?, updated_at = ? WHERE id = ?`,
			ExamStatusReady, string(previewJSON), string(pagesJSON), now, id)
		if err != nil {
			return errors.Database("complete exam recognition", err)
		}

		if err := r.res.SetOCR(tx, sheet.ResourceID, joinPages(ocrPages), ocrPages); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, sheet.ResourceID); err != nil {
			return err
		}
		return logChange(tx, KindExam, id, "recognized")
	})
}

// FailRecognition moves the sheet to "failed" without queueing indexing.
func (r *ExamRepo) FailRecognition(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := r.getTx(tx, id, false); err != nil {
			return err
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE exam_sheets SET status = ?, updated_at = ? WHERE id = ?", ExamStatusFailed, now, id); err != nil {
			return errors.Database("fail exam recognition", err)
		}
		return logChange(tx, KindExam, id, "recognition_failed")
	})
}

// Rename changes the display name.
func (r *ExamRepo) Rename(ctx context.Context, id, examName string) error {
	name := strings.TrimSpace(examName)
	if name == "" {
		return errors.InvalidArgument("exam name is empty")
	}
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := r.getTx(tx, id, false); err != nil {
			return err
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE exam_sheets SET exam_name = ?, updated_at = ? WHERE id = ?", name, now, id); err != nil {
			return errors.Database("rename exam sheet", err)
		}
		return logChange(tx, KindExam, id, "rename")
	})
}

// AddMistake extracts a question from the sheet and links its id.
func (r *ExamRepo) AddMistake(ctx context.Context, examID, content, answer string, pageIndex *int) (*Question, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.InvalidArgument("question content is empty")
	}

	now := vfs.NowISO()
	q := &Question{
		ID:        uuid.NewString(),
		ExamID:    &examID,
		Content:   content,
		Answer:    answer,
		PageIndex: pageIndex,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		sheet, err := r.getTx(tx, examID, false)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
INSERT INTO questions (id, exam_id, content, answer, page_index, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, examID, content, marshalNullable(answer), pageIndex, now, now)
		if err != nil {
			return errors.Database("insert question", err)
		}

		ids := append(sheet.MistakeIDs, q.ID)
		idsJSON, _ := json.Marshal(ids)
		if _, err := tx.Exec("UPDATE exam_sheets SET mistake_ids = ?, updated_at = ? WHERE id = ?", string(idsJSON), now, examID); err != nil {
			return errors.Database("link mistake", err)
		}
		return logChange(tx, KindExam, examID, "add_mistake")
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Mistakes returns live questions linked to a sheet.
func (r *ExamRepo) Mistakes(ctx context.Context, examID string) ([]*Question, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, exam_id, content, answer, page_index, created_at, updated_at, deleted_at
FROM questions WHERE exam_id = ? AND deleted_at IS NULL ORDER BY created_at ASC`, examID)
	if err != nil {
		return nil, errors.Database("list questions", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		var q Question
		var examRef, answer, deleted sql.NullString
		var page sql.NullInt64
		if err := rows.Scan(&q.ID, &examRef, &q.Content, &answer, &page, &q.CreatedAt, &q.UpdatedAt, &deleted); err != nil {
			return nil, errors.Database("scan question", err)
		}
		if examRef.Valid {
			q.ExamID = &examRef.String
		}
		q.Answer = answer.String
		if page.Valid {
			n := int(page.Int64)
			q.PageIndex = &n
		}
		if deleted.Valid {
			q.DeletedAt = &deleted.String
		}
		questions = append(questions, &q)
	}
	return questions, rows.Err()
}

// Delete soft-deletes the sheet and its folder item. Idempotent.
func (r *ExamRepo) Delete(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		sheet, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if sheet.DeletedAt != nil {
			return nil
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE exam_sheets SET deleted_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
			return errors.Database("soft delete exam sheet", err)
		}
		if err := r.items.SoftDelete(tx, KindExam, id); err != nil {
			return err
		}
		return logChange(tx, KindExam, id, "delete")
	})
}

func (r *ExamRepo) Restore(ctx context.Context, id string) (*ExamSheet, error) {
	var restored *ExamSheet
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		sheet, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if sheet.DeletedAt == nil {
			restored = sheet
			return nil
		}

		name, err := uniqueTitle(tx, "exam_sheets", "exam_name", sheet.ExamName, id)
		if err != nil {
			return err
		}
		sheet.ExamName = name
		sheet.DeletedAt = nil
		sheet.UpdatedAt = vfs.NowISO()

		if _, err := tx.Exec("UPDATE exam_sheets SET deleted_at = NULL, exam_name = ?, updated_at = ? WHERE id = ?", name, sheet.UpdatedAt, id); err != nil {
			return errors.Database("restore exam sheet", err)
		}
		if err := r.items.Restore(tx, KindExam, id); err != nil {
			return err
		}
		if sheet.Status == ExamStatusReady {
			if err := r.registry.MarkPendingTx(tx, sheet.ResourceID); err != nil {
				return err
			}
		}
		if err := logChange(tx, KindExam, id, "restore"); err != nil {
			return err
		}
		restored = sheet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// Purge hard-deletes the sheet, its questions, and its resource. Runs in a
// savepoint so callers composing a larger transaction can roll back just
// this step.
func (r *ExamRepo) Purge(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.PurgeTx(tx, id)
	})
}

func (r *ExamRepo) PurgeTx(tx *sql.Tx, id string) error {
	return database.Savepoint(tx, "delete_exam", func(tx *sql.Tx) error {
		sheet, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM questions WHERE exam_id = ?", id); err != nil {
			return errors.Database("delete questions", err)
		}
		if err := r.items.Delete(tx, KindExam, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM exam_sheets WHERE id = ?", id); err != nil {
			return errors.Database("delete exam sheet", err)
		}
		if err := r.res.Decrement(tx, sheet.ResourceID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM index_states WHERE resource_id = ?", sheet.ResourceID); err != nil {
			return errors.Database("delete index state", err)
		}
		return logChange(tx, KindExam, id, "purge")
	})
}

func (r *ExamRepo) Get(ctx context.Context, id string) (*ExamSheet, error) {
	var sheet *ExamSheet
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		sheet, err = r.getTx(tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if folderID, err := r.items.FolderOf(ctx, KindExam, id); err == nil {
		sheet.FolderID = folderID
	}
	return sheet, nil
}

// GetByTempID resolves a sheet by the upload-time temporary id.
func (r *ExamRepo) GetByTempID(ctx context.Context, tempID string) (*ExamSheet, error) {
	row := r.pool.QueryRow(ctx, examSelect+" WHERE temp_id = ? AND deleted_at IS NULL", tempID)
	sheet, err := scanExam(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("exam sheet with temp id %s", tempID)
	}
	if err != nil {
		return nil, errors.Database("read exam sheet", err)
	}
	return sheet, nil
}

func (r *ExamRepo) List(ctx context.Context) ([]*ExamSheet, error) {
	rows, err := r.pool.Query(ctx, examSelect+" WHERE deleted_at IS NULL ORDER BY updated_at DESC")
	if err != nil {
		return nil, errors.Database("list exam sheets", err)
	}
	defer rows.Close()
	return scanExams(rows)
}

func (r *ExamRepo) ListDeleted(ctx context.Context) ([]*ExamSheet, error) {
	rows, err := r.pool.Query(ctx, examSelect+" WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC")
	if err != nil {
		return nil, errors.Database("list deleted exam sheets", err)
	}
	defer rows.Close()
	return scanExams(rows)
}

const examSelect = `
SELECT id, resource_id, exam_name, status, temp_id, metadata, preview, mistake_ids, ocr_pages, created_at, updated_at, deleted_at
FROM exam_sheets`

func (r *ExamRepo) getTx(tx *sql.Tx, id string, includeDeleted bool) (*ExamSheet, error) {
	query := examSelect + " WHERE id = ?"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	sheet, err := scanExam(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("exam sheet %s", id)
	}
	if err != nil {
		return nil, errors.Database("read exam sheet", err)
	}
	return sheet, nil
}

func scanExam(row rowScanner) (*ExamSheet, error) {
	var s ExamSheet
	var tempID, preview, pages, deleted sql.NullString
	var metadata, mistakes string
	err := row.Scan(&s.ID, &s.ResourceID, &s.ExamName, &s.Status, &tempID, &metadata, &preview, &mistakes, &pages, &s.CreatedAt, &s.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	s.TempID = tempID.String
	_ = json.Unmarshal([]byte(metadata), &s.Metadata)
	if preview.Valid {
		var p ExamPreview
		if json.Unmarshal([]byte(preview.String), &p) == nil {
			s.Preview = &p
		}
	}
	s.MistakeIDs = []string{}
	_ = json.Unmarshal([]byte(mistakes), &s.MistakeIDs)
	if pages.Valid {
		_ = json.Unmarshal([]byte(pages.String), &s.OCRPages)
	}
	if deleted.Valid {
		s.DeletedAt = &deleted.String
	}
	return &s, nil
}

func scanExams(rows *sql.Rows) ([]*ExamSheet, error) {
	var sheets []*ExamSheet
	for rows.Next() {
		s, err := scanExam(rows)
		if err != nil {
			return nil, errors.Database("scan exam sheet", err)
		}
		sheets = append(sheets, s)
	}
	return sheets, rows.Err()
}

func joinPages(pages []*string) string {
	var b strings.Builder
	for i, p := range pages {
		if p == nil {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(*p)
	}
	return b.String()
}
