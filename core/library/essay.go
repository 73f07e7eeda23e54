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

// Essay wraps one unsalted resource holding the essay text. Identical
// essay text shares storage across entities.
type Essay struct {
	ID              string             `json:"id"`
	ResourceID      string             `json:"resource_id"`
	Title           string             `json:"title"`
	EssayType       string             `json:"essay_type,omitempty"`
	GradeLevel      string             `json:"grade_level,omitempty"`
	SessionID       *string            `json:"session_id,omitempty"`
	RoundNumber     *int               `json:"round_number,omitempty"`
	GradingResult   map[string]any     `json:"grading_result,omitempty"`
	Score           *float64           `json:"score,omitempty"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	Content         string             `json:"content,omitempty"`
	FolderID        *string            `json:"folder_id,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	DeletedAt       *string            `json:"deleted_at,omitempty"`
}

// EssaySession groups grading rounds of the same assignment.
type EssaySession struct {
	ID         string  `json:"id"`
	EssayType  string  `json:"essay_type,omitempty"`
	GradeLevel string  `json:"grade_level,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	DeletedAt  *string `json:"deleted_at,omitempty"`
}

type CreateEssayParams struct {
	Title       string
	Content     string
	EssayType   string
	GradeLevel  string
	SessionID   *string
	RoundNumber *int
	FolderID    *string
}

type UpdateEssayParams struct {
	Title             *string
	Content           *string
	GradingResult     *map[string]any
	Score             *float64
	DimensionScores   *map[string]float64
	ExpectedUpdatedAt *string
}

type EssayRepo struct {
	pool     *database.Pool
	res      *vfs.ResourceStore
	items    *vfs.ItemStore
	registry *indexstate.Registry
	logger   *slog.Logger
}

func NewEssayRepo(pool *database.Pool, res *vfs.ResourceStore, items *vfs.ItemStore, registry *indexstate.Registry, logger *slog.Logger) *EssayRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &EssayRepo{pool: pool, res: res, items: items, registry: registry, logger: logger}
}

func (r *EssayRepo) Create(ctx context.Context, params CreateEssayParams) (*Essay, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, errors.InvalidArgument("essay title is empty")
	}

	now := vfs.NowISO()
	essay := &Essay{
		ID:          uuid.NewString(),
		Title:       title,
		EssayType:   params.EssayType,
		GradeLevel:  params.GradeLevel,
		SessionID:   params.SessionID,
		RoundNumber: params.RoundNumber,
		Content:     params.Content,
		FolderID:    params.FolderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		resourceID, _, err := r.res.CreateOrReuse(tx, vfs.TypeEssay, []byte(params.Content), "", "")
		if err != nil {
			return err
		}
		essay.ResourceID = resourceID

		_, err = tx.Exec(`
INSERT INTO essays (id, resource_id, title, essay_type, grade_level, session_id, round_number, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			essay.ID, resourceID, title, marshalNullable(params.EssayType), marshalNullable(params.GradeLevel),
			params.SessionID, params.RoundNumber, now, now)
		if err != nil {
			return errors.Database("insert essay", err)
		}

		if err := r.items.Insert(tx, params.FolderID, KindEssay, essay.ID); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, resourceID); err != nil {
			return err
		}
		return logChange(tx, KindEssay, essay.ID, "create")
	})
	if err != nil {
		return nil, err
	}
	return essay, nil
}

func (r *EssayRepo) Update(ctx context.Context, id string, params UpdateEssayParams) (*Essay, error) {
	var updated *Essay
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		essay, err := r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		if err := checkOptimistic(params.ExpectedUpdatedAt, essay.UpdatedAt); err != nil {
			return err
		}

		if params.Title != nil {
			title := strings.TrimSpace(*params.Title)
			if title == "" {
				return errors.InvalidArgument("essay title is empty")
			}
			essay.Title = title
		}
		if params.GradingResult != nil {
			essay.GradingResult = *params.GradingResult
		}
		if params.Score != nil {
			essay.Score = params.Score
		}
		if params.DimensionScores != nil {
			essay.DimensionScores = *params.DimensionScores
		}

		contentChanged := false
		if params.Content != nil {
			newHash := vfs.HashFor(vfs.TypeEssay, []byte(*params.Content), "")
			res, err := r.res.Get(tx, essay.ResourceID)
			if err != nil {
				return err
			}
			if newHash != res.Hash {
				contentChanged = true
				newResourceID, _, err := r.res.Rewrite(tx, essay.ResourceID, []byte(*params.Content), "")
				if err != nil {
					return err
				}
				essay.ResourceID = newResourceID
			}
			essay.Content = *params.Content
		}

		essay.UpdatedAt = vfs.NowISO()
		grading, _ := json.Marshal(essay.GradingResult)
		dims, _ := json.Marshal(essay.DimensionScores)
		_, err = tx.Exec(`
UPDATE essays SET resource_id = ?, title = ?, grading_result = ?, score = ?, dimension_scores = ?, updated_at = ?
WHERE id = ?`,
			essay.ResourceID, essay.Title, string(grading), essay.Score, string(dims), essay.UpdatedAt, id)
		if err != nil {
			return errors.Database("update essay", err)
		}

		if contentChanged {
			if err := r.registry.MarkPendingTx(tx, essay.ResourceID); err != nil {
				return err
			}
		}
		if err := logChange(tx, KindEssay, id, "update"); err != nil {
			return err
		}
		updated = essay
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *EssayRepo) Delete(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		essay, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if essay.DeletedAt != nil {
			return nil
		}
		now := vfs.NowISO()
		if _, err := tx.Exec("UPDATE essays SET deleted_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
			return errors.Database("soft delete essay", err)
		}
		if err := r.items.SoftDelete(tx, KindEssay, id); err != nil {
			return err
		}
		return logChange(tx, KindEssay, id, "delete")
	})
}

func (r *EssayRepo) Restore(ctx context.Context, id string) (*Essay, error) {
	var restored *Essay
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		essay, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if essay.DeletedAt == nil {
			restored = essay
			return nil
		}

		title, err := uniqueTitle(tx, "essays", "title", essay.Title, id)
		if err != nil {
			return err
		}
		essay.Title = title
		essay.DeletedAt = nil
		essay.UpdatedAt = vfs.NowISO()

		if _, err := tx.Exec("UPDATE essays SET deleted_at = NULL, title = ?, updated_at = ? WHERE id = ?", title, essay.UpdatedAt, id); err != nil {
			return errors.Database("restore essay", err)
		}
		if err := r.items.Restore(tx, KindEssay, id); err != nil {
			return err
		}
		if err := r.registry.MarkPendingTx(tx, essay.ResourceID); err != nil {
			return err
		}
		if err := logChange(tx, KindEssay, id, "restore"); err != nil {
			return err
		}
		restored = essay
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (r *EssayRepo) Purge(ctx context.Context, id string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.PurgeTx(tx, id)
	})
}

func (r *EssayRepo) PurgeTx(tx *sql.Tx, id string) error {
	return database.Savepoint(tx, "purge_essay", func(tx *sql.Tx) error {
		essay, err := r.getTx(tx, id, true)
		if err != nil {
			return err
		}
		if err := r.items.Delete(tx, KindEssay, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM essays WHERE id = ?", id); err != nil {
			return errors.Database("delete essay", err)
		}
		if err := r.res.Decrement(tx, essay.ResourceID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM index_states WHERE resource_id = ?", essay.ResourceID); err != nil {
			return errors.Database("delete index state", err)
		}
		return logChange(tx, KindEssay, id, "purge")
	})
}

func (r *EssayRepo) Get(ctx context.Context, id string) (*Essay, error) {
	var essay *Essay
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		essay, err = r.getTx(tx, id, false)
		if err != nil {
			return err
		}
		res, err := r.res.Get(tx, essay.ResourceID)
		if err != nil {
			return err
		}
		payload, err := r.res.Payload(res)
		if err != nil {
			return err
		}
		essay.Content = string(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if folderID, err := r.items.FolderOf(ctx, KindEssay, id); err == nil {
		essay.FolderID = folderID
	}
	return essay, nil
}

// List returns live essays without payloads, optionally filtered to one
// grading session.
func (r *EssayRepo) List(ctx context.Context, sessionID *string) ([]*Essay, error) {
	query := `
SELECT id, resource_id, title, essay_type, grade_level, session_id, round_number,
       grading_result, score, dimension_scores, created_at, updated_at, deleted_at
FROM essays WHERE deleted_at IS NULL`
	args := []any{}
	if sessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *sessionID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Database("list essays", err)
	}
	defer rows.Close()
	return scanEssays(rows)
}

func (r *EssayRepo) ListDeleted(ctx context.Context) ([]*Essay, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, resource_id, title, essay_type, grade_level, session_id, round_number,
       grading_result, score, dimension_scores, created_at, updated_at, deleted_at
FROM essays WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, errors.Database("list deleted essays", err)
	}
	defer rows.Close()
	return scanEssays(rows)
}

// CreateSession opens a new grading session for round tracking.
func (r *EssayRepo) CreateSession(ctx context.Context, essayType, gradeLevel string) (*EssaySession, error) {
	now := vfs.NowISO()
	session := &EssaySession{
		ID:         uuid.NewString(),
		EssayType:  essayType,
		GradeLevel: gradeLevel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO essay_sessions (id, essay_type, grade_level, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
			session.ID, marshalNullable(essayType), marshalNullable(gradeLevel), now, now)
		if err != nil {
			return errors.Database("insert essay session", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *EssayRepo) GetSession(ctx context.Context, id string) (*EssaySession, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, essay_type, grade_level, created_at, updated_at, deleted_at
FROM essay_sessions WHERE id = ? AND deleted_at IS NULL`, id)

	var s EssaySession
	var essayType, gradeLevel, deleted sql.NullString
	err := row.Scan(&s.ID, &essayType, &gradeLevel, &s.CreatedAt, &s.UpdatedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("essay session %s", id)
	}
	if err != nil {
		return nil, errors.Database("read essay session", err)
	}
	s.EssayType = essayType.String
	s.GradeLevel = gradeLevel.String
	if deleted.Valid {
		s.DeletedAt = &deleted.String
	}
	return &s, nil
}

// NextRound returns 1 + the highest round_number recorded for a session.
func (r *EssayRepo) NextRound(ctx context.Context, sessionID string) (int, error) {
	var max sql.NullInt64
	err := r.pool.QueryRow(ctx,
		"SELECT MAX(round_number) FROM essays WHERE session_id = ? AND deleted_at IS NULL", sessionID).Scan(&max)
	if err != nil {
		return 0, errors.Database("read session rounds", err)
	}
	return int(max.Int64) + 1, nil
}

func (r *EssayRepo) getTx(tx *sql.Tx, id string, includeDeleted bool) (*Essay, error) {
	query := `
SELECT id, resource_id, title, essay_type, grade_level, session_id, round_number,
       grading_result, score, dimension_scores, created_at, updated_at, deleted_at
FROM essays WHERE id = ?`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	essay, err := scanEssay(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("essay %s", id)
	}
	if err != nil {
		return nil, errors.Database("read essay", err)
	}
	return essay, nil
}

func scanEssay(row rowScanner) (*Essay, error) {
	var e Essay
	var essayType, gradeLevel, sessionID, grading, dims, deleted sql.NullString
	var round sql.NullInt64
	var score sql.NullFloat64
	err := row.Scan(&e.ID, &e.ResourceID, &e.Title, &essayType, &gradeLevel, &sessionID, &round,
		&grading, &score, &dims, &e.CreatedAt, &e.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	e.EssayType = essayType.String
	e.GradeLevel = gradeLevel.String
	if sessionID.Valid {
		e.SessionID = &sessionID.String
	}
	if round.Valid {
		n := int(round.Int64)
		e.RoundNumber = &n
	}
	if score.Valid {
		e.Score = &score.Float64
	}
	if grading.Valid {
		_ = json.Unmarshal([]byte(grading.String), &e.GradingResult)
	}
	if dims.Valid {
		_ = json.Unmarshal([]byte(dims.String), &e.DimensionScores)
	}
	if deleted.Valid {
		e.DeletedAt = &deleted.String
	}
	return &e, nil
}

func scanEssays(rows *sql.Rows) ([]*Essay, error) {
	var essays []*Essay
	for rows.Next() {
		e, err := scanEssay(rows)
		if err != nil {
			return nil, errors.Database("scan essay", err)
		}
		essays = append(essays, e)
	}
	return essays, rows.Err()
}
