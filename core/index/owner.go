package index

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/vfs"
)

// owner is the entity a resource belongs to, resolved for indexing.
// folderID is empty for items at the library root.
type owner struct {
	kind     string
	id       string
	title    string
	tags     []string
	mimeType string
	preview  string
	status   string
	deleted  bool
	folderID string
}

// resolveOwner finds the live entity referencing a resource. Version rows
// are intentionally not consulted: snapshots are never indexed. A nil owner
// with nil error means no live entity points at the resource anymore.
func (s *Service) resolveOwner(ctx context.Context, resourceID string, typ vfs.ResourceType) (*owner, error) {
	var own *owner
	var err error
	switch typ {
	case vfs.TypeNote, vfs.TypeMemo:
		own, err = s.lookupNote(ctx, resourceID)
	case vfs.TypeMindMap:
		own, err = s.lookupMindMap(ctx, resourceID)
	case vfs.TypeEssay:
		own, err = s.lookupEssay(ctx, resourceID)
	case vfs.TypeExam:
		own, err = s.lookupExam(ctx, resourceID)
	case vfs.TypeImage, vfs.TypeFile:
		own, err = s.lookupFile(ctx, resourceID)
	default:
		return nil, errors.InvalidOperation("no owner lookup for resource type %s", typ)
	}
	if err != nil || own == nil {
		return own, err
	}

	folderID, err := s.items.FolderOf(ctx, own.kind, own.id)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	if folderID != nil {
		own.folderID = *folderID
	}
	return own, nil
}

func (s *Service) lookupNote(ctx context.Context, resourceID string) (*owner, error) {
	var own owner
	var tags string
	var deletedAt sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT id, title, tags, deleted_at FROM notes WHERE resource_id = ?`, resourceID).
		Scan(&own.id, &own.title, &tags, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("lookup note owner", err)
	}
	own.kind = library.KindNote
	own.deleted = deletedAt.Valid
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &own.tags)
	}
	return &own, nil
}

func (s *Service) lookupMindMap(ctx context.Context, resourceID string) (*owner, error) {
	var own owner
	var deletedAt sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT id, title, deleted_at FROM mindmaps WHERE resource_id = ?`, resourceID).
		Scan(&own.id, &own.title, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("lookup mindmap owner", err)
	}
	own.kind = library.KindMindMap
	own.deleted = deletedAt.Valid
	return &own, nil
}

func (s *Service) lookupEssay(ctx context.Context, resourceID string) (*owner, error) {
	var own owner
	var deletedAt sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT id, title, deleted_at FROM essays WHERE resource_id = ?`, resourceID).
		Scan(&own.id, &own.title, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("lookup essay owner", err)
	}
	own.kind = library.KindEssay
	own.deleted = deletedAt.Valid
	return &own, nil
}

func (s *Service) lookupExam(ctx context.Context, resourceID string) (*owner, error) {
	var own owner
	var preview sql.NullString
	var deletedAt sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT id, exam_name, status, preview, deleted_at FROM exam_sheets WHERE resource_id = ?`, resourceID).
		Scan(&own.id, &own.title, &own.status, &preview, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("lookup exam owner", err)
	}
	own.kind = library.KindExam
	own.preview = preview.String
	own.deleted = deletedAt.Valid
	return &own, nil
}

func (s *Service) lookupFile(ctx context.Context, resourceID string) (*owner, error) {
	var own owner
	var preview sql.NullString
	var deletedAt sql.NullString
	err := s.pool.QueryRow(ctx, `
SELECT id, title, mime_type, preview, deleted_at FROM files WHERE resource_id = ?`, resourceID).
		Scan(&own.id, &own.title, &own.mimeType, &preview, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database("lookup file owner", err)
	}
	own.kind = library.KindFile
	own.preview = preview.String
	own.deleted = deletedAt.Valid
	return &own, nil
}
