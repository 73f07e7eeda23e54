package library

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/vfs"
)

// ExportDocument is the portable notes dump. Folder membership travels as
// a slash-joined title path so an import can rebuild the tree on a
// different machine.
type ExportDocument struct {
	Version    int            `json:"version"`
	ExportedAt string         `json:"exported_at"`
	Notes      []ExportedNote `json:"notes"`
}

type ExportedNote struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	IsFavorite bool     `json:"is_favorite,omitempty"`
	FolderPath string   `json:"folder_path,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
	UpdatedAt  string   `json:"updated_at,omitempty"`
}

// ImportResult reports what an import actually did.
type ImportResult struct {
	Created        int `json:"created"`
	FoldersCreated int `json:"folders_created"`
	Skipped        int `json:"skipped"`
}

const exportVersion = 1

// Exporter moves notes in and out of the library as a single JSON
// document.
type Exporter struct {
	notes   *NoteRepo
	folders *vfs.FolderStore
	items   *vfs.ItemStore
	logger  *slog.Logger
}

func NewExporter(notes *NoteRepo, folders *vfs.FolderStore, items *vfs.ItemStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{notes: notes, folders: folders, items: items, logger: logger}
}

// ExportNotes dumps all live notes, payloads included.
func (e *Exporter) ExportNotes(ctx context.Context) ([]byte, error) {
	metas, err := e.notes.List(ctx)
	if err != nil {
		return nil, err
	}

	doc := ExportDocument{Version: exportVersion, ExportedAt: vfs.NowISO()}
	for _, meta := range metas {
		note, err := e.notes.Get(ctx, meta.ID)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		doc.Notes = append(doc.Notes, ExportedNote{
			Title:      note.Title,
			Content:    note.Content,
			Tags:       note.Tags,
			IsFavorite: note.IsFavorite,
			FolderPath: note.FolderPath,
			CreatedAt:  note.CreatedAt,
			UpdatedAt:  note.UpdatedAt,
		})
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidOperation, "encode export", err)
	}
	return out, nil
}

// ImportNotes reads a dump produced by ExportNotes. Folders named in
// folder_path are created as needed; a note whose title and content both
// already exist at the same path is skipped rather than duplicated.
func (e *Exporter) ImportNotes(ctx context.Context, data []byte) (*ImportResult, error) {
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.InvalidArgument("parse import document: %v", err)
	}
	if doc.Version != exportVersion {
		return nil, errors.InvalidArgument("unsupported export version %d", doc.Version)
	}

	result := &ImportResult{}
	for _, in := range doc.Notes {
		if strings.TrimSpace(in.Title) == "" {
			result.Skipped++
			continue
		}

		folderID, created, err := e.ensurePath(ctx, in.FolderPath)
		if err != nil {
			return result, err
		}
		result.FoldersCreated += created

		dup, err := e.isDuplicate(ctx, in, folderID)
		if err != nil {
			return result, err
		}
		if dup {
			result.Skipped++
			continue
		}

		note, err := e.notes.Create(ctx, CreateNoteParams{
			Title:    in.Title,
			Content:  in.Content,
			Tags:     in.Tags,
			FolderID: folderID,
		})
		if err != nil {
			return result, err
		}
		if in.IsFavorite {
			if err := e.notes.SetFavorite(ctx, note.ID, true); err != nil {
				return result, err
			}
		}
		result.Created++
	}
	return result, nil
}

// ensurePath walks a slash-joined title path, creating missing folders,
// and returns the leaf folder id. Empty path means root.
func (e *Exporter) ensurePath(ctx context.Context, path string) (*string, int, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, 0, nil
	}

	var parent *string
	created := 0
	for _, title := range strings.Split(path, "/") {
		if title == "" {
			continue
		}
		folder, err := e.folders.FindByTitle(ctx, parent, title)
		if err == nil {
			id := folder.ID
			parent = &id
			continue
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, created, err
		}
		folder, err = e.folders.Create(ctx, parent, title)
		if err != nil {
			return nil, created, err
		}
		created++
		id := folder.ID
		parent = &id
	}
	return parent, created, nil
}

func (e *Exporter) isDuplicate(ctx context.Context, in ExportedNote, folderID *string) (bool, error) {
	existing, err := e.notes.ListAdvanced(ctx, ListOptions{FolderID: folderID, Keyword: in.Title})
	if err != nil {
		return false, err
	}
	for _, meta := range existing {
		if meta.Title != in.Title {
			continue
		}
		full, err := e.notes.Get(ctx, meta.ID)
		if err != nil {
			continue
		}
		if full.Content == in.Content {
			return true, nil
		}
	}
	return false, nil
}
