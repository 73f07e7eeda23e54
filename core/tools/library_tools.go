package tools

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/vfs"
)

// LibraryDeps are the repos the entity tools write through.
type LibraryDeps struct {
	Pool     *database.Pool
	Items    *vfs.ItemStore
	Folders  *vfs.FolderStore
	Notes    *library.NoteRepo
	MindMaps *library.MindMapRepo
	Essays   *library.EssayRepo
	Exams    *library.ExamRepo
}

// RegisterLibraryTools adds the entity CRUD, list and search tools.
func RegisterLibraryTools(r *Registry, deps LibraryDeps) {
	r.Register(noteCreateTool(deps))
	r.Register(noteUpdateTool(deps))
	r.Register(noteGetTool(deps))
	r.Register(noteDeleteTool(deps))
	r.Register(noteListTool(deps))
	r.Register(noteSearchTool(deps))
	r.Register(mindmapCreateTool(deps))
	r.Register(mindmapUpdateTool(deps))
	r.Register(mindmapDeleteTool(deps))
	r.Register(essayCreateTool(deps))
	r.Register(essayUpdateTool(deps))
	r.Register(essayDeleteTool(deps))
	r.Register(examRenameTool(deps))
	r.Register(examAddMistakeTool(deps))
	r.Register(examDeleteTool(deps))
	r.Register(moveItemTool(deps))
}

func noteCreateTool(deps LibraryDeps) *Tool {
	type input struct {
		Title    string   `json:"title"`
		Content  string   `json:"content"`
		Tags     []string `json:"tags"`
		FolderID *string  `json:"folder_id"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "note_create",
			Description: "Create a note with a title, markdown content and optional tags.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"title":     stringProp("Note title"),
				"content":   stringProp("Markdown body"),
				"tags":      arrayProp("Tags", map[string]any{"type": "string"}),
				"folder_id": stringProp("Destination folder id; omit for root"),
			}, "title", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_create input: %v", err)
			}
			return deps.Notes.Create(ctx, library.CreateNoteParams{
				Title:    in.Title,
				Content:  in.Content,
				Tags:     in.Tags,
				FolderID: in.FolderID,
			})
		},
	}
}

func noteUpdateTool(deps LibraryDeps) *Tool {
	type input struct {
		ID      string    `json:"id"`
		Title   *string   `json:"title"`
		Content *string   `json:"content"`
		Tags    *[]string `json:"tags"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "note_update",
			Description: "Update a note's title, content or tags. Only provided fields change.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id":      stringProp("Note id"),
				"title":   stringProp("New title"),
				"content": stringProp("New markdown body"),
				"tags":    arrayProp("Replacement tags", map[string]any{"type": "string"}),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_update input: %v", err)
			}
			return deps.Notes.Update(ctx, in.ID, library.UpdateNoteParams{
				Title:   in.Title,
				Content: in.Content,
				Tags:    in.Tags,
			})
		},
	}
}

func noteGetTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "note_get",
			Description: "Fetch a note by id, including its content.",
			InputSchema: objectSchema(map[string]any{
				"id": stringProp("Note id"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_get input: %v", err)
			}
			return deps.Notes.Get(ctx, in.ID)
		},
	}
}

func noteDeleteTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "note_delete",
			Description: "Move a note to the trash. It can be restored until the trash is purged.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id": stringProp("Note id"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_delete input: %v", err)
			}
			if err := deps.Notes.Delete(ctx, in.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": in.ID}, nil
		},
	}
}

func noteListTool(deps LibraryDeps) *Tool {
	type input struct {
		FolderID      *string `json:"folder_id"`
		Tag           string  `json:"tag"`
		FavoritesOnly bool    `json:"favorites_only"`
		Limit         int     `json:"limit"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "note_list",
			Description: "List notes, optionally scoped to a folder, tag or favorites.",
			InputSchema: objectSchema(map[string]any{
				"folder_id":      stringProp("Folder scope"),
				"tag":            stringProp("Filter by tag"),
				"favorites_only": boolProp("Only favorite notes"),
				"limit":          intProp("Maximum results"),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_list input: %v", err)
			}
			return deps.Notes.ListAdvanced(ctx, library.ListOptions{
				FolderID:      in.FolderID,
				Tag:           in.Tag,
				FavoritesOnly: in.FavoritesOnly,
				Limit:         in.Limit,
			})
		},
	}
}

func noteSearchTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "note_search",
			Description: "Keyword search over note titles and content.",
			InputSchema: objectSchema(map[string]any{
				"keyword": stringProp("Search keyword"),
				"limit":   intProp("Maximum results"),
			}, "keyword"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				Keyword string `json:"keyword"`
				Limit   int    `json:"limit"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid note_search input: %v", err)
			}
			return deps.Notes.Search(ctx, in.Keyword, in.Limit)
		},
	}
}

func mindmapCreateTool(deps LibraryDeps) *Tool {
	type input struct {
		Title    string  `json:"title"`
		Content  string  `json:"content"`
		FolderID *string `json:"folder_id"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "mindmap_create",
			Description: "Create a mind map from a document JSON or a bare root node.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"title":     stringProp("Mind map title"),
				"content":   stringProp("Mind map document JSON"),
				"folder_id": stringProp("Destination folder id; omit for root"),
			}, "title", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid mindmap_create input: %v", err)
			}
			return deps.MindMaps.Create(ctx, library.CreateMindMapParams{
				Title:    in.Title,
				Content:  in.Content,
				FolderID: in.FolderID,
			})
		},
	}
}

func mindmapUpdateTool(deps LibraryDeps) *Tool {
	type input struct {
		ID      string  `json:"id"`
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "mindmap_update",
			Description: "Update a mind map's title or document. Only provided fields change.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id":      stringProp("Mind map id"),
				"title":   stringProp("New title"),
				"content": stringProp("New document JSON"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid mindmap_update input: %v", err)
			}
			return deps.MindMaps.Update(ctx, in.ID, library.UpdateMindMapParams{
				Title:   in.Title,
				Content: in.Content,
			})
		},
	}
}

func mindmapDeleteTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "mindmap_delete",
			Description: "Move a mind map to the trash.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id": stringProp("Mind map id"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid mindmap_delete input: %v", err)
			}
			if err := deps.MindMaps.Delete(ctx, in.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": in.ID}, nil
		},
	}
}

func essayCreateTool(deps LibraryDeps) *Tool {
	type input struct {
		Title     string  `json:"title"`
		Content   string  `json:"content"`
		SessionID *string `json:"session_id"`
		FolderID  *string `json:"folder_id"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "essay_create",
			Description: "Create an essay draft, optionally attached to a writing session.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"title":      stringProp("Essay title"),
				"content":    stringProp("Essay text"),
				"session_id": stringProp("Writing session id"),
				"folder_id":  stringProp("Destination folder id; omit for root"),
			}, "title", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid essay_create input: %v", err)
			}
			return deps.Essays.Create(ctx, library.CreateEssayParams{
				Title:     in.Title,
				Content:   in.Content,
				SessionID: in.SessionID,
				FolderID:  in.FolderID,
			})
		},
	}
}

func essayUpdateTool(deps LibraryDeps) *Tool {
	type input struct {
		ID      string  `json:"id"`
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "essay_update",
			Description: "Update an essay's title or text. Only provided fields change.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id":      stringProp("Essay id"),
				"title":   stringProp("New title"),
				"content": stringProp("New text"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid essay_update input: %v", err)
			}
			return deps.Essays.Update(ctx, in.ID, library.UpdateEssayParams{
				Title:   in.Title,
				Content: in.Content,
			})
		},
	}
}

func essayDeleteTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "essay_delete",
			Description: "Move an essay to the trash.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id": stringProp("Essay id"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid essay_delete input: %v", err)
			}
			if err := deps.Essays.Delete(ctx, in.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": in.ID}, nil
		},
	}
}

func examRenameTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "exam_rename",
			Description: "Rename an exam sheet.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id":        stringProp("Exam sheet id"),
				"exam_name": stringProp("New exam name"),
			}, "id", "exam_name"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID       string `json:"id"`
				ExamName string `json:"exam_name"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid exam_rename input: %v", err)
			}
			if err := deps.Exams.Rename(ctx, in.ID, in.ExamName); err != nil {
				return nil, err
			}
			return map[string]any{"renamed": true, "id": in.ID}, nil
		},
	}
}

func examAddMistakeTool(deps LibraryDeps) *Tool {
	type input struct {
		ExamID    string `json:"exam_id"`
		Content   string `json:"content"`
		Answer    string `json:"answer"`
		PageIndex *int   `json:"page_index"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "exam_add_mistake",
			Description: "Record a mistake question on an exam sheet.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"exam_id":    stringProp("Exam sheet id"),
				"content":    stringProp("Question text"),
				"answer":     stringProp("Correct answer"),
				"page_index": intProp("Page the question came from (0-based)"),
			}, "exam_id", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid exam_add_mistake input: %v", err)
			}
			return deps.Exams.AddMistake(ctx, in.ExamID, in.Content, in.Answer, in.PageIndex)
		},
	}
}

func examDeleteTool(deps LibraryDeps) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "exam_delete",
			Description: "Move an exam sheet to the trash.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"id": stringProp("Exam sheet id"),
			}, "id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid exam_delete input: %v", err)
			}
			if err := deps.Exams.Delete(ctx, in.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": in.ID}, nil
		},
	}
}

func moveItemTool(deps LibraryDeps) *Tool {
	type input struct {
		ItemType string  `json:"item_type"`
		ItemID   string  `json:"item_id"`
		FolderID *string `json:"folder_id"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "move_item",
			Description: "Move an entity to another folder, or to the root when folder_id is omitted.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"item_type": enumProp("Entity kind", library.KindNote, library.KindMindMap, library.KindEssay, library.KindExam, library.KindFile),
				"item_id":   stringProp("Entity id"),
				"folder_id": stringProp("Destination folder id"),
			}, "item_type", "item_id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid move_item input: %v", err)
			}
			switch in.ItemType {
			case library.KindNote, library.KindMindMap, library.KindEssay, library.KindExam, library.KindFile:
			default:
				return nil, errors.InvalidArgument("unknown item type %q", in.ItemType)
			}
			if in.FolderID != nil {
				if _, err := deps.Folders.Get(ctx, *in.FolderID); err != nil {
					return nil, err
				}
			}
			err := deps.Pool.Transaction(ctx, func(tx *sql.Tx) error {
				return deps.Items.Move(tx, in.ItemType, in.ItemID, in.FolderID)
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"moved": true, "item_id": in.ItemID}, nil
		},
	}
}
