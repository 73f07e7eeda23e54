package tools

import (
	"context"
	"encoding/json"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/memory"
)

// MemoryToolNames lists the tools that write memories directly; the chat
// pipeline skips auto-memory extraction when one of these ran in the turn.
var MemoryToolNames = map[string]bool{
	"memory_write":        true,
	"memory_write_smart":  true,
	"memory_update_by_id": true,
	"memory_delete":       true,
}

// RegisterMemoryTools adds the memory service operations.
func RegisterMemoryTools(r *Registry, svc *memory.Service) {
	r.Register(memorySearchTool(svc))
	r.Register(memoryWriteTool(svc))
	r.Register(memoryWriteSmartTool(svc))
	r.Register(memoryUpdateByIDTool(svc))
	r.Register(memoryDeleteTool(svc))
}

func memorySearchTool(svc *memory.Service) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "memory_search",
			Description: "Search stored memories about the user. Returns the most relevant entries with recency-decayed scores.",
			InputSchema: objectSchema(map[string]any{
				"query": stringProp("What to look for"),
				"top_k": intProp("Maximum results, default 5"),
			}, "query"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				Query string `json:"query"`
				TopK  int    `json:"top_k"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid memory_search input: %v", err)
			}
			return svc.Search(ctx, in.Query, in.TopK)
		},
	}
}

func memoryWriteTool(svc *memory.Service) *Tool {
	type input struct {
		FolderPath string `json:"folder_path"`
		Title      string `json:"title"`
		Content    string `json:"content"`
		Mode       string `json:"mode"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "memory_write",
			Description: "Store a memory verbatim. Use memory_write_smart unless the caller explicitly chose the mode.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"folder_path": stringProp("Subfolder path under the memory root, e.g. preferences/diet"),
				"title":       stringProp("Memory title"),
				"content":     stringProp("Memory content"),
				"mode":        enumProp("Write mode", "create", "update", "append"),
			}, "title", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid memory_write input: %v", err)
			}
			mode := memory.WriteMode(in.Mode)
			if in.Mode == "" {
				mode = memory.ModeCreate
			}
			return svc.Write(ctx, memory.WriteParams{
				FolderPath: in.FolderPath,
				Title:      in.Title,
				Content:    in.Content,
				Mode:       mode,
			})
		},
	}
}

func memoryWriteSmartTool(svc *memory.Service) *Tool {
	type input struct {
		FolderPath string `json:"folder_path"`
		Title      string `json:"title"`
		Content    string `json:"content"`
	}
	return &Tool{
		Definition: Definition{
			Name:        "memory_write_smart",
			Description: "Store a memory, letting the system decide whether it is new, updates an existing memory, or is already known.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"folder_path": stringProp("Subfolder path under the memory root"),
				"title":       stringProp("Memory title"),
				"content":     stringProp("Memory content"),
			}, "title", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in input
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid memory_write_smart input: %v", err)
			}
			return svc.WriteSmart(ctx, in.FolderPath, in.Title, in.Content)
		},
	}
}

func memoryUpdateByIDTool(svc *memory.Service) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "memory_update_by_id",
			Description: "Replace the content of a specific memory.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"note_id": stringProp("Memory note id"),
				"content": stringProp("Replacement content"),
			}, "note_id", "content"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				NoteID  string `json:"note_id"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid memory_update_by_id input: %v", err)
			}
			return svc.UpdateByID(ctx, in.NoteID, in.Content)
		},
	}
}

func memoryDeleteTool(svc *memory.Service) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        "memory_delete",
			Description: "Permanently forget a memory. Its vectors are removed before the note is deleted.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"note_id": stringProp("Memory note id"),
			}, "note_id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				NoteID string `json:"note_id"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid memory_delete input: %v", err)
			}
			if err := svc.Delete(ctx, in.NoteID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "note_id": in.NoteID}, nil
		},
	}
}
