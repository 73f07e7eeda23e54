package tools

import (
	"context"
	"encoding/json"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/indexstate"
)

// Indexer triggers synchronous indexing for one resource.
type Indexer interface {
	IndexResource(ctx context.Context, resourceID string) error
}

// OCRController exposes pause/resume/cancel on running recognition sessions.
type OCRController interface {
	Pause(sessionID string) error
	Resume(sessionID string) error
	Cancel(sessionID string) error
}

// RegisterIndexTools adds the page-index request tool.
func RegisterIndexTools(r *Registry, registry *indexstate.Registry, indexer Indexer) {
	r.Register(&Tool{
		Definition: Definition{
			Name:        "index_resource",
			Description: "Request indexing of a resource so it becomes searchable. Synchronous when immediate is set.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"resource_id": stringProp("Resource id to index"),
				"immediate":   boolProp("Index now instead of queueing for the background worker"),
			}, "resource_id"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				ResourceID string `json:"resource_id"`
				Immediate  bool   `json:"immediate"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid index_resource input: %v", err)
			}
			if in.Immediate {
				if err := indexer.IndexResource(ctx, in.ResourceID); err != nil {
					return nil, err
				}
				return map[string]any{"resource_id": in.ResourceID, "state": "indexed"}, nil
			}
			if err := registry.MarkPending(ctx, in.ResourceID); err != nil {
				return nil, err
			}
			return map[string]any{"resource_id": in.ResourceID, "state": "pending"}, nil
		},
	})
}

// RegisterOCRTools adds recognition session control.
func RegisterOCRTools(r *Registry, controller OCRController) {
	r.Register(&Tool{
		Definition: Definition{
			Name:        "ocr_session_control",
			Description: "Pause, resume or cancel a running PDF recognition session.",
			Mutating:    true,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Recognition session id"),
				"action":     enumProp("Control action", "pause", "resume", "cancel"),
			}, "session_id", "action"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in struct {
				SessionID string `json:"session_id"`
				Action    string `json:"action"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.InvalidArgument("invalid ocr_session_control input: %v", err)
			}

			var err error
			switch in.Action {
			case "pause":
				err = controller.Pause(in.SessionID)
			case "resume":
				err = controller.Resume(in.SessionID)
			case "cancel":
				err = controller.Cancel(in.SessionID)
			default:
				return nil, errors.InvalidArgument("unknown action %q", in.Action)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"session_id": in.SessionID, "action": in.Action}, nil
		},
	})
}
