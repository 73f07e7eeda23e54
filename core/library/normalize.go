package library

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/satchel-app/satchel/core/errors"
)

// MindMap document limits.
const (
	MaxMindMapDepth = 100
	MaxMindMapNodes = 10000
)

// fallbackNodeText is used when a node carries no usable text field.
const fallbackNodeText = "未命名"

// MindMapNode is one normalized node. Children is never nil.
type MindMapNode struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Note     string         `json:"note"`
	Children []*MindMapNode `json:"children"`
}

// MindMapDocument is the full normalized shape.
type MindMapDocument struct {
	Version string         `json:"version"`
	Root    *MindMapNode   `json:"root"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NormalizeMindMap coerces arbitrary input JSON into the canonical document
// shape. It accepts either a full document {version, root, meta} or a bare
// root node. Normalization is idempotent: normalizing its own output is a
// fixed point. Depth or node-count violations are InvalidArgument.
func NormalizeMindMap(raw []byte) (*MindMapDocument, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.InvalidArgument("mindmap content is not valid JSON: %v", err)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, errors.InvalidArgument("mindmap content must be a JSON object")
	}

	doc := &MindMapDocument{Version: "1.0"}

	rootValue, hasRoot := obj["root"]
	if hasRoot {
		if v, ok := obj["version"].(string); ok && v != "" {
			doc.Version = v
		}
		if meta, ok := obj["meta"].(map[string]any); ok {
			doc.Meta = meta
		}
	} else {
		// Bare root node form.
		rootValue = value
	}

	rootObj, ok := rootValue.(map[string]any)
	if !ok {
		return nil, errors.InvalidArgument("mindmap root must be a JSON object")
	}

	count := 0
	root, err := normalizeNode(rootObj, 1, &count)
	if err != nil {
		return nil, err
	}
	root.ID = "root"
	doc.Root = root
	return doc, nil
}

func normalizeNode(obj map[string]any, depth int, count *int) (*MindMapNode, error) {
	if depth > MaxMindMapDepth {
		return nil, errors.InvalidArgument("mindmap exceeds maximum depth of %d", MaxMindMapDepth)
	}
	*count++
	if *count > MaxMindMapNodes {
		return nil, errors.InvalidArgument("mindmap exceeds maximum of %d nodes", MaxMindMapNodes)
	}

	node := &MindMapNode{
		ID:       nodeID(obj, *count),
		Text:     nodeText(obj),
		Note:     stringField(obj, "note"),
		Children: []*MindMapNode{},
	}

	children, ok := obj["children"].([]any)
	if ok {
		for _, child := range children {
			childObj, ok := child.(map[string]any)
			if !ok {
				continue
			}
			normalized, err := normalizeNode(childObj, depth+1, count)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, normalized)
		}
	}
	return node, nil
}

func nodeID(obj map[string]any, ordinal int) string {
	if id, ok := obj["id"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("node-%d", ordinal)
}

// nodeText resolves the node label through the fallback chain
// text → name → label → title → value → content → "未命名".
func nodeText(obj map[string]any) string {
	for _, key := range []string{"text", "name", "label", "title", "value", "content"} {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fallbackNodeText
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// Encode renders the canonical JSON payload for a normalized document.
func (d *MindMapDocument) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.InvalidArgument("encode mindmap: %v", err)
	}
	return data, nil
}
