// Package tools exposes the workbench's operations to the chat pipeline as
// named, JSON-schema'd tools. Execution is synchronous; the pipeline
// supplies the context and attaches results to streaming blocks.
package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/providers"
)

// maxSanitizedInput caps the echoed input on a result so oversized tool
// arguments never bloat persisted blocks.
const maxSanitizedInput = 4096

// ExecuteFunc runs a tool call. The returned value is marshalled to JSON
// as the tool output.
type ExecuteFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Definition describes one tool to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`

	// Mutating marks tools whose execution writes through the repos.
	// The pipeline uses it to decide whether auto-memory extraction
	// should run after the turn.
	Mutating bool `json:"mutating"`
}

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition
	Execute ExecuteFunc
}

// Invocation is one tool call as requested by the model. BlockID is the
// streaming block the result attaches to; it is assigned before execution
// and reused verbatim on retry.
type Invocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	BlockID   string `json:"block_id,omitempty"`
}

// Result is the persisted outcome of a tool call.
type Result struct {
	Success    bool            `json:"success"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	BlockID    string          `json:"block_id,omitempty"`
}

// Registry holds the registered tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Re-registering a name replaces the implementation
// but keeps its position.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.tools[tool.Name]; !seen {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions lists all registered tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// ProviderTools converts the registry to the provider-neutral tool list.
func (r *Registry) ProviderTools() []providers.Tool {
	defs := r.Definitions()
	result := make([]providers.Tool, len(defs))
	for i, def := range defs {
		result[i] = providers.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
		}
	}
	return result
}

// IsMutating reports whether the named tool writes through the repos.
// Unknown names report false.
func (r *Registry) IsMutating(name string) bool {
	tool, ok := r.Get(name)
	return ok && tool.Mutating
}

// Execute runs one invocation and always returns a Result; failures are
// carried in the result rather than an error so a failed tool call flows
// back to the model as a tool result block.
func (r *Registry) Execute(ctx context.Context, inv Invocation) *Result {
	started := time.Now()
	result := &Result{
		ToolName: inv.Name,
		Input:    sanitizeInput(inv.Arguments),
		BlockID:  inv.BlockID,
	}

	tool, ok := r.Get(inv.Name)
	if !ok {
		result.Error = "unknown tool: " + inv.Name
		result.DurationMS = time.Since(started).Milliseconds()
		return result
	}

	input := json.RawMessage(inv.Arguments)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	output, err := tool.Execute(ctx, input)
	result.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		result.Error = errors.UserMessage(err)
		return result
	}

	payload, err := json.Marshal(output)
	if err != nil {
		result.Error = "tool produced unserializable output"
		return result
	}

	result.Success = true
	result.Output = payload
	return result
}

// sanitizeInput compacts the raw arguments and truncates oversized
// payloads; invalid JSON is echoed as a quoted string.
func sanitizeInput(arguments string) json.RawMessage {
	if arguments == "" {
		return nil
	}

	var value any
	if err := json.Unmarshal([]byte(arguments), &value); err != nil {
		quoted, _ := json.Marshal(arguments)
		if len(quoted) > maxSanitizedInput {
			return nil
		}
		return quoted
	}

	compact, err := json.Marshal(value)
	if err != nil || len(compact) > maxSanitizedInput {
		return json.RawMessage(`{"truncated":true}`)
	}
	return compact
}
