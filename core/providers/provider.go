// Package providers abstracts LLM backends behind a single streaming
// interface. Adapters translate between the generic request/response model
// and each vendor SDK, including reasoning ("thinking") output and tool use.
package providers

import (
	"context"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Thinking carries the reasoning text of a prior assistant turn.
	// ThinkingSignature is the provider's integrity token for that text;
	// both must be present for the turn to be replayed with its reasoning.
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// ToolCalls are set on assistant messages that requested tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool describes a callable function offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model         string            `json:"model,omitempty"`
	Messages      []Message         `json:"messages"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Tools         []Tool            `json:"tools,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Usage reports token consumption for a completed request.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// StopReason indicates why generation ended.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonCancelled    StopReason = "cancelled"
	StopReasonError        StopReason = "error"
)

// Response is a completed non-streaming result.
type Response struct {
	Content           string         `json:"content"`
	Thinking          string         `json:"thinking,omitempty"`
	ThinkingSignature string         `json:"thinking_signature,omitempty"`
	Model             string         `json:"model"`
	StopReason        StopReason     `json:"stop_reason"`
	Usage             Usage          `json:"usage"`
	ToolCalls         []ToolCall     `json:"tool_calls,omitempty"`
	ProviderMetadata  map[string]any `json:"provider_metadata,omitempty"`
}

// ModelInfo describes a model a provider can serve.
type ModelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxContext int    `json:"max_context"`
}

// Provider is the contract every LLM adapter implements. Stream delivers
// chunks through the handler in arrival order; a handler error aborts the
// stream and is returned to the caller.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request, handler StreamHandler) error
	SupportsModel(model string) bool
	DefaultModel() string
	SupportedModels() []ModelInfo
	Close() error
}
