package providers

import (
	"encoding/json"

	"github.com/satchel-app/satchel/core/chunking"
)

// perMessageOverhead approximates the wrapping tokens each message adds
// (role marker, separators) across the supported chat formats.
const perMessageOverhead = 4

// TokenCounter estimates the prompt cost of a message list before a
// request is sent, for context-window budgeting.
type TokenCounter struct {
	counter *chunking.TiktokenCounter

	// IncludeToolDefinitions adds the serialized tool schemas to the count.
	IncludeToolDefinitions bool
}

// NewTokenCounter returns a counter backed by the shared BPE tokenizer.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		counter:                chunking.NewTiktokenCounter(),
		IncludeToolDefinitions: true,
	}
}

// Count estimates tokens for a full request: system prompt, messages,
// assembled tool calls, and optionally the tool definitions.
func (c *TokenCounter) Count(req *Request) int {
	total := 0
	if req.SystemPrompt != "" {
		total += c.counter.Count(req.SystemPrompt) + perMessageOverhead
	}
	for _, msg := range req.Messages {
		total += c.CountMessage(msg)
	}
	if c.IncludeToolDefinitions {
		for _, tool := range req.Tools {
			total += c.counter.Count(tool.Name)
			total += c.counter.Count(tool.Description)
			if schema, err := json.Marshal(tool.Parameters); err == nil {
				total += c.counter.Count(string(schema))
			}
		}
	}
	return total
}

// CountMessage estimates tokens for one message.
func (c *TokenCounter) CountMessage(msg Message) int {
	total := c.counter.Count(msg.Content) + perMessageOverhead
	if msg.Thinking != "" {
		total += c.counter.Count(msg.Thinking)
	}
	for _, call := range msg.ToolCalls {
		total += c.counter.Count(call.Name)
		total += c.counter.Count(call.Arguments)
	}
	return total
}

// CountText estimates tokens for a bare string.
func (c *TokenCounter) CountText(text string) int {
	return c.counter.Count(text)
}

// FitsContext reports whether the request plus a reply budget fits the
// model's context window.
func (c *TokenCounter) FitsContext(req *Request, provider Provider, replyBudget int) bool {
	limit := maxContextTokens(provider, req.Model)
	return c.Count(req)+replyBudget <= limit
}

func maxContextTokens(provider Provider, model string) int {
	if model == "" {
		model = provider.DefaultModel()
	}
	for _, info := range provider.SupportedModels() {
		if info.ID == model {
			return info.MaxContext
		}
	}
	return 128000
}
