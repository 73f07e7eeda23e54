package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/satchel-app/satchel/core/memory"
	"github.com/satchel-app/satchel/core/providers"
)

const extractorSystemPrompt = `You extract durable facts about the user from a conversation exchange.
Return ONLY a JSON array. Each element is {"title": string, "content": string}.
Extract stable preferences, goals, constraints and biographical facts.
Ignore transient task details, pleasantries and anything about the assistant.
Return [] when the exchange contains nothing worth remembering.`

const (
	extractorMaxTokens = 1024
	extractorMaxFacts  = 5
	extractorFolder    = "auto"
)

// Extractor distills memory-worthy facts from a finished turn with a small
// model and routes each one through the smart write path. It runs off the
// turn's critical path; every failure is logged and swallowed.
type Extractor struct {
	provider providers.Provider
	model    string
	memories *memory.Service
	logger   *slog.Logger
}

// NewExtractor creates an extractor. The model should be a cheap one; it
// runs after every successful turn that did not call a memory tool.
func NewExtractor(provider providers.Provider, model string, memories *memory.Service, logger *slog.Logger) *Extractor {
	return &Extractor{
		provider: provider,
		model:    model,
		memories: memories,
		logger:   logger.With("component", "chat.automemory"),
	}
}

type extractedFact struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Extract runs one extraction pass. It satisfies MemoryExtractor.
func (e *Extractor) Extract(ctx context.Context, userContent, assistantContent string) {
	if strings.TrimSpace(userContent) == "" {
		return
	}

	var b strings.Builder
	b.WriteString("User said:\n")
	b.WriteString(userContent)
	if assistantContent != "" {
		b.WriteString("\n\nAssistant replied:\n")
		b.WriteString(assistantContent)
	}

	resp, err := e.provider.Complete(ctx, &providers.Request{
		Model:        e.model,
		SystemPrompt: extractorSystemPrompt,
		MaxTokens:    extractorMaxTokens,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		e.logger.Warn("memory extraction request failed", "error", err)
		return
	}

	facts, err := parseFacts(resp.Content)
	if err != nil {
		e.logger.Warn("memory extraction returned malformed facts", "error", err)
		return
	}
	if len(facts) > extractorMaxFacts {
		facts = facts[:extractorMaxFacts]
	}

	for _, fact := range facts {
		if _, err := e.memories.WriteSmart(ctx, extractorFolder, fact.Title, fact.Content); err != nil {
			e.logger.Warn("auto-memory write failed", "title", fact.Title, "error", err)
		}
	}
}

func parseFacts(reply string) ([]extractedFact, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, nil
	}

	var facts []extractedFact
	if err := json.Unmarshal([]byte(reply[start:end+1]), &facts); err != nil {
		return nil, err
	}

	out := facts[:0]
	for _, fact := range facts {
		if strings.TrimSpace(fact.Title) == "" || strings.TrimSpace(fact.Content) == "" {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}
