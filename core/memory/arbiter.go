package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/providers"
)

const arbiterSystemPrompt = `You curate a personal memory store. Given an
incoming memory and a list of similar existing memories, decide what to do:
ADD a new memory, UPDATE an existing one (content is superseded), APPEND to
an existing one (content extends it), DELETE an existing one (content
contradicts or retracts it), or NONE when the information is already stored.
Respond with a single JSON object:
{"event":"ADD|UPDATE|APPEND|DELETE|NONE","target_note_id":"...","confidence":0.0-1.0,"reason":"..."}
target_note_id is required for UPDATE, APPEND and DELETE and must be one of
the candidate note ids. Respond with JSON only.`

const summarySystemPrompt = `You maintain a short profile of the user from
their stored memories. Write a compact third-person summary (at most 200
words) of durable facts: preferences, goals, constraints, recurring topics.
Skip transient details. Respond with the summary text only.`

const arbiterMaxTokens = 1024

// Arbiter implements the LLM decision surface over a provider. A small,
// cheap model is expected here; decisions are single-shot completions.
type Arbiter struct {
	provider providers.Provider
	model    string
}

// NewArbiter wraps a provider as the smart-write decision model. An empty
// model uses the provider's default.
func NewArbiter(provider providers.Provider, model string) *Arbiter {
	return &Arbiter{provider: provider, model: model}
}

// Decide asks the model what to do with an incoming memory.
func (a *Arbiter) Decide(ctx context.Context, input DecisionInput) (*Decision, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Incoming memory:\nTitle: %s\nContent: %s\n\n", input.Title, input.Content)
	if len(input.Candidates) == 0 {
		sb.WriteString("There are no similar existing memories.\n")
	} else {
		sb.WriteString("Similar existing memories:\n")
		for _, c := range input.Candidates {
			fmt.Fprintf(&sb, "- note_id=%s title=%q score=%.2f\n  %s\n", c.NoteID, c.Title, c.Score, c.Content)
		}
	}

	resp, err := a.provider.Complete(ctx, &providers.Request{
		Model:        a.model,
		SystemPrompt: arbiterSystemPrompt,
		MaxTokens:    arbiterMaxTokens,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	decision, err := parseDecision(resp.Content)
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Summarize produces the user-profile summary from memory entries.
func (a *Arbiter) Summarize(ctx context.Context, entries []string) (string, error) {
	resp, err := a.provider.Complete(ctx, &providers.Request{
		Model:        a.model,
		SystemPrompt: summarySystemPrompt,
		MaxTokens:    arbiterMaxTokens,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: strings.Join(entries, "\n")},
		},
	})
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.LLM("empty profile summary", nil)
	}
	return summary, nil
}

// parseDecision extracts the verdict JSON from a model reply, tolerating
// markdown fences and surrounding prose.
func parseDecision(raw string) (*Decision, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, errors.LLM("arbiter reply contains no JSON object", nil)
	}

	var decision Decision
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		return nil, errors.LLM("arbiter reply is not valid JSON", err)
	}

	decision.Event = DecisionEvent(strings.ToUpper(string(decision.Event)))
	switch decision.Event {
	case EventAdd, EventUpdate, EventAppend, EventDelete, EventNone:
	default:
		return nil, errors.LLM("arbiter returned unknown event", nil)
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return nil, errors.LLM("arbiter confidence out of range", nil)
	}
	return &decision, nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// the text, skipping fences and prose around it.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
