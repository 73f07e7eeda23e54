package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/providers"
)

const rerankSystemPrompt = `You rank passages by relevance to a query.
Respond with a single JSON array of numbers between 0 and 1, one relevance
score per passage, in the same order as the passages. Respond with JSON
only.`

const rerankMaxTokens = 512

// LLMReranker scores passages with a small completion model. It satisfies
// the aggregator's Reranker contract; callers treat any failure as
// "keep the fused order", so errors are returned, never retried here.
type LLMReranker struct {
	provider providers.Provider
	model    string
}

// NewLLMReranker wraps a provider as the reranking model. An empty model
// uses the provider's default.
func NewLLMReranker(provider providers.Provider, model string) *LLMReranker {
	return &LLMReranker{provider: provider, model: model}
}

// Rerank returns one score per passage, aligned by index.
func (r *LLMReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for i, passage := range passages {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, passage)
	}

	resp, err := r.provider.Complete(ctx, &providers.Request{
		Model:        r.model,
		SystemPrompt: rerankSystemPrompt,
		MaxTokens:    rerankMaxTokens,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	scores, err := parseScores(resp.Content)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(passages) {
		return nil, errors.LLM("reranker returned wrong score count", nil)
	}
	return scores, nil
}

// parseScores extracts the first JSON array of numbers from a model reply,
// tolerating markdown fences and surrounding prose.
func parseScores(raw string) ([]float64, error) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, errors.LLM("reranker reply contains no JSON array", nil)
	}

	var scores []float64
	if err := json.Unmarshal([]byte(raw[start:end+1]), &scores); err != nil {
		return nil, errors.LLM("reranker reply is not valid JSON", err)
	}
	return scores, nil
}
