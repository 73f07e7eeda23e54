package chat

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/providers"
)

// replyProvider answers every Complete with a fixed reply.
type replyProvider struct {
	reply string
	calls int
}

func (p *replyProvider) Name() string                    { return "reply" }
func (p *replyProvider) SupportsModel(model string) bool { return true }
func (p *replyProvider) DefaultModel() string            { return "reply-model" }
func (p *replyProvider) Close() error                    { return nil }

func (p *replyProvider) SupportedModels() []providers.ModelInfo {
	return []providers.ModelInfo{{ID: "reply-model", Name: "Reply", MaxContext: 128000}}
}

func (p *replyProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.calls++
	return &providers.Response{Content: p.reply, StopReason: providers.StopReasonEndTurn}, nil
}

func (p *replyProvider) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	p.calls++
	if err := handler(&providers.StreamChunk{Type: providers.ChunkTypeText, Text: p.reply}); err != nil {
		return err
	}
	return handler(&providers.StreamChunk{Type: providers.ChunkTypeEnd, StopReason: providers.StopReasonEndTurn})
}

func TestExtractorStoresFacts(t *testing.T) {
	memories, _ := newMemoryService(t)
	provider := &replyProvider{reply: "Here you go:\n" +
		`[{"title":"diet","content":"User prefers vegetarian meals."},` +
		`{"title":"timezone","content":"User lives in Lisbon."}]`}

	extractor := NewExtractor(provider, "reply-model", memories, slog.Default())
	extractor.Extract(context.Background(), "I'm vegetarian and based in Lisbon", "Good to know.")

	entries, err := memories.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	hits, err := memories.Search(context.Background(), "vegetarian meals", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	titles := make([]string, len(hits))
	for i, hit := range hits {
		titles[i] = hit.Title
	}
	assert.Contains(t, titles, "diet")
}

func TestExtractorSwallowsMalformedReplies(t *testing.T) {
	memories, _ := newMemoryService(t)
	extractor := NewExtractor(&replyProvider{reply: "no facts here"}, "reply-model", memories, slog.Default())

	extractor.Extract(context.Background(), "hello", "hi")

	entries, err := memories.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractorSkipsEmptyInput(t *testing.T) {
	memories, _ := newMemoryService(t)
	provider := &replyProvider{reply: "[]"}
	extractor := NewExtractor(provider, "reply-model", memories, slog.Default())

	extractor.Extract(context.Background(), "   ", "reply")
	assert.Zero(t, provider.calls)
}

func TestParseFactsFiltersBlankEntries(t *testing.T) {
	facts, err := parseFacts(`text before [{"title":"a","content":"b"},{"title":"","content":"x"},{"title":"c","content":""}] text after`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "a", facts[0].Title)

	facts, err = parseFacts("nothing structured")
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = parseFacts(`[{"title": 12}]`)
	assert.Error(t, err)
}
