package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays a fixed chunk sequence.
type scriptedProvider struct {
	chunks []*StreamChunk
	delay  time.Duration
	model  string
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return p.model }
func (p *scriptedProvider) SupportsModel(model string) bool {
	return model == p.model
}
func (p *scriptedProvider) SupportedModels() []ModelInfo {
	return []ModelInfo{{ID: p.model, Name: p.model, MaxContext: 1000}}
}
func (p *scriptedProvider) Close() error { return nil }

func (p *scriptedProvider) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	for _, chunk := range p.chunks {
		if p.delay > 0 {
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := handler(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return Collect(ctx, p, req)
}

func interleavedScript() []*StreamChunk {
	return []*StreamChunk{
		{Type: ChunkTypeStart},
		{Type: ChunkTypeThinking, Text: "let me check "},
		{Type: ChunkTypeThinking, Text: "the notes"},
		{Type: ChunkTypeThinking, Signature: "sig-abc"},
		{Type: ChunkTypeToolStart, ToolCall: &ToolCallChunk{ID: "call_1", Name: "memory_write_smart"}},
		{Type: ChunkTypeToolDelta, ToolCall: &ToolCallChunk{ID: "call_1", ArgumentsDelta: `{"title":`}},
		{Type: ChunkTypeToolDelta, ToolCall: &ToolCallChunk{ID: "call_1", ArgumentsDelta: `"diet"}`}},
		{Type: ChunkTypeToolEnd, ToolCall: &ToolCallChunk{ID: "call_1"}},
		{Type: ChunkTypeText, Text: "Saved a memory "},
		{Type: ChunkTypeText, Text: "about your diet."},
		{Type: ChunkTypeEnd, StopReason: StopReasonToolUse, Usage: &Usage{InputTokens: 12, OutputTokens: 30, TotalTokens: 42}},
	}
}

func TestAccumulatorSeparatesThinkingFromContent(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, chunk := range interleavedScript() {
		acc.Add(chunk)
	}

	resp := acc.Response()
	assert.Equal(t, "let me check the notes", resp.Thinking)
	assert.Equal(t, "sig-abc", resp.ThinkingSignature)
	assert.Equal(t, "Saved a memory about your diet.", resp.Content)
	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	assert.Equal(t, 42, resp.Usage.TotalTokens)
}

func TestAccumulatorAssemblesToolCalls(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, chunk := range interleavedScript() {
		acc.Add(chunk)
	}

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "memory_write_smart", calls[0].Name)
	assert.JSONEq(t, `{"title":"diet"}`, calls[0].Arguments)
}

func TestAccumulatorPreservesToolOrder(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(&StreamChunk{Type: ChunkTypeToolStart, ToolCall: &ToolCallChunk{ID: "b", Name: "second"}})
	acc.Add(&StreamChunk{Type: ChunkTypeToolStart, ToolCall: &ToolCallChunk{ID: "a", Name: "first"}})
	acc.Add(&StreamChunk{Type: ChunkTypeToolDelta, ToolCall: &ToolCallChunk{ID: "b", ArgumentsDelta: "{}"}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "b", calls[0].ID)
	assert.Equal(t, "a", calls[1].ID)
}

func TestAccumulatorErrorChunk(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(&StreamChunk{Type: ChunkTypeText, Text: "partial"})
	acc.Add(&StreamChunk{Type: ChunkTypeError, Text: "service temporarily unavailable"})

	resp := acc.Response()
	assert.Equal(t, StopReasonError, resp.StopReason)
	assert.Equal(t, "partial", resp.Content)
}

func TestCollectFoldsStream(t *testing.T) {
	p := &scriptedProvider{chunks: interleavedScript(), model: "test-model"}

	resp, err := Collect(context.Background(), p, &Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "Saved a memory about your diet.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
}

func TestStreamToChannelDeliversAllChunks(t *testing.T) {
	p := &scriptedProvider{chunks: interleavedScript(), model: "test-model"}

	var got []ChunkType
	for chunk := range StreamToChannel(context.Background(), p, &Request{}, 8) {
		got = append(got, chunk.Type)
	}

	require.Len(t, got, len(interleavedScript()))
	assert.Equal(t, ChunkTypeStart, got[0])
	assert.Equal(t, ChunkTypeEnd, got[len(got)-1])
}
