package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/memory"
	"github.com/satchel-app/satchel/core/providers"
	"github.com/satchel-app/satchel/core/retrieval"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/tools"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

// scriptedProvider replays one chunk script per Stream call, so a test can
// drive multi-round tool loops deterministically.
type scriptedProvider struct {
	scripts  [][]*providers.StreamChunk
	call     int
	requests []*providers.Request
}

func (p *scriptedProvider) Name() string                          { return "scripted" }
func (p *scriptedProvider) SupportsModel(model string) bool       { return model == "scripted-model" }
func (p *scriptedProvider) DefaultModel() string                  { return "scripted-model" }
func (p *scriptedProvider) Close() error                          { return nil }
func (p *scriptedProvider) SupportedModels() []providers.ModelInfo {
	return []providers.ModelInfo{{ID: "scripted-model", Name: "Scripted", MaxContext: 128000}}
}

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return providers.Collect(ctx, p, req)
}

func (p *scriptedProvider) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	p.requests = append(p.requests, req)
	idx := p.call
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	p.call++
	for _, chunk := range p.scripts[idx] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(chunk); err != nil {
			return err
		}
	}
	return nil
}

func chunk(t providers.ChunkType, text string) *providers.StreamChunk {
	return &providers.StreamChunk{Type: t, Text: text, Timestamp: time.Now()}
}

func toolChunks(id, name, args string) []*providers.StreamChunk {
	return []*providers.StreamChunk{
		{Type: providers.ChunkTypeToolStart, ToolCall: &providers.ToolCallChunk{ID: id, Name: name}},
		{Type: providers.ChunkTypeToolDelta, ToolCall: &providers.ToolCallChunk{ID: id, ArgumentsDelta: args}},
		{Type: providers.ChunkTypeToolEnd, ToolCall: &providers.ToolCallChunk{ID: id}},
	}
}

func endChunk(reason providers.StopReason) *providers.StreamChunk {
	return &providers.StreamChunk{
		Type:       providers.ChunkTypeEnd,
		StopReason: reason,
		Usage:      &providers.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}
}

type pipelineFixture struct {
	store    *Store
	registry *providers.Registry
	tools    *tools.Registry
	session  *Session
}

func newPipelineFixture(t *testing.T, provider providers.Provider) *pipelineFixture {
	t.Helper()

	store := newStoreFixture(t)
	session, err := store.CreateSession(context.Background(), "test", "scripted-model")
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Register(providers.ProviderTypeAnthropic, provider)

	return &pipelineFixture{
		store:    store,
		registry: registry,
		tools:    tools.NewRegistry(),
		session:  session,
	}
}

func (f *pipelineFixture) pipeline() *Pipeline {
	return NewPipeline(PipelineDeps{
		Store:     f.store,
		Providers: f.registry,
		Tools:     f.tools,
		Logger:    slog.Default(),
	})
}

func TestRunSavesPlainTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{
		chunk(providers.ChunkTypeThinking, "the user wants a definition"),
		chunk(providers.ChunkTypeText, "Osmosis is "),
		chunk(providers.ChunkTypeText, "diffusion of water."),
		endChunk(providers.StopReasonEndTurn),
	}}}
	f := newPipelineFixture(t, provider)

	result, err := f.pipeline().Run(context.Background(), TurnOptions{
		SessionID: f.session.ID,
		Content:   "what is osmosis?",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, "Osmosis is diffusion of water.", result.Content)
	assert.Equal(t, providers.StopReasonEndTurn, result.StopReason)
	assert.Equal(t, 30, result.Usage.TotalTokens)

	messages, err := f.store.Messages(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, RoleAssistant, messages[1].Role)

	blocks := messages[1].Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockTypeThinking, blocks[0].Type)
	assert.Equal(t, StatusSuccess, blocks[0].Status)
	assert.Equal(t, BlockTypeContent, blocks[1].Type)
	assert.Equal(t, "Osmosis is diffusion of water.", blocks[1].Content)
}

func TestRunPreservesInterleavedOrder(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		append(append([]*providers.StreamChunk{
			chunk(providers.ChunkTypeThinking, "need to look this up"),
		}, toolChunks("call_1", "lookup", `{"q":"osmosis"}`)...),
			endChunk(providers.StopReasonToolUse)),
		{
			chunk(providers.ChunkTypeThinking, "got the result"),
			chunk(providers.ChunkTypeText, "Here is the answer."),
			endChunk(providers.StopReasonEndTurn),
		},
	}}
	f := newPipelineFixture(t, provider)
	f.tools.Register(&tools.Tool{
		Definition: tools.Definition{Name: "lookup", Description: "looks things up",
			InputSchema: map[string]any{"type": "object"}},
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			return map[string]string{"definition": "water diffusion"}, nil
		},
	})

	result, err := f.pipeline().Run(context.Background(), TurnOptions{
		SessionID: f.session.ID,
		Content:   "define osmosis",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	got, err := f.store.GetMessage(context.Background(), result.AssistantMessageID)
	require.NoError(t, err)

	types := make([]string, len(got.Blocks))
	for i, block := range got.Blocks {
		types[i] = block.Type
		assert.Equal(t, i, block.Index)
		assert.Equal(t, StatusSuccess, block.Status)
	}
	assert.Equal(t, []string{BlockTypeThinking, BlockTypeTool, BlockTypeThinking, BlockTypeContent}, types)

	toolBlock := got.Blocks[1]
	assert.Equal(t, "lookup", toolBlock.ToolName)
	assert.JSONEq(t, `{"q":"osmosis"}`, toolBlock.ToolInput)
	assert.JSONEq(t, `{"definition":"water diffusion"}`, toolBlock.ToolOutput)

	// The second round's request carries the tool result back.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, providers.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestRunCancelledMidStreamStillSaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &cancellingProvider{cancel: cancel}
	f := newPipelineFixture(t, provider)

	result, err := f.pipeline().Run(ctx, TurnOptions{
		SessionID: f.session.ID,
		Content:   "long question",
	}, nil)
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Equal(t, providers.StopReasonCancelled, result.StopReason)

	got, err := f.store.GetMessage(context.Background(), result.AssistantMessageID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Blocks)
	assert.Equal(t, BlockTypeThinking, got.Blocks[0].Type)
	assert.Equal(t, StatusCancelled, got.Blocks[0].Status)
	assert.Equal(t, "cancelled", got.Metadata["stop_reason"])
}

// newMemoryService builds a real memory service over a temp database so
// memory tools and the extractor can be exercised end to end.
func newMemoryService(t *testing.T) (*memory.Service, *database.Pool) {
	t.Helper()

	dirs := storage.DirsAt(t.TempDir())
	require.NoError(t, dirs.EnsureAll())

	manager := database.NewManager(dirs)
	pool, err := manager.Open("primary", database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })
	require.NoError(t, database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(context.Background()))

	res := vfs.NewResourceStore(dirs)
	folders := vfs.NewFolderStore(pool)
	items := vfs.NewItemStore(pool)
	stateReg := indexstate.NewRegistry(pool)
	logger := slog.Default()

	vectors := vector.NewManager(dirs.VectorDir(), nil, logger)
	t.Cleanup(func() { vectors.CloseAll() })

	embedder := &hashEmbedder{}
	cfg := config.DefaultConfig()
	indexer := index.NewService(pool, res, items, stateReg, vectors, embedder, nil,
		nil, func() *config.Config { return cfg }, logger)
	notes := library.NewNoteRepo(pool, res, items, folders, stateReg, logger)

	memories := memory.NewService(memory.Deps{
		Pool:      pool,
		Resources: res,
		Items:     items,
		Folders:   folders,
		Notes:     notes,
		Registry:  stateReg,
		Vectors:   vectors,
		Embedder:  embedder,
		Settings:  config.NewSettings(pool),
		Indexer:   indexer,
		Logger:    logger,
	})
	return memories, pool
}

func TestRunMemoryToolLandsInStore(t *testing.T) {
	memories, pool := newMemoryService(t)
	logger := slog.Default()

	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		append(append([]*providers.StreamChunk{
			chunk(providers.ChunkTypeThinking, "worth remembering"),
		}, toolChunks("call_1", "memory_write_smart",
			`{"title":"diet","content":"User prefers vegetarian meals."}`)...),
			endChunk(providers.StopReasonToolUse)),
		{
			chunk(providers.ChunkTypeText, "Noted, I'll remember that."),
			endChunk(providers.StopReasonEndTurn),
		},
	}}

	store := NewStore(pool, logger)
	session, err := store.CreateSession(context.Background(), "prefs", "scripted-model")
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Register(providers.ProviderTypeAnthropic, provider)

	toolReg := tools.NewRegistry()
	tools.RegisterMemoryTools(toolReg, memories)

	pipeline := NewPipeline(PipelineDeps{
		Store:     store,
		Providers: registry,
		Tools:     toolReg,
		Logger:    logger,
	})

	result, err := pipeline.Run(context.Background(), TurnOptions{
		SessionID: session.ID,
		Content:   "I'm vegetarian by the way",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	got, err := store.GetMessage(context.Background(), result.AssistantMessageID)
	require.NoError(t, err)
	types := make([]string, len(got.Blocks))
	for i, block := range got.Blocks {
		types[i] = block.Type
	}
	assert.Equal(t, []string{BlockTypeThinking, BlockTypeTool, BlockTypeContent}, types)

	require.Len(t, result.ToolResults, 1)
	assert.True(t, result.ToolResults[0].Success, result.ToolResults[0].Error)

	hits, err := memories.Search(context.Background(), "vegetarian meals", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "diet", hits[0].Title)
}

func TestRunUnknownSession(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{endChunk(providers.StopReasonEndTurn)}}}
	f := newPipelineFixture(t, provider)

	_, err := f.pipeline().Run(context.Background(), TurnOptions{
		SessionID: "missing",
		Content:   "hello",
	}, nil)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

// cancellingProvider emits one thinking chunk, cancels the turn context,
// and lets the cancellation surface the way a severed stream would.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Name() string                    { return "cancelling" }
func (p *cancellingProvider) SupportsModel(model string) bool { return true }
func (p *cancellingProvider) DefaultModel() string            { return "scripted-model" }
func (p *cancellingProvider) Close() error                    { return nil }

func (p *cancellingProvider) SupportedModels() []providers.ModelInfo {
	return []providers.ModelInfo{{ID: "scripted-model", Name: "Scripted", MaxContext: 128000}}
}

func (p *cancellingProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return providers.Collect(ctx, p, req)
}

func (p *cancellingProvider) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	if err := handler(chunk(providers.ChunkTypeThinking, "partial reasoning")); err != nil {
		return err
	}
	p.cancel()
	if err := handler(chunk(providers.ChunkTypeText, "never delivered")); err != nil {
		return err
	}
	return ctx.Err()
}

// hashEmbedder is a deterministic stand-in for the real embedding model.
type hashEmbedder struct{}

func (e *hashEmbedder) Dimension() int  { return 4 }
func (e *hashEmbedder) ModelID() string { return "hash" }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float32(b)
	}
	return vec, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

// stubRetriever returns one canned result for every query.
type stubRetriever struct {
	result *retrieval.Result
}

func (r *stubRetriever) Retrieve(_ context.Context, _ retrieval.Request) (*retrieval.Result, error) {
	return r.result, nil
}

func TestRunEmitsOneBlockPerRetrievalSource(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{
		chunk(providers.ChunkTypeText, "answer with sources"),
		endChunk(providers.StopReasonEndTurn),
	}}}
	f := newPipelineFixture(t, provider)
	retriever := &stubRetriever{result: &retrieval.Result{
		Query:    "ion channels",
		Chunks:   []retrieval.Item{{Source: retrieval.SourceVector, Title: "Membrane notes", Snippet: "voltage gating", Score: 0.9}},
		Memories: []retrieval.Item{{Source: retrieval.SourceMemory, Title: "prefers short answers", Score: 0.5}},
		Web:      []retrieval.Item{{Source: retrieval.SourceWeb, Title: "Ion channel", URL: "https://example.org/ion", Score: 0.4}},
	}}
	pipeline := NewPipeline(PipelineDeps{
		Store:     f.store,
		Providers: f.registry,
		Tools:     f.tools,
		Retriever: retriever,
		Logger:    slog.Default(),
	})

	result, err := pipeline.Run(context.Background(), TurnOptions{
		SessionID:       f.session.ID,
		Content:         "ion channels",
		EnableRetrieval: true,
		IncludeWeb:      true,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	msg, err := f.store.GetMessage(context.Background(), result.AssistantMessageID)
	require.NoError(t, err)

	byType := map[string]*Block{}
	for _, block := range msg.Blocks {
		byType[block.Type] = block
	}
	for _, typ := range []string{BlockTypeRAG, BlockTypeMemory, BlockTypeWebSearch} {
		block, ok := byType[typ]
		require.True(t, ok, "missing %s block", typ)
		assert.Equal(t, StatusSuccess, block.Status)
	}

	ids, ok := msg.Metadata["streaming_retrieval_block_ids"].(map[string]any)
	require.True(t, ok, "metadata carries the per-source block id map")
	assert.Equal(t, byType[BlockTypeRAG].ID, ids[BlockTypeRAG])
	assert.Equal(t, byType[BlockTypeMemory].ID, ids[BlockTypeMemory])
	assert.Equal(t, byType[BlockTypeWebSearch].ID, ids[BlockTypeWebSearch])

	var hits []retrieval.Item
	require.NoError(t, json.Unmarshal([]byte(byType[BlockTypeWebSearch].Content), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "https://example.org/ion", hits[0].URL)
}
