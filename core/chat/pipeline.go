package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/providers"
	"github.com/satchel-app/satchel/core/retrieval"
	"github.com/satchel-app/satchel/core/tools"
	"github.com/satchel-app/satchel/core/vfs"
)

const (
	maxToolRounds   = 8
	retrievalTopK   = 6
	historyMessages = 40
)

// Retriever is the context-gathering surface the pipeline calls before the
// first model round.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// ResourceRefs bumps refcounts for resources cited in an assistant turn so
// trash purges cannot orphan a conversation's context.
type ResourceRefs interface {
	Increment(tx *sql.Tx, id string) error
}

// MemoryExtractor runs the post-turn fact extraction pass.
type MemoryExtractor interface {
	Extract(ctx context.Context, userContent, assistantContent string)
}

// PipelineDeps wires a turn pipeline. Retriever, Resources and Extractor
// are optional.
type PipelineDeps struct {
	Store     *Store
	Providers *providers.Registry
	Tools     *tools.Registry
	Retriever Retriever
	Pool      *database.Pool
	Resources ResourceRefs
	Extractor MemoryExtractor
	Logger    *slog.Logger
}

// Pipeline executes one chat turn: immediate user save, retrieval, the
// streaming model loop with interleaved thinking and tool blocks, and the
// final merge save. The final save runs on success, error and cancel alike.
type Pipeline struct {
	store     *Store
	providers *providers.Registry
	tools     *tools.Registry
	retriever Retriever
	pool      *database.Pool
	resources ResourceRefs
	extractor MemoryExtractor
	logger    *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     deps.Store,
		providers: deps.Providers,
		tools:     deps.Tools,
		retriever: deps.Retriever,
		pool:      deps.Pool,
		resources: deps.Resources,
		extractor: deps.Extractor,
		logger:    logger.With("component", "chat.pipeline"),
	}
}

// TurnOptions parameterizes one turn.
type TurnOptions struct {
	SessionID string
	Content   string
	Model     string

	// UserMessageID and AssistantMessageID let the shell pre-assign ids.
	UserMessageID      string
	AssistantMessageID string

	// SkipUserSave suppresses the user half entirely (regeneration).
	// SkipAssistantInsert updates an existing assistant row in place
	// instead of inserting (retry).
	SkipUserSave        bool
	SkipAssistantInsert bool

	EnableRetrieval bool
	IncludeWeb      bool
	SystemPrompt    string
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	UserMessageID      string
	AssistantMessageID string
	Blocks             []*Block
	Content            string
	StopReason         providers.StopReason
	Usage              providers.Usage
	ToolResults        []*tools.Result
	Err                error
}

// turnState is the mutable interleaved-block state of one running turn.
type turnState struct {
	blocks []*Block

	thinkingBlock *Block
	contentBlock  *Block

	toolResults []*tools.Result
	usage       providers.Usage
	stopReason  providers.StopReason
	memoryTool  bool

	retrievalSources  []retrieval.Item
	retrievalBlockIDs map[string]string
	resourceIDs       []string
}

// Run executes one turn. Chunks are forwarded to handler (may be nil) as
// they arrive so a caller can render the stream live.
func (p *Pipeline) Run(ctx context.Context, opts TurnOptions, handler providers.StreamHandler) (*TurnResult, error) {
	if strings.TrimSpace(opts.Content) == "" && !opts.SkipUserSave {
		return nil, errors.InvalidArgument("empty chat message")
	}
	if _, err := p.store.GetSession(ctx, opts.SessionID); err != nil {
		return nil, err
	}

	provider, err := p.providers.ForModel(opts.Model)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = provider.DefaultModel()
	}

	if opts.UserMessageID == "" {
		opts.UserMessageID = uuid.NewString()
	}
	if opts.AssistantMessageID == "" {
		opts.AssistantMessageID = uuid.NewString()
	}

	userMsg := &Message{
		ID:        opts.UserMessageID,
		SessionID: opts.SessionID,
		Role:      RoleUser,
		Metadata:  map[string]any{},
	}
	userBlock := &Block{
		ID:      uuid.NewString(),
		Type:    BlockTypeContent,
		Status:  StatusSuccess,
		Content: opts.Content,
	}
	assistant := &Message{
		ID:        opts.AssistantMessageID,
		SessionID: opts.SessionID,
		Role:      RoleAssistant,
		Metadata:  map[string]any{"model_id": model},
	}

	// History is read before the immediate save so the new user message
	// is not duplicated into the prompt.
	history, err := p.historyMessages(ctx, opts.SessionID, opts.AssistantMessageID)
	if err != nil {
		return nil, err
	}

	if err := p.store.SaveTurn(ctx, SaveTurnParams{
		SessionID:           opts.SessionID,
		UserMessage:         userMsg,
		UserBlock:           userBlock,
		SkipUserSave:        opts.SkipUserSave,
		AssistantMessage:    assistant,
		SkipAssistantInsert: opts.SkipAssistantInsert,
	}); err != nil {
		return nil, err
	}

	state := &turnState{}
	p.runRetrieval(ctx, opts, state)

	req := &providers.Request{
		Model:        model,
		SystemPrompt: p.systemPrompt(opts, state),
		Messages:     append(history, providers.Message{Role: providers.RoleUser, Content: opts.Content}),
	}
	if p.tools != nil {
		req.Tools = p.tools.ProviderTools()
	}

	runErr := p.streamLoop(ctx, provider, req, opts, assistant, state, handler)

	p.finalize(ctx, opts, assistant, state, runErr)

	result := &TurnResult{
		UserMessageID:      opts.UserMessageID,
		AssistantMessageID: opts.AssistantMessageID,
		Blocks:             state.blocks,
		Content:            contentOf(state.blocks),
		StopReason:         state.stopReason,
		Usage:              state.usage,
		ToolResults:        state.toolResults,
		Err:                runErr,
	}
	return result, nil
}

// runRetrieval is best effort. A failed or empty retrieval leaves no blocks.
func (p *Pipeline) runRetrieval(ctx context.Context, opts TurnOptions, state *turnState) {
	if !opts.EnableRetrieval || p.retriever == nil {
		return
	}

	result, err := p.retriever.Retrieve(ctx, retrieval.Request{
		Query:      opts.Content,
		TopK:       retrievalTopK,
		IncludeWeb: opts.IncludeWeb,
	})
	if err != nil {
		p.logger.Warn("retrieval failed, continuing without context", "error", err)
		return
	}

	// One block per source that returned anything. The block ids are
	// minted here, once, so every intermediate and final save reuses the
	// ids the frontend already rendered.
	groups := []struct {
		blockType string
		items     []retrieval.Item
	}{
		{BlockTypeRAG, append(append([]retrieval.Item(nil), result.Entities...), result.Chunks...)},
		{BlockTypeMemory, result.Memories},
		{BlockTypeWebSearch, result.Web},
	}
	for _, g := range groups {
		if len(g.items) == 0 {
			continue
		}
		state.retrievalSources = append(state.retrievalSources, g.items...)
		for _, item := range g.items {
			if item.ResourceID != "" {
				state.resourceIDs = append(state.resourceIDs, item.ResourceID)
			}
		}
		payload, err := json.Marshal(g.items)
		if err != nil {
			continue
		}
		block := &Block{
			ID:        uuid.NewString(),
			Type:      g.blockType,
			Status:    StatusSuccess,
			Content:   string(payload),
			StartedAt: vfs.NowISO(),
			EndedAt:   vfs.NowISO(),
		}
		state.blocks = append(state.blocks, block)
		if state.retrievalBlockIDs == nil {
			state.retrievalBlockIDs = map[string]string{}
		}
		state.retrievalBlockIDs[g.blockType] = block.ID
	}
}

func (p *Pipeline) systemPrompt(opts TurnOptions, state *turnState) string {
	prompt := opts.SystemPrompt
	if len(state.retrievalSources) == 0 {
		return prompt
	}

	var b strings.Builder
	if prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant material from the user's workspace:\n")
	for _, item := range state.retrievalSources {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Source, item.Title, item.Snippet)
	}
	return b.String()
}

// streamLoop runs the model, executing tools and re-invoking until the
// model stops asking for them or the round budget runs out. An
// intermediate save lands after every tool execution.
func (p *Pipeline) streamLoop(ctx context.Context, provider providers.Provider, req *providers.Request,
	opts TurnOptions, assistant *Message, state *turnState, handler providers.StreamHandler) error {

	for round := 0; round < maxToolRounds; round++ {
		acc := providers.NewStreamAccumulator()
		streamErr := provider.Stream(ctx, req, func(chunk *providers.StreamChunk) error {
			// Cancellation is observed at chunk boundaries; a chunk
			// arriving after cancel is dropped, not half-applied.
			if err := ctx.Err(); err != nil {
				return err
			}
			acc.Add(chunk)
			p.applyChunk(state, chunk)
			if handler != nil {
				return handler(chunk)
			}
			return nil
		})

		resp := acc.Response()
		if resp.Usage.TotalTokens > 0 {
			state.usage.InputTokens += resp.Usage.InputTokens
			state.usage.OutputTokens += resp.Usage.OutputTokens
			state.usage.TotalTokens += resp.Usage.TotalTokens
			state.usage.CacheReadTokens += resp.Usage.CacheReadTokens
			state.usage.CacheWriteTokens += resp.Usage.CacheWriteTokens
		}
		if streamErr != nil {
			if ctx.Err() != nil {
				state.stopReason = providers.StopReasonCancelled
			} else {
				state.stopReason = providers.StopReasonError
			}
			return streamErr
		}
		if ctx.Err() != nil {
			state.stopReason = providers.StopReasonCancelled
			return ctx.Err()
		}
		state.stopReason = resp.StopReason
		if resp.StopReason != providers.StopReasonToolUse || len(resp.ToolCalls) == 0 {
			return nil
		}

		// Tool use closes the open streaming blocks; the next round
		// streams into fresh ones.
		closeOpenBlocks(state, StatusSuccess)

		assistantTurn := providers.Message{
			Role:              providers.RoleAssistant,
			Content:           resp.Content,
			Thinking:          resp.Thinking,
			ThinkingSignature: resp.ThinkingSignature,
			ToolCalls:         resp.ToolCalls,
		}
		req.Messages = append(req.Messages, assistantTurn)

		for _, call := range resp.ToolCalls {
			block := &Block{
				ID:        uuid.NewString(),
				Type:      BlockTypeTool,
				Status:    StatusStreaming,
				ToolName:  call.Name,
				ToolInput: call.Arguments,
				StartedAt: vfs.NowISO(),
			}
			state.blocks = append(state.blocks, block)

			result := p.tools.Execute(ctx, tools.Invocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				BlockID:   block.ID,
			})
			state.toolResults = append(state.toolResults, result)
			if tools.MemoryToolNames[call.Name] {
				state.memoryTool = true
			}

			block.EndedAt = vfs.NowISO()
			if result.Success {
				block.Status = StatusSuccess
				block.ToolOutput = string(result.Output)
			} else {
				block.Status = StatusError
				block.ToolOutput = result.Error
			}

			req.Messages = append(req.Messages, providers.Message{
				Role:       providers.RoleTool,
				Content:    toolReply(result),
				ToolCallID: call.ID,
			})
		}

		if err := p.saveProgress(ctx, opts, assistant, state); err != nil {
			p.logger.Warn("intermediate save failed", "error", err)
		}
		if ctx.Err() != nil {
			state.stopReason = providers.StopReasonCancelled
			return ctx.Err()
		}
	}

	return errors.InvalidOperation("tool round limit reached after %d rounds", maxToolRounds)
}

// applyChunk maintains the interleaved block list: consecutive deltas of
// one kind extend the open block of that kind, a kind switch closes it and
// opens a new one. Order is exactly arrival order.
func (p *Pipeline) applyChunk(state *turnState, chunk *providers.StreamChunk) {
	now := vfs.NowISO()
	switch chunk.Type {
	case providers.ChunkTypeThinking:
		if chunk.Text == "" {
			return
		}
		if state.contentBlock != nil {
			state.contentBlock.Status = StatusSuccess
			state.contentBlock.EndedAt = now
			state.contentBlock = nil
		}
		if state.thinkingBlock == nil {
			state.thinkingBlock = &Block{
				ID:           uuid.NewString(),
				Type:         BlockTypeThinking,
				Status:       StatusStreaming,
				StartedAt:    now,
				FirstChunkAt: &now,
			}
			state.blocks = append(state.blocks, state.thinkingBlock)
		}
		state.thinkingBlock.Content += chunk.Text

	case providers.ChunkTypeText:
		if chunk.Text == "" {
			return
		}
		if state.thinkingBlock != nil {
			state.thinkingBlock.Status = StatusSuccess
			state.thinkingBlock.EndedAt = now
			state.thinkingBlock = nil
		}
		if state.contentBlock == nil {
			state.contentBlock = &Block{
				ID:           uuid.NewString(),
				Type:         BlockTypeContent,
				Status:       StatusStreaming,
				StartedAt:    now,
				FirstChunkAt: &now,
			}
			state.blocks = append(state.blocks, state.contentBlock)
		}
		state.contentBlock.Content += chunk.Text

	case providers.ChunkTypeToolStart:
		// The model committed to a tool call; whatever was streaming
		// is complete.
		closeOpenBlocks(state, StatusSuccess)
	}
}

func closeOpenBlocks(state *turnState, status string) {
	now := vfs.NowISO()
	if state.thinkingBlock != nil {
		state.thinkingBlock.Status = status
		state.thinkingBlock.EndedAt = now
		state.thinkingBlock = nil
	}
	if state.contentBlock != nil {
		state.contentBlock.Status = status
		state.contentBlock.EndedAt = now
		state.contentBlock = nil
	}
}

func (p *Pipeline) saveProgress(ctx context.Context, opts TurnOptions, assistant *Message, state *turnState) error {
	return p.store.SaveTurn(ctx, SaveTurnParams{
		SessionID:           opts.SessionID,
		SkipUserSave:        true,
		AssistantMessage:    assistant,
		Blocks:              state.blocks,
		SkipAssistantInsert: true,
	})
}

// finalize always persists the turn, even on error or cancel. A cancelled
// turn that produced only thinking is still a valid saved message.
func (p *Pipeline) finalize(ctx context.Context, opts TurnOptions, assistant *Message, state *turnState, runErr error) {
	saveCtx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		closeOpenBlocks(state, StatusSuccess)
	case ctx.Err() != nil:
		closeOpenBlocks(state, StatusCancelled)
		if state.stopReason == "" {
			state.stopReason = providers.StopReasonCancelled
		}
	default:
		closeOpenBlocks(state, StatusError)
		if state.stopReason == "" {
			state.stopReason = providers.StopReasonError
		}
	}

	assistant.Metadata["stop_reason"] = string(state.stopReason)
	assistant.Metadata["usage"] = state.usage
	if len(state.toolResults) > 0 {
		assistant.Metadata["tool_results"] = state.toolResults
	}
	if len(state.retrievalSources) > 0 {
		assistant.Metadata["retrieval_sources"] = state.retrievalSources
	}
	if len(state.retrievalBlockIDs) > 0 {
		assistant.Metadata["streaming_retrieval_block_ids"] = state.retrievalBlockIDs
	}
	if len(state.resourceIDs) > 0 {
		assistant.Metadata["context_resources"] = state.resourceIDs
	}
	if runErr != nil {
		assistant.Metadata["error"] = errors.UserMessage(runErr)
	}

	if err := p.store.SaveTurn(saveCtx, SaveTurnParams{
		SessionID:           opts.SessionID,
		SkipUserSave:        true,
		AssistantMessage:    assistant,
		Blocks:              state.blocks,
		SkipAssistantInsert: true,
	}); err != nil {
		p.logger.Error("final turn save failed", "session", opts.SessionID, "error", err)
		return
	}

	p.postCommit(saveCtx, opts, state, runErr)
}

// postCommit bumps refcounts for cited resources and kicks off the
// fire-and-forget memory extraction; neither can fail the turn.
func (p *Pipeline) postCommit(ctx context.Context, opts TurnOptions, state *turnState, runErr error) {
	if p.resources != nil && p.pool != nil && len(state.resourceIDs) > 0 {
		err := p.pool.Transaction(ctx, func(tx *sql.Tx) error {
			for _, id := range state.resourceIDs {
				if err := p.resources.Increment(tx, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			p.logger.Warn("context resource refcount bump failed", "error", err)
		}
	}

	if p.extractor != nil && runErr == nil && !state.memoryTool {
		go p.extractor.Extract(context.WithoutCancel(ctx), opts.Content, contentOf(state.blocks))
	}
}

// historyMessages flattens prior saved turns into provider messages,
// excluding the assistant row the current turn will write into.
func (p *Pipeline) historyMessages(ctx context.Context, sessionID, excludeID string) ([]providers.Message, error) {
	saved, err := p.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var history []providers.Message
	for _, msg := range saved {
		if msg.ID == excludeID {
			continue
		}
		role := providers.RoleUser
		if msg.Role == RoleAssistant {
			role = providers.RoleAssistant
		}
		content := contentOf(msg.Blocks)
		if content == "" {
			continue
		}
		history = append(history, providers.Message{Role: role, Content: content})
	}

	if len(history) > historyMessages {
		history = history[len(history)-historyMessages:]
	}
	return history, nil
}

// contentOf joins a message's content blocks in order.
func contentOf(blocks []*Block) string {
	var parts []string
	for _, block := range blocks {
		if block.Type == BlockTypeContent && block.Content != "" {
			parts = append(parts, block.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func toolReply(result *tools.Result) string {
	if result.Success {
		if len(result.Output) > 0 {
			return string(result.Output)
		}
		return `{"success":true}`
	}
	return "tool failed: " + result.Error
}
