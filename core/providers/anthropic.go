package providers

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/satchel-app/satchel/core/errors"
)

// AnthropicProvider implements Provider for Anthropic's Claude models.
type AnthropicProvider struct {
	client *anthropic.Client
	config AnthropicConfig
}

// Supported Anthropic models
var anthropicModels = map[string]ModelInfo{
	"claude-opus-4-5-20251101":   {ID: "claude-opus-4-5-20251101", Name: "Claude Opus 4.5", MaxContext: 200000},
	"claude-sonnet-4-5-20250901": {ID: "claude-sonnet-4-5-20250901", Name: "Claude Sonnet 4.5", MaxContext: 1000000},
	"claude-haiku-4-5-20251001":  {ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5", MaxContext: 200000},
}

// NewAnthropicProvider creates a new Anthropic provider with the given configuration.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.Model == "" {
		config.Model = DefaultAnthropicConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultAnthropicConfig().MaxTokens
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	betaOpts := []string{
		string(anthropic.AnthropicBetaInterleavedThinking2025_05_14),
		"fine-grained-tool-streaming-2025-05-14",
	}

	if config.Model == "claude-sonnet-4-5-20250901" {
		betaOpts = append(betaOpts, string(anthropic.AnthropicBetaContext1m2025_08_07))
	}

	opts = append(opts, option.WithHeader("anthropic-beta", strings.Join(betaOpts, ",")))

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return string(ProviderTypeAnthropic)
}

// Complete performs a non-streaming completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := p.buildParams(req)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	return p.convertResponse(msg), nil
}

// Stream performs a streaming completion request, delivering chunks to
// the handler in arrival order. Thinking deltas arrive as ChunkTypeThinking
// with the signature attached to the last chunk of each thinking span.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request, handler StreamHandler) error {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)

	if err := handler(&StreamChunk{
		Index:     0,
		Type:      ChunkTypeStart,
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}

	var chunkIndex int
	var inputTokens, outputTokens int
	var cacheReadTokens, cacheWriteTokens int
	var stopReason StopReason
	toolCallIDForIndex := map[int64]string{}
	thinkingBlocks := map[int64]bool{}

	for stream.Next() {
		event := stream.Current()
		chunkIndex++

		chunk := p.convertStreamEvent(event, chunkIndex, toolCallIDForIndex, thinkingBlocks)
		if chunk != nil {
			if err := handler(chunk); err != nil {
				return err
			}
		}

		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if ev.Message.Usage.InputTokens > 0 {
				inputTokens = int(ev.Message.Usage.InputTokens)
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				outputTokens = int(ev.Usage.OutputTokens)
			}
			if ev.Usage.CacheReadInputTokens > 0 {
				cacheReadTokens = int(ev.Usage.CacheReadInputTokens)
			}
			if ev.Usage.CacheCreationInputTokens > 0 {
				cacheWriteTokens = int(ev.Usage.CacheCreationInputTokens)
			}
			if ev.Delta.StopReason != "" {
				stopReason = p.convertStopReason(ev.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		mapped := p.mapError(err)
		handler(&StreamChunk{
			Index:     chunkIndex + 1,
			Type:      ChunkTypeError,
			Text:      errors.UserMessage(mapped),
			Timestamp: time.Now(),
		})
		return mapped
	}

	if stopReason == "" {
		stopReason = StopReasonEndTurn
	}

	return handler(&StreamChunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage: &Usage{
			InputTokens:      inputTokens,
			OutputTokens:     outputTokens,
			TotalTokens:      inputTokens + outputTokens,
			CacheReadTokens:  cacheReadTokens,
			CacheWriteTokens: cacheWriteTokens,
		},
		Timestamp: time.Now(),
	})
}

// SupportsModel checks if the provider supports the given model.
func (p *AnthropicProvider) SupportsModel(model string) bool {
	_, ok := anthropicModels[model]
	return ok
}

// DefaultModel returns the provider's default model.
func (p *AnthropicProvider) DefaultModel() string {
	return p.config.Model
}

// SupportedModels lists the models this provider can serve.
func (p *AnthropicProvider) SupportedModels() []ModelInfo {
	models := make([]ModelInfo, 0, len(anthropicModels))
	for _, info := range anthropicModels {
		models = append(models, info)
	}
	return models
}

// Close cleans up any resources.
func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return errors.FromHTTPStatus(apiErr.StatusCode, "anthropic request failed", err)
	}
	return errors.Network("anthropic request failed", err)
}

// buildParams constructs Anthropic API parameters from a Request.
func (p *AnthropicProvider) buildParams(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.config.SystemPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  p.convertMessages(req.Messages),
		Tools:     p.convertTools(req.Tools),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	budget := req.ThinkingBudget
	if budget == 0 {
		budget = p.config.ThinkingBudget
	}
	if budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	} else {
		// The API rejects sampling overrides when thinking is on, so
		// temperature and top_p only apply to non-thinking requests.
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		} else if p.config.Temperature > 0 {
			params.Temperature = anthropic.Float(p.config.Temperature)
		}
		if req.TopP != nil {
			params.TopP = anthropic.Float(*req.TopP)
		}
	}

	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	return params
}

// convertMessages converts generic messages to Anthropic format.
func (p *AnthropicProvider) convertMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))

		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+2)
			if msg.Thinking != "" && msg.ThinkingSignature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(msg.ThinkingSignature, msg.Thinking))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Arguments,
					},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}

	return result
}

// convertTools converts generic tools to Anthropic format.
func (p *AnthropicProvider) convertTools(tools []Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: buildAnthropicSchema(tool.Parameters),
			},
		}
	}
	return result
}

func buildAnthropicSchema(params map[string]any) anthropic.ToolInputSchemaParam {
	return anthropic.ToolInputSchemaParam{
		Type:       "object",
		Properties: params["properties"],
		Required:   extractRequiredFields(params),
	}
}

func extractRequiredFields(params map[string]any) []string {
	req, ok := params["required"].([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(req))
	for _, r := range req {
		if s, ok := r.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

// convertResponse converts an Anthropic response to generic format.
func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) *Response {
	var content, thinking, signature string
	var toolCalls []ToolCall

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ThinkingBlock:
			thinking += b.Thinking
			signature = b.Signature
		case anthropic.ToolUseBlock:
			args, _ := b.Input.MarshalJSON()
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(args),
			})
		}
	}

	return &Response{
		Content:           content,
		Thinking:          thinking,
		ThinkingSignature: signature,
		Model:             string(msg.Model),
		StopReason:        p.convertStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:     int(msg.Usage.InputTokens),
			OutputTokens:    int(msg.Usage.OutputTokens),
			TotalTokens:     int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadTokens: int(msg.Usage.CacheReadInputTokens),
		},
		ToolCalls: toolCalls,
		ProviderMetadata: map[string]any{
			"id": msg.ID,
		},
	}
}

// convertStreamEvent converts an Anthropic stream event to a StreamChunk.
func (p *AnthropicProvider) convertStreamEvent(event anthropic.MessageStreamEventUnion, index int, toolCallIDForIndex map[int64]string, thinkingBlocks map[int64]bool) *StreamChunk {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return &StreamChunk{
				Index:     index,
				Type:      ChunkTypeText,
				Text:      delta.Text,
				Timestamp: time.Now(),
			}
		case anthropic.ThinkingDelta:
			return &StreamChunk{
				Index:     index,
				Type:      ChunkTypeThinking,
				Text:      delta.Thinking,
				Timestamp: time.Now(),
			}
		case anthropic.SignatureDelta:
			return &StreamChunk{
				Index:     index,
				Type:      ChunkTypeThinking,
				Signature: delta.Signature,
				Timestamp: time.Now(),
			}
		case anthropic.InputJSONDelta:
			toolID := toolCallIDForIndex[ev.Index]
			if toolID == "" {
				return nil
			}
			return &StreamChunk{
				Index: index,
				Type:  ChunkTypeToolDelta,
				ToolCall: &ToolCallChunk{
					ID:             toolID,
					ArgumentsDelta: delta.PartialJSON,
				},
				Timestamp: time.Now(),
			}
		}

	case anthropic.ContentBlockStartEvent:
		switch ev.ContentBlock.Type {
		case "tool_use":
			tb := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock)
			toolCallIDForIndex[ev.Index] = tb.ID
			return &StreamChunk{
				Index: index,
				Type:  ChunkTypeToolStart,
				ToolCall: &ToolCallChunk{
					ID:   tb.ID,
					Name: tb.Name,
				},
				Timestamp: time.Now(),
			}
		case "thinking":
			thinkingBlocks[ev.Index] = true
		}

	case anthropic.ContentBlockStopEvent:
		toolID := toolCallIDForIndex[ev.Index]
		if toolID == "" {
			return nil
		}
		return &StreamChunk{
			Index: index,
			Type:  ChunkTypeToolEnd,
			ToolCall: &ToolCallChunk{
				ID: toolID,
			},
			Timestamp: time.Now(),
		}
	}

	return nil
}

// convertStopReason converts Anthropic stop reason to generic format.
func (p *AnthropicProvider) convertStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopReasonEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopReasonMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopReasonStopSequence
	case anthropic.StopReasonToolUse:
		return StopReasonToolUse
	default:
		return StopReasonEndTurn
	}
}
