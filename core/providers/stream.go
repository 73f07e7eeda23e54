package providers

import (
	"context"
	"strings"
	"time"
)

// ChunkType identifies the kind of streaming event.
type ChunkType string

const (
	ChunkTypeStart     ChunkType = "start"
	ChunkTypeThinking  ChunkType = "thinking"
	ChunkTypeText      ChunkType = "text"
	ChunkTypeToolStart ChunkType = "tool_start"
	ChunkTypeToolDelta ChunkType = "tool_delta"
	ChunkTypeToolEnd   ChunkType = "tool_end"
	ChunkTypeEnd       ChunkType = "end"
	ChunkTypeError     ChunkType = "error"
)

// ToolCallChunk carries the incremental pieces of a streamed tool call.
// Name is set on tool_start, ArgumentsDelta on tool_delta.
type ToolCallChunk struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// StreamChunk is one event in a streaming completion. Text holds content
// deltas for ChunkTypeText and reasoning deltas for ChunkTypeThinking;
// Signature carries the reasoning integrity token when the provider emits
// one at the end of a thinking span.
type StreamChunk struct {
	Index      int            `json:"index"`
	Type       ChunkType      `json:"type"`
	Text       string         `json:"text,omitempty"`
	Signature  string         `json:"signature,omitempty"`
	ToolCall   *ToolCallChunk `json:"tool_call,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StreamHandler receives chunks in order. Returning an error aborts the
// stream; the provider propagates the error to the Stream caller.
type StreamHandler func(chunk *StreamChunk) error

// StreamAccumulator folds a chunk sequence back into a Response. Thinking
// and content text accumulate separately; tool calls are assembled from
// their start/delta/end pieces in arrival order.
type StreamAccumulator struct {
	content   strings.Builder
	thinking  strings.Builder
	signature string

	toolOrder []string
	toolName  map[string]string
	toolArgs  map[string]*strings.Builder

	usage      *Usage
	stopReason StopReason
	model      string
	err        string
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		toolName: make(map[string]string),
		toolArgs: make(map[string]*strings.Builder),
	}
}

// Add folds one chunk into the accumulated state.
func (a *StreamAccumulator) Add(chunk *StreamChunk) {
	switch chunk.Type {
	case ChunkTypeText:
		a.content.WriteString(chunk.Text)
	case ChunkTypeThinking:
		a.thinking.WriteString(chunk.Text)
		if chunk.Signature != "" {
			a.signature = chunk.Signature
		}
	case ChunkTypeToolStart:
		if chunk.ToolCall == nil {
			return
		}
		id := chunk.ToolCall.ID
		if _, seen := a.toolArgs[id]; !seen {
			a.toolOrder = append(a.toolOrder, id)
			a.toolArgs[id] = &strings.Builder{}
		}
		if chunk.ToolCall.Name != "" {
			a.toolName[id] = chunk.ToolCall.Name
		}
	case ChunkTypeToolDelta:
		if chunk.ToolCall == nil {
			return
		}
		if b, ok := a.toolArgs[chunk.ToolCall.ID]; ok {
			b.WriteString(chunk.ToolCall.ArgumentsDelta)
		}
	case ChunkTypeEnd:
		if chunk.Usage != nil {
			a.usage = chunk.Usage
		}
		if chunk.StopReason != "" {
			a.stopReason = chunk.StopReason
		}
	case ChunkTypeError:
		a.err = chunk.Text
		a.stopReason = StopReasonError
	}
}

// Content returns the accumulated content text so far.
func (a *StreamAccumulator) Content() string { return a.content.String() }

// Thinking returns the accumulated reasoning text so far.
func (a *StreamAccumulator) Thinking() string { return a.thinking.String() }

// ToolCalls returns the assembled tool calls in arrival order.
func (a *StreamAccumulator) ToolCalls() []ToolCall {
	calls := make([]ToolCall, 0, len(a.toolOrder))
	for _, id := range a.toolOrder {
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      a.toolName[id],
			Arguments: a.toolArgs[id].String(),
		})
	}
	return calls
}

// Response materializes the accumulated state.
func (a *StreamAccumulator) Response() *Response {
	resp := &Response{
		Content:           a.content.String(),
		Thinking:          a.thinking.String(),
		ThinkingSignature: a.signature,
		Model:             a.model,
		StopReason:        a.stopReason,
		ToolCalls:         a.ToolCalls(),
	}
	if resp.StopReason == "" {
		resp.StopReason = StopReasonEndTurn
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	return resp
}

// Collect runs a streaming request to completion and returns the folded
// response. Used where the caller wants a one-shot result but the adapter
// only exposes streaming, and by Complete implementations built on Stream.
func Collect(ctx context.Context, p Provider, req *Request) (*Response, error) {
	acc := NewStreamAccumulator()
	if err := p.Stream(ctx, req, func(chunk *StreamChunk) error {
		acc.Add(chunk)
		return nil
	}); err != nil {
		return nil, err
	}
	resp := acc.Response()
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// StreamToChannel adapts a handler-based stream to a channel consumer.
// The channel is closed when the stream ends; a stream error is delivered
// as a final error chunk before close.
func StreamToChannel(ctx context.Context, p Provider, req *Request, buffer int) <-chan *StreamChunk {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *StreamChunk, buffer)
	go func() {
		defer close(out)
		err := p.Stream(ctx, req, func(chunk *StreamChunk) error {
			select {
			case out <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			out <- &StreamChunk{Type: ChunkTypeError, Text: err.Error(), Timestamp: time.Now()}
		}
	}()
	return out
}
