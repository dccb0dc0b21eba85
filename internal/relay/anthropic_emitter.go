// Package relay parses upstream event streams (SSE lines, JSON-array chunks,
// AWS event-stream frames) and emits the caller's dialect.
package relay

import (
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// EventSink receives Anthropic SSE events. The server's SSE writer satisfies
// this; tests use an in-memory recorder.
type EventSink interface {
	WriteEvent(eventType string, data interface{}) error
}

// blockKind is the kind of the currently open content block.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// AnthropicEmitter renders upstream deltas as an Anthropic SSE stream. It is
// an explicit state machine: at most one content block is open, and every
// content_block_start is paired with exactly one content_block_stop before
// the next start or message_stop.
type AnthropicEmitter struct {
	sink  EventSink
	model string

	messageSent bool
	blockIndex  int
	current     blockKind
	toolUseSeen bool

	inputTokens  int
	outputTokens int
	cacheRead    int
	finishReason string

	err error
}

// NewAnthropicEmitter creates an emitter. inputTokens seeds the usage on
// message_start.
func NewAnthropicEmitter(sink EventSink, model string, inputTokens int) *AnthropicEmitter {
	return &AnthropicEmitter{
		sink:        sink,
		model:       model,
		inputTokens: inputTokens,
	}
}

// Err returns the first downstream write error. After a write error the
// emitter stops writing; the caller abandons the upstream stream.
func (e *AnthropicEmitter) Err() error { return e.err }

func (e *AnthropicEmitter) write(eventType string, data interface{}) {
	if e.err != nil {
		return
	}
	e.err = e.sink.WriteEvent(eventType, data)
}

// ensureMessageStart opens the stream with message_start once.
func (e *AnthropicEmitter) ensureMessageStart() {
	if e.messageSent {
		return
	}
	e.messageSent = true
	e.write("message_start", anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   e.model,
			Usage:   &anthropic.Usage{InputTokens: e.inputTokens},
		},
	})
}

// openBlock closes any open block and starts a new one of the given kind.
func (e *AnthropicEmitter) openBlock(kind blockKind, block anthropic.ContentBlock) {
	e.ensureMessageStart()
	if e.current != blockNone {
		e.CloseBlock()
	}
	e.current = kind
	e.write("content_block_start", anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        e.blockIndex,
		ContentBlock: &block,
	})
}

// CloseBlock emits content_block_stop for the open block, if any.
func (e *AnthropicEmitter) CloseBlock() {
	if e.current == blockNone {
		return
	}
	e.write("content_block_stop", anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: e.blockIndex,
	})
	e.blockIndex++
	e.current = blockNone
}

// Text emits a text delta, opening a text block when none is open.
func (e *AnthropicEmitter) Text(delta string) {
	if delta == "" {
		return
	}
	if e.current != blockText {
		e.openBlock(blockText, anthropic.ContentBlock{Type: "text", Text: ""})
	}
	e.write("content_block_delta", anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: delta},
	})
}

// Thinking emits a thinking delta, opening a thinking block when needed.
// signature carries the block-level signature when the upstream sends it
// with the opening part.
func (e *AnthropicEmitter) Thinking(delta, signature string) {
	if e.current != blockThinking {
		block := anthropic.ContentBlock{Type: "thinking", Thinking: ""}
		if signature != "" {
			block.Signature = signature
		}
		e.openBlock(blockThinking, block)
	}
	if delta == "" {
		return
	}
	e.write("content_block_delta", anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: delta},
	})
}

// ThinkingSignature emits a standalone signature delta for the open thinking
// block. Arrivals outside a thinking block are dropped.
func (e *AnthropicEmitter) ThinkingSignature(signature string) {
	if signature == "" || e.current != blockThinking {
		return
	}
	e.write("content_block_delta", anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: signature},
	})
}

// OpenTool starts a tool_use block.
func (e *AnthropicEmitter) OpenTool(id, name string) {
	if id == "" {
		id = anthropic.GenerateToolUseID()
	}
	e.toolUseSeen = true
	e.openBlock(blockToolUse, anthropic.ContentBlock{
		Type: "tool_use",
		ID:   id,
		Name: name,
	})
}

// ToolInput emits an input_json_delta for the open tool block.
func (e *AnthropicEmitter) ToolInput(partialJSON string) {
	if partialJSON == "" || e.current != blockToolUse {
		return
	}
	e.write("content_block_delta", anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: partialJSON},
	})
}

// CloseTool closes the open tool block, if any.
func (e *AnthropicEmitter) CloseTool() {
	if e.current == blockToolUse {
		e.CloseBlock()
	}
}

// SetFinishReason records the upstream finish reason for stop_reason mapping.
func (e *AnthropicEmitter) SetFinishReason(reason string) {
	if reason != "" {
		e.finishReason = reason
	}
}

// SetUsage records token usage surfaced by the upstream.
func (e *AnthropicEmitter) SetUsage(inputTokens, outputTokens, cacheRead int) {
	if inputTokens > 0 {
		e.inputTokens = inputTokens
	}
	if outputTokens > 0 {
		e.outputTokens = outputTokens
	}
	if cacheRead > 0 {
		e.cacheRead = cacheRead
	}
}

// OutputTokens returns the recorded output token count.
func (e *AnthropicEmitter) OutputTokens() int { return e.outputTokens }

// InputTokens returns the recorded input token count.
func (e *AnthropicEmitter) InputTokens() int { return e.inputTokens }

// CacheReadTokens returns the recorded cache-read token count.
func (e *AnthropicEmitter) CacheReadTokens() int { return e.cacheRead }

// StopReason returns the stop reason the stream will close with.
func (e *AnthropicEmitter) StopReason() string {
	if e.toolUseSeen {
		return "tool_use"
	}
	if e.finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// Finish closes any open block and terminates the stream with message_delta
// and message_stop.
func (e *AnthropicEmitter) Finish() {
	e.ensureMessageStart()
	e.CloseBlock()

	e.write("message_delta", anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageDelta,
		Delta: &anthropic.MessageDelta{
			StopReason:   e.StopReason(),
			StopSequence: nil,
		},
		Usage: &anthropic.Usage{
			InputTokens:          e.inputTokens,
			OutputTokens:         e.outputTokens,
			CacheReadInputTokens: e.cacheRead,
		},
	})
	e.write("message_stop", anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}

// Abort closes any open block without terminating the message. Used on
// client disconnect so the block pairing invariant holds on the bytes
// already written.
func (e *AnthropicEmitter) Abort() {
	if e.messageSent {
		e.CloseBlock()
	}
}
