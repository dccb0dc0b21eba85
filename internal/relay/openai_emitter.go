package relay

import (
	"time"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/openai"
)

// ChunkSink receives OpenAI streaming chunks as bare data events.
type ChunkSink interface {
	WriteData(data interface{}) error
	WriteDone() error
}

// OpenAIEmitter renders upstream deltas as OpenAI chat-completion chunks.
// Tool calls accumulate and flush as a single final delta.
type OpenAIEmitter struct {
	sink  ChunkSink
	id    string
	model string

	roleSent  bool
	toolCalls []openai.ToolCall

	// open tool accumulation
	toolOpen bool
	toolID   string
	toolName string
	toolArgs string

	promptTokens     int
	completionTokens int

	err error
}

// NewOpenAIEmitter creates an emitter for one streamed completion.
func NewOpenAIEmitter(sink ChunkSink, model string) *OpenAIEmitter {
	return &OpenAIEmitter{
		sink:  sink,
		id:    "chatcmpl-" + utils.RandomHex(12),
		model: model,
	}
}

// Err returns the first downstream write error.
func (e *OpenAIEmitter) Err() error { return e.err }

func (e *OpenAIEmitter) write(chunk *openai.ChatResponse) {
	if e.err != nil {
		return
	}
	e.err = e.sink.WriteData(chunk)
}

func (e *OpenAIEmitter) chunk(delta *openai.ChatDelta, finishReason *string) *openai.ChatResponse {
	return &openai.ChatResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   e.model,
		Choices: []openai.ChatChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// ensureRole emits the initial role chunk once.
func (e *OpenAIEmitter) ensureRole() {
	if e.roleSent {
		return
	}
	e.roleSent = true
	e.write(e.chunk(&openai.ChatDelta{Role: "assistant"}, nil))
}

// Text emits a content delta.
func (e *OpenAIEmitter) Text(delta string) {
	if delta == "" {
		return
	}
	e.ensureRole()
	e.write(e.chunk(&openai.ChatDelta{Content: delta}, nil))
}

// OpenTool begins accumulating a tool call.
func (e *OpenAIEmitter) OpenTool(id, name string) {
	e.flushOpenTool()
	e.toolOpen = true
	e.toolID = id
	e.toolName = name
	e.toolArgs = ""
}

// ToolInput appends serialized arguments to the open tool call.
func (e *OpenAIEmitter) ToolInput(partialJSON string) {
	if e.toolOpen {
		e.toolArgs += partialJSON
	}
}

// CloseTool finishes the open tool call.
func (e *OpenAIEmitter) CloseTool() {
	e.flushOpenTool()
}

func (e *OpenAIEmitter) flushOpenTool() {
	if !e.toolOpen {
		return
	}
	e.toolOpen = false
	args := e.toolArgs
	if args == "" {
		args = "{}"
	}
	id := e.toolID
	if id == "" {
		id = "call_" + utils.RandomHex(12)
	}
	e.toolCalls = append(e.toolCalls, openai.ToolCall{
		ID:   id,
		Type: "function",
		Function: openai.FunctionCall{
			Name:      e.toolName,
			Arguments: args,
		},
	})
}

// SetUsage records token usage surfaced by the upstream.
func (e *OpenAIEmitter) SetUsage(promptTokens, completionTokens int) {
	if promptTokens > 0 {
		e.promptTokens = promptTokens
	}
	if completionTokens > 0 {
		e.completionTokens = completionTokens
	}
}

// PromptTokens returns the recorded prompt token count.
func (e *OpenAIEmitter) PromptTokens() int { return e.promptTokens }

// CompletionTokens returns the recorded completion token count.
func (e *OpenAIEmitter) CompletionTokens() int { return e.completionTokens }

// Finish flushes pending tool calls, emits the terminal chunk with usage,
// and closes the stream with [DONE].
func (e *OpenAIEmitter) Finish() {
	e.ensureRole()
	e.flushOpenTool()

	if len(e.toolCalls) > 0 {
		reason := "tool_calls"
		e.write(e.chunk(&openai.ChatDelta{ToolCalls: e.toolCalls}, &reason))
	} else {
		reason := "stop"
		terminal := e.chunk(nil, &reason)
		terminal.Usage = &openai.Usage{
			PromptTokens:     e.promptTokens,
			CompletionTokens: e.completionTokens,
			TotalTokens:      e.promptTokens + e.completionTokens,
		}
		e.write(terminal)
	}

	if e.err == nil {
		e.err = e.sink.WriteDone()
	}
}
