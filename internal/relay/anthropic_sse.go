package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/mirrorwell/polygate/internal/utils"
)

// AnthropicStreamEvent is a loosely-typed upstream Anthropic SSE event,
// decoded just far enough to re-emit in another dialect.
type AnthropicStreamEvent struct {
	Type string `json:"type"`

	Index int `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Message *struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ParseAnthropicSSE reads an upstream Anthropic SSE body and hands each
// decoded event to handle.
func ParseAnthropicSSE(ctx context.Context, body io.Reader, handle func(*AnthropicStreamEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event AnthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			utils.Debug("[Relay] Skipping unparsable Anthropic SSE event: %v", err)
			continue
		}
		handle(&event)
	}
	return scanner.Err()
}

// EmitAnthropicEventOpenAI re-emits one upstream Anthropic event through the
// OpenAI chunk emitter.
func EmitAnthropicEventOpenAI(e *OpenAIEmitter, event *AnthropicStreamEvent) {
	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			e.SetUsage(event.Message.Usage.InputTokens, 0)
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			e.OpenTool(event.ContentBlock.ID, event.ContentBlock.Name)
		}

	case "content_block_delta":
		if event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			e.Text(event.Delta.Text)
		case "input_json_delta":
			e.ToolInput(event.Delta.PartialJSON)
		}

	case "content_block_stop":
		e.CloseTool()

	case "message_delta":
		if event.Usage != nil {
			e.SetUsage(0, event.Usage.OutputTokens)
		}
	}
}
