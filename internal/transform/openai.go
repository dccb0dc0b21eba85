package transform

import (
	"encoding/json"
	"time"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/openai"
)

// OpenAIToAnthropic converts an OpenAI chat request into the Anthropic shape
// the dispatch engine works in. System messages concatenate; assistant
// tool_calls expand into tool_use blocks; tool messages become user messages
// carrying a tool_result referencing the original call id.
func OpenAIToAnthropic(req *openai.ChatRequest) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	if req.User != "" {
		out.Metadata = &anthropic.Metadata{UserID: req.User}
	}

	var systemTexts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := msg.Text(); text != "" {
				systemTexts = append(systemTexts, text)
			}

		case "assistant":
			blocks := make([]anthropic.ContentBlock, 0, 1+len(msg.ToolCalls))
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, encodeMessage("assistant", blocks))

		case "tool":
			resultText, _ := json.Marshal(msg.Text())
			out.Messages = append(out.Messages, encodeMessage("user", []anthropic.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   resultText,
			}}))

		case "user":
			blocks := userContentBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, encodeMessage("user", blocks))
		}
	}

	if len(systemTexts) > 0 {
		system := systemTexts[0]
		for _, t := range systemTexts[1:] {
			system += "\n" + t
		}
		data, _ := json.Marshal(system)
		out.System = data
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	return out
}

// userContentBlocks converts OpenAI user content (string or parts) into
// Anthropic blocks, carrying data-URL images as base64 image blocks.
func userContentBlocks(msg openai.ChatMessage) []anthropic.ContentBlock {
	if len(msg.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		if s == "" {
			return nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: s}}
	}

	var parts []openai.ContentPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return nil
	}
	blocks := make([]anthropic.ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
			}
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			if src, ok := decodeDataURL(part.ImageURL.URL); ok {
				blocks = append(blocks, anthropic.ContentBlock{Type: "image", Source: src})
			} else {
				blocks = append(blocks, anthropic.ContentBlock{
					Type:   "image",
					Source: &anthropic.ImageSource{Type: "url", URL: part.ImageURL.URL},
				})
			}
		}
	}
	return blocks
}

// decodeDataURL splits a data: URL into media type and base64 payload.
func decodeDataURL(url string) (*anthropic.ImageSource, bool) {
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return nil, false
	}
	rest := url[len(prefix):]
	sep := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == ',' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, false
	}
	meta := rest[:sep]
	data := rest[sep+1:]
	mediaType := meta
	if idx := len(meta) - len(";base64"); idx >= 0 && meta[idx:] == ";base64" {
		mediaType = meta[:idx]
	}
	return &anthropic.ImageSource{
		Type:      "base64",
		MediaType: mediaType,
		Data:      data,
	}, true
}

// encodeMessage packs blocks into an Anthropic message.
func encodeMessage(role string, blocks []anthropic.ContentBlock) anthropic.Message {
	data, err := json.Marshal(blocks)
	if err != nil {
		utils.Warn("[Transform] Failed to encode message content: %v", err)
		data = json.RawMessage("[]")
	}
	return anthropic.Message{Role: role, Content: data}
}

// AnthropicResponseToOpenAI converts a buffered Anthropic response into the
// OpenAI chat-completions shape.
func AnthropicResponseToOpenAI(resp *anthropic.MessagesResponse, model string) *openai.ChatResponse {
	text := ""
	var toolCalls []openai.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "tool_use":
		finishReason = "tool_calls"
	case "max_tokens":
		finishReason = "length"
	}

	msg := &openai.ChatMessage{Role: "assistant"}
	if text != "" {
		data, _ := json.Marshal(text)
		msg.Content = data
	}
	msg.ToolCalls = toolCalls

	out := &openai.ChatResponse{
		ID:      "chatcmpl-" + utils.RandomHex(12),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finishReason,
		}},
	}
	if resp.Usage != nil {
		out.Usage = &openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}
