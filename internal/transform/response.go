package transform

import (
	"encoding/json"

	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/gemini"
)

// GeminiToAnthropic converts a buffered Gemini generateContent response into
// an Anthropic Messages response. includeThoughts controls whether thinking
// parts surface as thinking blocks.
func GeminiToAnthropic(resp *gemini.GenerateResponse, model string, includeThoughts bool) *anthropic.MessagesResponse {
	candidates, usage := resp.Unwrap()

	var parts []gemini.Part
	finishReason := ""
	if len(candidates) > 0 {
		finishReason = candidates[0].FinishReason
		if candidates[0].Content != nil {
			parts = candidates[0].Content.Parts
		}
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolUse := false

	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}
			input := json.RawMessage("{}")
			if part.FunctionCall.Args != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					input = data
				}
			}
			content = append(content, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: input,
			})
			hasToolUse = true

		case part.Thought:
			if !includeThoughts {
				continue
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	stopReason := "end_turn"
	if hasToolUse {
		stopReason = "tool_use"
	} else if finishReason == "MAX_TOKENS" {
		stopReason = "max_tokens"
	}

	var promptTokens, cachedTokens, outputTokens int
	if usage != nil {
		promptTokens = usage.PromptTokenCount
		cachedTokens = usage.CachedContentTokenCount
		outputTokens = usage.CandidatesTokenCount
	}
	if promptTokens < 1 {
		promptTokens = 1
	}
	if outputTokens < 1 {
		outputTokens = 1
	}

	return &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage: &anthropic.Usage{
			InputTokens:          promptTokens - cachedTokens,
			OutputTokens:         outputTokens,
			CacheReadInputTokens: cachedTokens,
		},
	}
}
