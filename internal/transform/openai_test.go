package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/gemini"
	"github.com/mirrorwell/polygate/pkg/openai"
)

func chatText(role, text string) openai.ChatMessage {
	content, _ := json.Marshal(text)
	return openai.ChatMessage{Role: role, Content: content}
}

func TestOpenAIToAnthropicSystemConcat(t *testing.T) {
	req := &openai.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []openai.ChatMessage{
			chatText("system", "rule one"),
			chatText("system", "rule two"),
			chatText("user", "hello"),
		},
	}

	out := OpenAIToAnthropic(req)
	assert.Equal(t, "rule one\nrule two", out.SystemText())
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, 4096, out.MaxTokens)
}

func TestOpenAIToAnthropicToolFlow(t *testing.T) {
	req := &openai.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []openai.ChatMessage{
			chatText("user", "look it up"),
			{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: openai.FunctionCall{
						Name:      "lookup",
						Arguments: `{"k":"v"}`,
					},
				}},
			},
			{
				Role:       "tool",
				ToolCallID: "call_1",
				Content:    json.RawMessage(`"found it"`),
			},
		},
		Tools: []openai.Tool{{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:       "lookup",
				Parameters: json.RawMessage(`{"type":"object"}`),
			},
		}},
	}

	out := OpenAIToAnthropic(req)
	require.Len(t, out.Messages, 3)

	assistantBlocks := out.Messages[1].Blocks()
	require.Len(t, assistantBlocks, 1)
	assert.Equal(t, "tool_use", assistantBlocks[0].Type)
	assert.Equal(t, "call_1", assistantBlocks[0].ID)
	assert.Equal(t, "lookup", assistantBlocks[0].Name)

	toolBlocks := out.Messages[2].Blocks()
	require.Len(t, toolBlocks, 1)
	assert.Equal(t, "tool_result", toolBlocks[0].Type)
	assert.Equal(t, "call_1", toolBlocks[0].ToolUseID)
	assert.Equal(t, "user", out.Messages[2].Role)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "lookup", out.Tools[0].Name)
}

func TestOpenAIToAnthropicImageParts(t *testing.T) {
	content, _ := json.Marshal([]openai.ContentPart{
		{Type: "text", Text: "what is this"},
		{Type: "image_url", ImageURL: &openai.ImageURL{URL: "data:image/png;base64,QUJD"}},
	})
	req := &openai.ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []openai.ChatMessage{{Role: "user", Content: content}},
	}

	out := OpenAIToAnthropic(req)
	blocks := out.Messages[0].Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	require.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "QUJD", blocks[1].Source.Data)
}

func TestAnthropicResponseToOpenAI(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:   "msg_x",
		Type: "message",
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "partial "},
			{Type: "text", Text: "answer"},
			{Type: "tool_use", ID: "t9", Name: "calc", Input: json.RawMessage(`{"a":1}`)},
		},
		StopReason: "tool_use",
		Usage:      &anthropic.Usage{InputTokens: 7, OutputTokens: 3},
	}

	out := AnthropicResponseToOpenAI(resp, "claude-sonnet-4-5")
	require.Len(t, out.Choices, 1)
	choice := out.Choices[0]
	require.NotNil(t, choice.FinishReason)
	assert.Equal(t, "tool_calls", *choice.FinishReason)
	assert.Equal(t, "partial answer", choice.Message.Text())
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "calc", choice.Message.ToolCalls[0].Function.Name)

	require.NotNil(t, out.Usage)
	assert.Equal(t, 7, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assert.Equal(t, 10, out.Usage.TotalTokens)
}

func TestGeminiToAnthropicResponse(t *testing.T) {
	resp := &gemini.GenerateResponse{
		Response: &gemini.GenerateResponseInner{
			Candidates: []gemini.Candidate{{
				Content: &gemini.Content{
					Role: "model",
					Parts: []gemini.Part{
						{Text: "thinking hard", Thought: true, ThoughtSignature: "sig"},
						{Text: "pong"},
					},
				},
				FinishReason: "STOP",
			}},
			UsageMetadata: &gemini.UsageMetadata{
				PromptTokenCount:     10,
				CandidatesTokenCount: 2,
			},
		},
	}

	out := GeminiToAnthropic(resp, "claude-sonnet-4-5", true)
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	assert.Equal(t, "end_turn", out.StopReason)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "sig", out.Content[0].Signature)
	assert.Equal(t, "text", out.Content[1].Type)
	assert.Equal(t, "pong", out.Content[1].Text)
	require.NotNil(t, out.Usage)
	assert.GreaterOrEqual(t, out.Usage.InputTokens, 1)
	assert.GreaterOrEqual(t, out.Usage.OutputTokens, 1)

	// Thoughts suppressed when disabled.
	out = GeminiToAnthropic(resp, "claude-sonnet-4-5", false)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
}

func TestGeminiToAnthropicToolUse(t *testing.T) {
	resp := &gemini.GenerateResponse{
		Candidates: []gemini.Candidate{{
			Content: &gemini.Content{Parts: []gemini.Part{{
				FunctionCall: &gemini.FunctionCall{ID: "t1", Name: "calc", Args: map[string]interface{}{"a": 1.0}},
			}}},
			FinishReason: "STOP",
		}},
	}

	out := GeminiToAnthropic(resp, "m", true)
	assert.Equal(t, "tool_use", out.StopReason)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "tool_use", out.Content[0].Type)
	assert.Equal(t, "t1", out.Content[0].ID)
	assert.Equal(t, "calc", out.Content[0].Name)
	assert.JSONEq(t, `{"a":1}`, string(out.Content[0].Input))
}
