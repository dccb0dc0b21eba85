package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/gemini"
)

// ParseGeminiSSE reads "data:" lines from a Gemini streamGenerateContent
// SSE body and hands each decoded chunk to handle. Unparsable lines are
// skipped. Returns on stream end or context cancellation.
func ParseGeminiSSE(ctx context.Context, body io.Reader, handle func(*gemini.GenerateResponse)) error {
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
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk gemini.GenerateResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			utils.Debug("[Relay] Skipping unparsable Gemini SSE chunk: %v", err)
			continue
		}
		handle(&chunk)
	}
	return scanner.Err()
}

// EmitGeminiChunk routes the parts of one Gemini chunk into the Anthropic
// emitter. includeThoughts drops thought parts when false.
func EmitGeminiChunk(e *AnthropicEmitter, chunk *gemini.GenerateResponse, includeThoughts bool) {
	candidates, usageMeta := chunk.Unwrap()
	if usageMeta != nil {
		e.SetUsage(usageMeta.PromptTokenCount-usageMeta.CachedContentTokenCount,
			usageMeta.CandidatesTokenCount, usageMeta.CachedContentTokenCount)
	}
	if len(candidates) == 0 {
		return
	}
	candidate := candidates[0]
	e.SetFinishReason(candidate.FinishReason)
	if candidate.Content == nil {
		return
	}

	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			e.OpenTool(part.FunctionCall.ID, part.FunctionCall.Name)
			if part.FunctionCall.Args != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					e.ToolInput(string(data))
				}
			}
			e.CloseTool()
		case part.Thought:
			if includeThoughts {
				e.Thinking(part.Text, part.ThoughtSignature)
			}
		case part.Text != "":
			e.Text(part.Text)
		}
	}
}

// EmitGeminiChunkOpenAI routes the parts of one Gemini chunk into the
// OpenAI emitter. Thought parts never surface in the OpenAI dialect.
func EmitGeminiChunkOpenAI(e *OpenAIEmitter, chunk *gemini.GenerateResponse) {
	candidates, usageMeta := chunk.Unwrap()
	if usageMeta != nil {
		e.SetUsage(usageMeta.PromptTokenCount-usageMeta.CachedContentTokenCount, usageMeta.CandidatesTokenCount)
	}
	if len(candidates) == 0 || candidates[0].Content == nil {
		return
	}
	for _, part := range candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			e.OpenTool(part.FunctionCall.ID, part.FunctionCall.Name)
			if part.FunctionCall.Args != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					e.ToolInput(string(data))
				}
			}
			e.CloseTool()
		case part.Thought:
			// dropped
		case part.Text != "":
			e.Text(part.Text)
		}
	}
}
