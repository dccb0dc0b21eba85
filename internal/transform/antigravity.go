// Package transform provides pure bidirectional translation between the
// OpenAI, Anthropic, and Gemini request/response shapes. No I/O happens here.
package transform

import (
	"encoding/json"
	"strings"

	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
	"github.com/mirrorwell/polygate/pkg/gemini"
)

// AnthropicToGemini converts an Anthropic Messages request into a Gemini
// generateContent request for the Antigravity channel. The resulting
// contents carry one part per message, with every functionCall immediately
// followed by the user message holding its functionResponse.
func AnthropicToGemini(req *anthropic.MessagesRequest) *gemini.GenerateRequest {
	out := &gemini.GenerateRequest{
		GenerationConfig: buildGenerationConfig(req),
	}

	if system := req.SystemText(); system != "" {
		out.SystemInstruction = &gemini.Content{
			Role:  "user",
			Parts: []gemini.Part{{Text: system}},
		}
	}

	var staged []stagedPart
	for _, msg := range req.Messages {
		role := convertRole(msg.Role)
		for _, block := range msg.Blocks() {
			if part, ok := convertBlock(block); ok {
				staged = append(staged, stagedPart{role: role, part: part})
			}
		}
	}

	out.Contents = reorganizeParts(staged)

	if len(req.Tools) > 0 {
		out.Tools = []gemini.Tool{{FunctionDeclarations: convertTools(req.Tools)}}
		out.ToolConfig = &gemini.ToolConfig{
			FunctionCallingConfig: &gemini.FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return out
}

// stagedPart is one content part tagged with its source role before the
// reorganization pass.
type stagedPart struct {
	role string
	part gemini.Part
}

// convertRole maps Anthropic roles onto Gemini roles.
func convertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// convertBlock maps a single Anthropic content block onto a Gemini part.
// Blocks with nothing to carry (empty text, unsigned thinking) are dropped.
func convertBlock(block anthropic.ContentBlock) (gemini.Part, bool) {
	switch block.Type {
	case "text":
		if block.Text == "" {
			return gemini.Part{}, false
		}
		return gemini.Part{Text: block.Text}, true

	case "image":
		if block.Source == nil {
			return gemini.Part{}, false
		}
		if block.Source.Type == "url" {
			mimeType := block.Source.MediaType
			if mimeType == "" {
				mimeType = "image/jpeg"
			}
			return gemini.Part{FileData: &gemini.FileData{
				MimeType: mimeType,
				FileURI:  block.Source.URL,
			}}, true
		}
		return gemini.Part{InlineData: &gemini.InlineData{
			MimeType: block.Source.MediaType,
			Data:     block.Source.Data,
		}}, true

	case "thinking", "redacted_thinking":
		// Only signed thinking survives the round trip.
		if block.Signature == "" {
			return gemini.Part{}, false
		}
		text := block.Thinking
		if block.Type == "redacted_thinking" {
			text = block.Data
		}
		return gemini.Part{
			Text:             text,
			Thought:          true,
			ThoughtSignature: block.Signature,
		}, true

	case "tool_use":
		args := map[string]interface{}{}
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				utils.Debug("[Transform] Unparsable tool input for %s: %v", block.Name, err)
				args = map[string]interface{}{}
			}
		}
		return gemini.Part{FunctionCall: &gemini.FunctionCall{
			ID:   block.ID,
			Name: block.Name,
			Args: args,
		}}, true

	case "tool_result":
		return gemini.Part{FunctionResponse: &gemini.FunctionResponse{
			ID:       block.ToolUseID,
			Name:     block.ToolUseID,
			Response: map[string]interface{}{"output": toolResultOutput(block.Content)},
		}}, true
	}

	return gemini.Part{}, false
}

// toolResultOutput flattens tool_result content to a plain string.
func toolResultOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks := anthropic.DecodeContent(raw)
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// reorganizeParts flattens staged parts to one part per message and pairs
// every functionCall with its functionResponse: each model functionCall is
// immediately followed by the user message carrying the response with the
// matching id. Responses already emitted next to their call are skipped at
// their original position.
func reorganizeParts(staged []stagedPart) []gemini.Content {
	// Index responses by tool-use id.
	responses := make(map[string]int)
	for i, sp := range staged {
		if fr := sp.part.FunctionResponse; fr != nil && fr.ID != "" {
			if _, seen := responses[fr.ID]; !seen {
				responses[fr.ID] = i
			}
		}
	}

	emitted := make([]bool, len(staged))
	contents := make([]gemini.Content, 0, len(staged))

	emit := func(role string, part gemini.Part) {
		contents = append(contents, gemini.Content{Role: role, Parts: []gemini.Part{part}})
	}

	for i, sp := range staged {
		if emitted[i] {
			continue
		}
		emitted[i] = true

		if fc := sp.part.FunctionCall; fc != nil {
			emit("model", sp.part)
			if fc.ID != "" {
				if j, ok := responses[fc.ID]; ok && !emitted[j] {
					emitted[j] = true
					// Carry the call's name onto the paired response.
					resp := staged[j].part
					if resp.FunctionResponse.Name == "" || resp.FunctionResponse.Name == resp.FunctionResponse.ID {
						resp.FunctionResponse.Name = fc.Name
					}
					emit("user", resp)
				}
			}
			continue
		}

		emit(sp.role, sp.part)
	}

	return contents
}

// buildGenerationConfig assembles the generation parameters the Antigravity
// upstream expects.
func buildGenerationConfig(req *anthropic.MessagesRequest) *gemini.GenerationConfig {
	temperature := config.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := 1.0
	topK := 40

	cfg := &gemini.GenerationConfig{
		Temperature:    &temperature,
		TopP:           &topP,
		TopK:           &topK,
		CandidateCount: 1,
		StopSequences:  append([]string{}, config.AntigravityStopSequences...),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}

	if req.ThinkingEnabled() {
		budget := req.Thinking.BudgetTokens
		// The upstream rejects budgets at or above the output cap.
		if req.MaxTokens > 0 && budget >= req.MaxTokens {
			budget = req.MaxTokens - 1
		}
		cfg.ThinkingConfig = &gemini.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  budget,
		}
	}

	return cfg
}

// convertTools converts Anthropic tool definitions to function declarations.
func convertTools(tools []anthropic.Tool) []gemini.FunctionDeclaration {
	decls := make([]gemini.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var params map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
				utils.Warn("[Transform] Unparsable input schema for tool %s", tool.Name)
				params = map[string]interface{}{"type": "object"}
			}
		} else {
			params = map[string]interface{}{"type": "object"}
		}
		decls = append(decls, gemini.FunctionDeclaration{
			Name:        cleanToolName(tool.Name),
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return decls
}

// cleanToolName restricts a tool name to the characters the upstream accepts.
func cleanToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	cleaned := result.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
