package transform

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// Kiro/CodeWhisperer wire types.

// KiroRequest is the body sent to generateAssistantResponse.
type KiroRequest struct {
	ProfileArn        string                `json:"profileArn,omitempty"`
	ConversationState KiroConversationState `json:"conversationState"`
}

// KiroConversationState carries the conversation history and current turn.
type KiroConversationState struct {
	ChatTriggerType string             `json:"chatTriggerType"`
	ConversationID  string             `json:"conversationId"`
	CurrentMessage  KiroHistoryEntry   `json:"currentMessage"`
	History         []KiroHistoryEntry `json:"history,omitempty"`
}

// KiroHistoryEntry is either a user input or an assistant response.
type KiroHistoryEntry struct {
	UserInputMessage         *KiroUserInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *KiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

// KiroUserInputMessage is one user turn.
type KiroUserInputMessage struct {
	Content                 string                       `json:"content"`
	ModelID                 string                       `json:"modelId,omitempty"`
	Origin                  string                       `json:"origin,omitempty"`
	CachePoint              *KiroCachePoint              `json:"cachePoint,omitempty"`
	UserInputMessageContext *KiroUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// KiroCachePoint marks a prompt-caching breakpoint.
type KiroCachePoint struct {
	Type string `json:"type"`
}

// KiroUserInputMessageContext carries tools and tool results for a turn.
type KiroUserInputMessageContext struct {
	Tools       []KiroTool       `json:"tools,omitempty"`
	ToolResults []KiroToolResult `json:"toolResults,omitempty"`
}

// KiroTool wraps a tool specification.
type KiroTool struct {
	ToolSpecification KiroToolSpec `json:"toolSpecification"`
}

// KiroToolSpec describes one callable tool.
type KiroToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema KiroInputSchema `json:"inputSchema"`
}

// KiroInputSchema wraps the JSON schema of tool parameters.
type KiroInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// KiroToolResult carries one tool execution result.
type KiroToolResult struct {
	ToolUseID string                  `json:"toolUseId"`
	Status    string                  `json:"status"`
	Content   []KiroToolResultContent `json:"content"`
}

// KiroToolResultContent is one part of a tool result.
type KiroToolResultContent struct {
	Text string `json:"text,omitempty"`
}

// KiroAssistantMessage is one assistant turn.
type KiroAssistantMessage struct {
	Content  string        `json:"content"`
	ToolUses []KiroToolUse `json:"toolUses,omitempty"`
}

// KiroToolUse is one assistant tool invocation.
type KiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// mergedTurn is the intermediate per-role turn before wire encoding.
type mergedTurn struct {
	role        string
	text        string
	toolUses    []KiroToolUse
	toolResults []KiroToolResult
	cachePoint  bool
}

// thinkTagHint asks the model to wrap reasoning in think tags so the relay
// can lift it back into thinking blocks.
const thinkTagHint = "When you need to reason before answering, put that reasoning inside <think></think> tags and keep the final answer outside them."

// AnthropicToKiro builds the CodeWhisperer conversation state from an
// Anthropic-shape request (the OpenAI dialect converts to this shape first).
// The second return reports whether the first user message anchored a
// cache point, which drives the usage estimator's cache accounting.
func AnthropicToKiro(req *anthropic.MessagesRequest, profileArn string) (*KiroRequest, bool) {
	system := req.SystemText()
	if req.ThinkingEnabled() {
		if system != "" {
			system += "\n\n"
		}
		system += thinkTagHint
	}

	turns := collectTurns(req.Messages)
	turns = mergeAdjacent(turns)

	// A lone "{" trailing assistant message is a truncation artifact.
	if n := len(turns); n > 0 && turns[n-1].role == "assistant" &&
		strings.TrimSpace(turns[n-1].text) == "{" && len(turns[n-1].toolUses) == 0 {
		turns = turns[:n-1]
	}

	// Pop the current user turn; synthesize one when the conversation ends
	// on an assistant message.
	var current mergedTurn
	if n := len(turns); n > 0 && turns[n-1].role == "user" {
		current = turns[n-1]
		turns = turns[:n-1]
	} else {
		current = mergedTurn{role: "user", text: "Continue"}
	}

	// History must alternate and end on an assistant turn.
	if n := len(turns); n > 0 && turns[n-1].role == "user" {
		turns = append(turns, mergedTurn{role: "assistant", text: "Continue"})
	}

	history := make([]KiroHistoryEntry, 0, len(turns))
	for _, turn := range turns {
		history = append(history, encodeTurn(turn, "", nil))
	}

	// System text and the think-tag hint ride on the current user turn.
	if system != "" {
		current.text = "--- SYSTEM ---\n" + system + "\n--- END SYSTEM ---\n\n" + current.text
	}

	var tools []KiroTool
	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, KiroTool{ToolSpecification: KiroToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: KiroInputSchema{JSON: schema},
		}})
	}

	// Only the first user turn anchors; the current turn is that turn when
	// history holds no user turn.
	anchored := current.cachePoint
	for _, entry := range history {
		if entry.UserInputMessage != nil {
			anchored = entry.UserInputMessage.CachePoint != nil
			break
		}
	}

	return &KiroRequest{
		ProfileArn: profileArn,
		ConversationState: KiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			CurrentMessage:  encodeTurn(current, req.Model, tools),
			History:         history,
		},
	}, anchored
}

// collectTurns flattens Anthropic messages into per-role turns. Tool results
// always land on user turns; tool uses on assistant turns.
func collectTurns(messages []anthropic.Message) []mergedTurn {
	turns := make([]mergedTurn, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		turn := mergedTurn{role: role}
		for _, block := range msg.Blocks() {
			if block.CacheControl != nil {
				turn.cachePoint = true
			}
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if turn.text != "" {
					turn.text += "\n"
				}
				turn.text += block.Text
			case "tool_use":
				input := block.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				turn.toolUses = append(turn.toolUses, KiroToolUse{
					ToolUseID: block.ID,
					Name:      block.Name,
					Input:     input,
				})
			case "tool_result":
				status := "success"
				if block.IsError {
					status = "error"
				}
				turn.toolResults = append(turn.toolResults, KiroToolResult{
					ToolUseID: block.ToolUseID,
					Status:    status,
					Content:   []KiroToolResultContent{{Text: toolResultOutput(block.Content)}},
				})
			}
		}
		turns = append(turns, turn)
	}
	return turns
}

// mergeAdjacent joins consecutive turns of the same role.
func mergeAdjacent(turns []mergedTurn) []mergedTurn {
	merged := make([]mergedTurn, 0, len(turns))
	for _, turn := range turns {
		if n := len(merged); n > 0 && merged[n-1].role == turn.role {
			prev := &merged[n-1]
			if turn.text != "" {
				if prev.text != "" {
					prev.text += "\n"
				}
				prev.text += turn.text
			}
			prev.toolUses = append(prev.toolUses, turn.toolUses...)
			prev.toolResults = append(prev.toolResults, turn.toolResults...)
			prev.cachePoint = prev.cachePoint || turn.cachePoint
			continue
		}
		merged = append(merged, turn)
	}
	return merged
}

// encodeTurn renders one merged turn onto the wire shape. The model id and
// tools ride only on the current user message.
func encodeTurn(turn mergedTurn, modelID string, tools []KiroTool) KiroHistoryEntry {
	if turn.role == "assistant" {
		return KiroHistoryEntry{AssistantResponseMessage: &KiroAssistantMessage{
			Content:  turn.text,
			ToolUses: turn.toolUses,
		}}
	}

	msg := &KiroUserInputMessage{
		Content: turn.text,
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}
	if turn.cachePoint {
		msg.CachePoint = &KiroCachePoint{Type: "default"}
	}
	if len(tools) > 0 || len(turn.toolResults) > 0 {
		msg.UserInputMessageContext = &KiroUserInputMessageContext{
			Tools:       tools,
			ToolResults: turn.toolResults,
		}
	}
	return KiroHistoryEntry{UserInputMessage: msg}
}
