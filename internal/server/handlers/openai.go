package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/transform"
	"github.com/mirrorwell/polygate/pkg/openai"
)

// OpenAIHandler serves the OpenAI-dialect endpoints.
type OpenAIHandler struct {
	engine *dispatch.Engine
}

// NewOpenAIHandler creates an OpenAIHandler.
func NewOpenAIHandler(engine *dispatch.Engine) *OpenAIHandler {
	return &OpenAIHandler{engine: engine}
}

// bindChat parses and validates an OpenAI chat request.
func bindChat(c *gin.Context) (*openai.ChatRequest, bool) {
	var req openai.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse(
			"Invalid request body: "+err.Error(), http.StatusBadRequest))
		return nil, false
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse(
			"messages is required and must be a non-empty array", http.StatusBadRequest))
		return nil, false
	}
	return &req, true
}

// chatStickyKey resolves the caller-supplied conversation key.
func chatStickyKey(req *openai.ChatRequest) string {
	if req.PromptCacheKey != "" {
		return req.PromptCacheKey
	}
	return req.ConversationID
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	req, ok := bindChat(c)
	if !ok {
		return
	}
	areq := transform.OpenAIToAnthropic(req)
	h.engine.DispatchAnthropic(c, areq, dispatch.DialectOpenAI, c.GetHeader("User-Agent"), chatStickyKey(req))
}

// KiroChatCompletions handles POST /kiro/v1/chat/completions.
func (h *OpenAIHandler) KiroChatCompletions(c *gin.Context) {
	req, ok := bindChat(c)
	if !ok {
		return
	}
	areq := transform.OpenAIToAnthropic(req)
	h.engine.DispatchKiro(c, areq, dispatch.DialectOpenAI, chatStickyKey(req))
}

// BusinessChatCompletions handles POST /gemini-business/v1/chat/completions.
func (h *OpenAIHandler) BusinessChatCompletions(c *gin.Context) {
	req, ok := bindChat(c)
	if !ok {
		return
	}
	h.engine.DispatchGeminiOpenAI(c, req, chatStickyKey(req))
}

// Responses handles POST /v1/responses by delegating the raw body to the
// OpenAI-compatible pool.
func (h *OpenAIHandler) Responses(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 50<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse(
			"Failed to read request body", http.StatusBadRequest))
		return
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("model").Exists() {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse(
			"model is required", http.StatusBadRequest))
		return
	}

	model := parsed.Get("model").String()
	stream := parsed.Get("stream").Bool()
	stickyKey := parsed.Get("prompt_cache_key").String()
	if stickyKey == "" {
		stickyKey = parsed.Get("conversation_id").String()
	}

	// Re-validate the body is well-formed JSON before relaying verbatim.
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, openai.NewErrorResponse(
			"request body is not valid JSON", http.StatusBadRequest))
		return
	}

	h.engine.DispatchOpenAIProxy(c, "/v1/responses", model, body, stream, stickyKey)
}
