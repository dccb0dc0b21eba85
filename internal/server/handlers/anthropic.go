// Package handlers provides the HTTP request handlers for the gateway
// endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/session"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// AnthropicHandler serves the Anthropic-dialect endpoints.
type AnthropicHandler struct {
	engine *dispatch.Engine
}

// NewAnthropicHandler creates an AnthropicHandler.
func NewAnthropicHandler(engine *dispatch.Engine) *AnthropicHandler {
	return &AnthropicHandler{engine: engine}
}

// bindMessages parses and validates an Anthropic Messages request.
func bindMessages(c *gin.Context) (*anthropic.MessagesRequest, bool) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return nil, false
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "messages is required and must be a non-empty array"))
		return nil, false
	}
	if req.Model == "" {
		req.Model = config.DefaultAnthropicModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	return &req, true
}

// Messages handles POST /v1/messages and /v1/message.
func (h *AnthropicHandler) Messages(c *gin.Context) {
	req, ok := bindMessages(c)
	if !ok {
		return
	}
	stickyKey := session.AnthropicKey(req)
	h.engine.DispatchAnthropic(c, req, dispatch.DialectAnthropic, c.GetHeader("User-Agent"), stickyKey)
}

// CountTokens handles POST /v1/messages/count_tokens. The estimate comes
// from payload shape only; no upstream call happens.
func (h *AnthropicHandler) CountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{
		InputTokens: h.engine.Estimator().EstimateAnthropicInput(&req),
	})
}

// KiroMessages handles POST /kiro/v1/messages.
func (h *AnthropicHandler) KiroMessages(c *gin.Context) {
	req, ok := bindMessages(c)
	if !ok {
		return
	}
	stickyKey := session.AnthropicKey(req)
	h.engine.DispatchKiro(c, req, dispatch.DialectAnthropic, stickyKey)
}
