package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/dispatch"
)

// GeminiHandler serves the Gemini-dialect endpoints.
type GeminiHandler struct {
	engine *dispatch.Engine
}

// NewGeminiHandler creates a GeminiHandler.
func NewGeminiHandler(engine *dispatch.Engine) *GeminiHandler {
	return &GeminiHandler{engine: engine}
}

// ModelAction handles POST /gemini-business/v1beta/models/{model}:{action}.
// The path segment carries both the model and the action separated by ':'.
func (h *GeminiHandler) ModelAction(c *gin.Context) {
	segment := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, action, found := strings.Cut(segment, ":")
	if !found || model == "" {
		c.String(http.StatusNotFound, "unknown model path")
		return
	}

	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		c.String(http.StatusNotFound, "unsupported action "+action)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 50<<20))
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		c.String(http.StatusBadRequest, "request body is required")
		return
	}

	stickyKey := c.GetHeader("conversation_id")
	h.engine.DispatchGemini(c, model, body, stream, stickyKey)
}
