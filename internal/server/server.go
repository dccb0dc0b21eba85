package server

import (
	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/server/handlers"
	"github.com/mirrorwell/polygate/internal/stats"
)

// Server holds the gin engine and route handlers.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config

	anthropicHandler *handlers.AnthropicHandler
	openaiHandler    *handlers.OpenAIHandler
	geminiHandler    *handlers.GeminiHandler
	statusHandler    *handlers.StatusHandler
}

// Options control server construction.
type Options struct {
	Debug bool
}

// New creates a Server wired to the dispatch engine.
func New(cfg *config.Config, engine *dispatch.Engine, usage *stats.UsageStats, opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(bodyLimitMiddleware())
	e.Use(requestLogMiddleware())
	e.Use(apiKeyMiddleware(cfg))

	return &Server{
		engine:           e,
		cfg:              cfg,
		anthropicHandler: handlers.NewAnthropicHandler(engine),
		openaiHandler:    handlers.NewOpenAIHandler(engine),
		geminiHandler:    handlers.NewGeminiHandler(engine),
		statusHandler:    handlers.NewStatusHandler(engine, usage),
	}
}

// Engine returns the underlying gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// SetupRoutes registers every public endpoint.
func (s *Server) SetupRoutes() {
	e := s.engine

	// Health and inspection
	e.GET("/health", s.statusHandler.Health)
	e.GET("/v1/models", s.statusHandler.Models)
	e.GET("/account-limits", s.statusHandler.AccountLimits)
	e.GET("/request-logs", s.statusHandler.RequestLogs)
	e.GET("/usage-stats", s.statusHandler.UsageStats)
	e.POST("/reset-rate-limits", s.statusHandler.ResetRateLimits)

	// OpenAI dialect
	e.POST("/v1/responses", s.openaiHandler.Responses)
	e.POST("/v1/chat/completions", s.openaiHandler.ChatCompletions)

	// Anthropic dialect
	e.POST("/v1/messages", s.anthropicHandler.Messages)
	e.POST("/v1/message", s.anthropicHandler.Messages)
	e.POST("/v1/messages/count_tokens", s.anthropicHandler.CountTokens)

	// Kiro channel
	e.POST("/kiro/v1/messages", s.anthropicHandler.KiroMessages)
	e.POST("/kiro/v1/chat/completions", s.openaiHandler.KiroChatCompletions)

	// Gemini Business channel
	e.POST("/gemini-business/v1beta/models/*modelAction", s.geminiHandler.ModelAction)
	e.POST("/gemini-business/v1/chat/completions", s.openaiHandler.BusinessChatCompletions)
}
