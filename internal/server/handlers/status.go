package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/stats"
)

// StatusHandler serves health, models, account, and log inspection routes.
type StatusHandler struct {
	engine *dispatch.Engine
	usage  *stats.UsageStats
}

// NewStatusHandler creates a StatusHandler. usage may be nil.
func NewStatusHandler(engine *dispatch.Engine, usage *stats.UsageStats) *StatusHandler {
	return &StatusHandler{engine: engine, usage: usage}
}

// Health handles GET /health.
func (h *StatusHandler) Health(c *gin.Context) {
	accounts := h.engine.Pool().All()
	available := 0
	now := time.Now()
	for _, acc := range accounts {
		if acc.Selectable(now) {
			available++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   config.Version,
		"accounts":  len(accounts),
		"available": available,
	})
}

// Models handles GET /v1/models.
func (h *StatusHandler) Models(c *gin.Context) {
	now := time.Now().Unix()
	models := make([]gin.H, 0, len(config.PublicModels))
	for _, id := range config.PublicModels {
		models = append(models, gin.H{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": "polygate",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}

// accountView is the externally visible account state. Credentials never
// appear here.
type accountView struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Provider       string `json:"provider"`
	Enabled        bool   `json:"enabled"`
	DisableReason  string `json:"disableReason,omitempty"`
	RateLimited    bool   `json:"rateLimited"`
	RateLimitReset string `json:"rateLimitReset,omitempty"`

	PromptTokens      int64 `json:"promptTokens"`
	CompletionTokens  int64 `json:"completionTokens"`
	CacheReadTokens   int64 `json:"cacheReadTokens"`
	CacheCreateTokens int64 `json:"cacheCreateTokens"`
	RequestCount      int64 `json:"requestCount"`
	LastUsed          int64 `json:"lastUsed,omitempty"`
}

// AccountLimits handles GET /account-limits.
func (h *StatusHandler) AccountLimits(c *gin.Context) {
	accounts := h.engine.Pool().All()
	now := time.Now()

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		view := accountView{
			ID:                acc.ID,
			Name:              acc.Name,
			Email:             acc.Email,
			Provider:          string(acc.Provider),
			Enabled:           acc.Enabled,
			DisableReason:     acc.DisableReason,
			RateLimited:       acc.RateLimited && now.Before(acc.RateLimitReset),
			PromptTokens:      acc.Usage.PromptTokens.Load(),
			CompletionTokens:  acc.Usage.CompletionTokens.Load(),
			CacheReadTokens:   acc.Usage.CacheReadTokens.Load(),
			CacheCreateTokens: acc.Usage.CacheCreateTokens.Load(),
			RequestCount:      acc.Usage.RequestCount.Load(),
			LastUsed:          acc.Usage.LastUsedUnixMs.Load(),
		}
		if view.RateLimited {
			view.RateLimitReset = acc.RateLimitReset.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// RequestLogs handles GET /request-logs.
func (h *StatusHandler) RequestLogs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": h.engine.Logs().Recent(limit)})
}

// UsageStats handles GET /usage-stats.
func (h *StatusHandler) UsageStats(c *gin.Context) {
	if h.usage == nil {
		c.JSON(http.StatusOK, gin.H{"models": gin.H{}})
		return
	}
	out := gin.H{"models": h.usage.Snapshot()}
	if hourly, err := h.usage.Recent(c.Request.Context(), 24); err == nil && hourly != nil {
		out["hourly"] = hourly
	}
	c.JSON(http.StatusOK, out)
}

// ResetRateLimits handles POST /reset-rate-limits.
func (h *StatusHandler) ResetRateLimits(c *gin.Context) {
	h.engine.Pool().ResetAllRateLimits(
		account.ProviderOpenAI,
		account.ProviderClaude,
		account.ProviderFactory,
		account.ProviderGemini,
		account.ProviderGeminiAntigravity,
		account.ProviderGeminiBusiness,
		account.ProviderKiro,
	)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
