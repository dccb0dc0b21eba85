// Package server assembles the gin engine and routes.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/utils"
)

// apiKeyMiddleware enforces the static API key when one is configured.
// Health stays open for probes.
func apiKeyMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		key := c.GetHeader("x-api-key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			key = strings.TrimPrefix(auth, "Bearer ")
		}

		if key != cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid API key",
				},
			})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps request body size.
func bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		}
		c.Next()
	}
}

// requestLogMiddleware logs request lines in dev mode.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if utils.IsDebug() {
			utils.Debug("[Server] %s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
		}
	}
}
