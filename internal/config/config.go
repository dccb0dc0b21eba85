package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/mirrorwell/polygate/internal/utils"
)

// GeminiConfig configures the Gemini CodeAssist channel
type GeminiConfig struct {
	// CodeAssistEndpoint is the upstream base URL; mandatory for the Gemini path
	CodeAssistEndpoint string `json:"codeAssistEndpoint"`
}

// AntigravityConfig configures the Antigravity channel
type AntigravityConfig struct {
	// ReturnThoughts includes thinking blocks in output when available
	ReturnThoughts *bool `json:"returnThoughts,omitempty"`
}

// ImageGenerationConfig toggles the Business image tool
type ImageGenerationConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// ContextFilesConfig bounds Business context-file uploads
type ContextFilesConfig struct {
	MaxBytes               int64 `json:"maxBytes,omitempty"`
	DownloadTimeoutSeconds int   `json:"downloadTimeoutSeconds,omitempty"`
}

// GeminiBusinessConfig configures the Gemini Business channel
type GeminiBusinessConfig struct {
	UserAgent       string                `json:"userAgent,omitempty"`
	ImageGeneration ImageGenerationConfig `json:"imageGeneration,omitempty"`
	ContextFiles    ContextFilesConfig    `json:"contextFiles,omitempty"`
}

// Config represents the runtime configuration
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	DevMode bool `json:"devMode"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Request log sink (sqlite); empty disables persistence
	RequestLogPath string `json:"requestLogPath,omitempty"`

	// Redis configuration for the usage-stats store; empty addr disables it
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty"`

	// Channel configuration
	Gemini         GeminiConfig         `json:"gemini"`
	Antigravity    AntigravityConfig    `json:"antigravity"`
	GeminiBusiness GeminiBusinessConfig `json:"geminiBusiness"`

	// SkipTLSValidate disables upstream certificate checks on the Anthropic
	// path. Hazardous; only set through ANTIGRAVITY_SKIP_TLS_VALIDATE.
	SkipTLSValidate bool `json:"-"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		Port: DefaultPort,
		Host: "0.0.0.0",
		GeminiBusiness: GeminiBusinessConfig{
			ContextFiles: ContextFilesConfig{
				MaxBytes:               100 * 1024 * 1024,
				DownloadTimeoutSeconds: 30,
			},
		},
	}
}

// configPath returns the config file path (~/.polygate/config.json)
func configPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".polygate", "config.json")
}

// Load reads the config file (when present) and applies environment overrides.
func (c *Config) Load() error {
	path := configPath()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			c.mu.Lock()
			if err := json.Unmarshal(data, c); err != nil {
				c.mu.Unlock()
				utils.Warn("[Config] Failed to parse %s: %v", path, err)
				return err
			}
			c.mu.Unlock()
		}
	}

	c.applyEnvOverrides()
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("POLYGATE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GEMINI_CODE_ASSIST_ENDPOINT"); v != "" {
		c.Gemini.CodeAssistEndpoint = v
	}
	if v := os.Getenv("GEMINI_BUSINESS_USER_AGENT"); v != "" {
		c.GeminiBusiness.UserAgent = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if os.Getenv("ANTIGRAVITY_SKIP_TLS_VALIDATE") == "true" {
		c.SkipTLSValidate = true
	}
}

// ReturnThoughts reports whether thinking blocks are included in output.
// Defaults to true.
func (c *Config) ReturnThoughts() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Antigravity.ReturnThoughts == nil {
		return true
	}
	return *c.Antigravity.ReturnThoughts
}

// BusinessImageGenerationEnabled reports whether the Business image tool is
// available for the given model. Defaults to true for gemini-3-pro-preview.
func (c *Config) BusinessImageGenerationEnabled(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.GeminiBusiness.ImageGeneration.Enabled != nil {
		return *c.GeminiBusiness.ImageGeneration.Enabled
	}
	return model == "gemini-3-pro-preview"
}

// BusinessUserAgent returns the UA sent to Business endpoints.
func (c *Config) BusinessUserAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.GeminiBusiness.UserAgent != "" {
		return c.GeminiBusiness.UserAgent
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0 Safari/537.36"
}
