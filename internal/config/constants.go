// Package config provides configuration constants and runtime configuration
// management for the gateway.
package config

import (
	"fmt"
	"runtime"
	"strings"
)

// Version information
const Version = "1.0.0"

// DefaultPort is the default server port
const DefaultPort = 8080

// RequestBodyLimit is the max request body size (50MB in bytes)
const RequestBodyLimit int64 = 50 * 1024 * 1024

// Upstream endpoints
const (
	ClaudeDefaultBaseURL = "https://api.anthropic.com"
	ClaudeMessagesPath   = "/v1/messages?beta=true"

	FactoryMessagesURL = "https://app.factory.ai/api/llm/a/v1/messages"
	FactoryReferer     = "https://app.factory.ai/"

	AntigravityEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"

	// KiroEndpointFormat yields the CodeWhisperer endpoint for a region.
	KiroEndpointFormat     = "https://codewhisperer.%s.amazonaws.com"
	KiroGenerateAssistPath = "/generateAssistantResponse"
	KiroSendMessagePath    = "/SendMessageStreaming"
	KiroDefaultRegion      = "us-east-1"

	GeminiBusinessBaseURL         = "https://business.google.com"
	GeminiBusinessXSRFPath        = "/u/0/api/v1/xsrf"
	GeminiBusinessCreateSession   = "/u/0/api/v1/widgetCreateSession"
	GeminiBusinessStreamAssist    = "/u/0/api/v1/widgetStreamAssist"
	GeminiBusinessAddContextFile  = "/u/0/api/v1/widgetAddContextFile"
	GeminiBusinessListFileMeta    = "/u/0/api/v1/widgetListSessionFileMetadata"
)

// AntigravityEndpointFallbacks is the endpoint fallback order (daily first)
var AntigravityEndpointFallbacks = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// Retry budgets per channel
const (
	MaxAttemptsAnthropic = 15
	MaxAttemptsGemini    = 15
	MaxAttemptsKiro      = 3
	MaxAttemptsBusiness  = 3
)

// Timing constants
const (
	// StickySessionTTLMinutes is the conversation→account affinity window
	StickySessionTTLMinutes = 60
	// RateLimitDefaultSeconds is the cooldown applied on 429 without a usable Retry-After
	RateLimitDefaultSeconds = 120
	// BusinessJWTCacheSeconds is how long a minted Business JWT is reused
	BusinessJWTCacheSeconds = 270
	// ClaudeExpirySkewSeconds pads Claude/Factory token expiry checks
	ClaudeExpirySkewSeconds = 60
	// KiroExpirySkewMinutes pads Kiro token expiry checks
	KiroExpirySkewMinutes = 15
)

// AntigravityStopSequences are always sent to the Antigravity upstream
var AntigravityStopSequences = []string{
	"<|user|>",
	"<|bot|>",
	"<|context_request|>",
	"<|endoftext|>",
	"<|end_of_turn|>",
}

// DefaultTemperature applies when the caller omits one (Antigravity path)
const DefaultTemperature = 0.4

// ClientErrorKeywords mark upstream 4xx bodies that must surface to the
// caller without further retries.
var ClientErrorKeywords = []string{
	"invalid_request_error",
	"invalid_argument",
	"permission_denied",
	"resource_exhausted",
	"INVALID_ARGUMENT",
	"missing_required_parameter",
}

// ContainsClientErrorKeyword reports whether body matches a non-retryable
// client error.
func ContainsClientErrorKeyword(body string) bool {
	for _, kw := range ClientErrorKeywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// AnthropicBetaHeader is sent on direct Claude requests from non-CLI callers
const AnthropicBetaHeader = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

// GeminiCLIUserAgent is the UA sent to the CodeAssist endpoint
func GeminiCLIUserAgent() string {
	return fmt.Sprintf("GeminiCLI/0.1.5 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// KiroUserAgent is the base UA sent to CodeWhisperer
func KiroUserAgent() string {
	return fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/%s lang/js md/nodejs#22.0.0 api/codewhispererstreaming#1.0.0", runtime.GOOS)
}

// modelAliases maps public Anthropic model names onto the Antigravity
// catalogue. Date-suffixed variants normalize to their base first.
var modelAliases = map[string]string{
	"claude-opus-4-5":     "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":   "claude-sonnet-4-5",
	"claude-haiku-4-5":    "gemini-2.5-flash",
	"claude-opus-4":       "gemini-3-pro-high",
	"claude-haiku-4":      "claude-haiku-4.5",
}

// DefaultAnthropicModel applies when the caller omits a model
const DefaultAnthropicModel = "claude-sonnet-4-5"

// MapAnthropicModel resolves a public Anthropic model name to the upstream
// model served by the Antigravity channel. Unknown names pass through.
func MapAnthropicModel(model string) string {
	if model == "" {
		return DefaultAnthropicModel
	}
	normalized := normalizeModelName(model)
	if strings.HasPrefix(normalized, "claude-3-5-sonnet") {
		return "claude-sonnet-4-5"
	}
	if strings.HasPrefix(normalized, "claude-3-haiku") {
		return "gemini-2.5-flash"
	}
	if alias, ok := modelAliases[normalized]; ok {
		return alias
	}
	return model
}

// normalizeModelName strips date suffixes from the 4-5 model family
// (claude-opus-4-5-20250929 → claude-opus-4-5).
func normalizeModelName(model string) string {
	for _, base := range []string{"claude-opus-4-5", "claude-sonnet-4-5", "claude-haiku-4-5"} {
		if model == base || strings.HasPrefix(model, base+"-") {
			return base
		}
	}
	return model
}

// PublicModels is the catalogue advertised by GET /v1/models
var PublicModels = []string{
	"claude-opus-4-5",
	"claude-sonnet-4-5",
	"claude-haiku-4-5",
	"claude-opus-4",
	"claude-haiku-4",
	"gemini-2.5-flash",
	"gemini-3-pro-high",
	"gemini-3-pro-preview",
}
