// Package upstream builds and sends provider-specific HTTP requests for the
// dispatch engine.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// IsClaudeCLI reports whether the caller's user-agent is the Claude CLI,
// which drives both header assembly and provider preference.
func IsClaudeCLI(userAgent string) bool {
	return strings.Contains(strings.ToLower(userAgent), "claude-cli")
}

// stainlessHeaders is the SDK header set expected on non-CLI Claude traffic.
func stainlessHeaders() map[string]string {
	return map[string]string{
		"x-stainless-lang":            "js",
		"x-stainless-package-version": "0.60.0",
		"x-stainless-os":              stainlessOS(),
		"x-stainless-arch":            runtime.GOARCH,
		"x-stainless-runtime":         "node",
		"x-stainless-runtime-version": "v22.0.0",
		"x-stainless-retry-count":     "0",
		"x-stainless-timeout":         "600",
	}
}

func stainlessOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "MacOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

// SendClaude posts a Messages request to the Anthropic upstream using the
// account's OAuth access token.
func SendClaude(ctx context.Context, client *http.Client, acc *account.Account, cred *account.OAuthCredential, req *anthropic.MessagesRequest, callerUA string) (*http.Response, error) {
	base := acc.BaseURL
	if base == "" {
		base = config.ClaudeDefaultBaseURL
	}
	url := strings.TrimSuffix(base, "/") + config.ClaudeMessagesPath

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("anthropic-beta", config.AnthropicBetaHeader)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	if IsClaudeCLI(callerUA) {
		httpReq.Header.Set("User-Agent", callerUA)
	} else {
		// Hand-assembled SDK fingerprint for non-CLI callers.
		for k, v := range stainlessHeaders() {
			httpReq.Header.Set(k, v)
		}
		httpReq.Header.Set("User-Agent", "claude-cli/2.0.0 (external, cli)")
	}

	return client.Do(httpReq)
}

// SendFactory posts a Messages request to the Factory upstream. Session and
// assistant-message ids are fresh UUIDs per request.
func SendFactory(ctx context.Context, client *http.Client, acc *account.Account, cred *account.OAuthCredential, req *anthropic.MessagesRequest) (*http.Response, error) {
	url := config.FactoryMessagesURL
	if acc.BaseURL != "" {
		url = strings.TrimSuffix(acc.BaseURL, "/") + "/v1/messages"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("x-factory-client", "cli")
	httpReq.Header.Set("x-session-id", uuid.New().String())
	httpReq.Header.Set("x-assistant-message-id", uuid.New().String())
	httpReq.Header.Set("Referer", config.FactoryReferer)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return client.Do(httpReq)
}
