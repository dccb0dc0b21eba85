package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/tidwall/sjson"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/transform"
	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// cloudCodePayload wraps a Gemini request for the Cloud Code surface.
type cloudCodePayload struct {
	Project     string          `json:"project"`
	Model       string          `json:"model"`
	Request     json.RawMessage `json:"request"`
	UserAgent   string          `json:"userAgent"`
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
}

// BuildAntigravityPayload converts an Anthropic request into the wrapped
// Cloud Code body. The session id rides inside the inner request for prompt
// cache continuity.
func BuildAntigravityPayload(req *anthropic.MessagesRequest, projectID, sessionID, requestID string) ([]byte, error) {
	inner, err := json.Marshal(transform.AnthropicToGemini(req))
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		inner, err = sjson.SetBytes(inner, "sessionId", sessionID)
		if err != nil {
			return nil, err
		}
	}

	payload := cloudCodePayload{
		Project:     projectID,
		Model:       config.MapAnthropicModel(req.Model),
		Request:     inner,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + requestID,
	}
	return json.Marshal(payload)
}

// antigravityUserAgent fingerprints the Antigravity client.
func antigravityUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// SendAntigravity posts the wrapped payload, walking the endpoint fallback
// order on network errors.
func SendAntigravity(ctx context.Context, client *http.Client, cred *account.GeminiCredential, payload []byte, stream bool) (*http.Response, error) {
	var lastErr error
	for _, endpoint := range config.AntigravityEndpointFallbacks {
		url := endpoint + "/v1internal:generateContent"
		if stream {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
		}

		resp, err := sendGoogle(ctx, client, url, cred.Token, payload, stream, antigravityUserAgent())
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[Antigravity] Network error at %s: %v", endpoint, err)
				lastErr = err
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no antigravity endpoint reachable")
	}
	return nil, lastErr
}

// SendCodeAssist posts a Gemini request to the configured CodeAssist
// endpoint (the plain Gemini channel).
func SendCodeAssist(ctx context.Context, client *http.Client, endpoint string, cred *account.GeminiCredential, payload []byte, stream bool) (*http.Response, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("gemini code assist endpoint not configured")
	}
	url := endpoint + "/v1internal:generateContent"
	if stream {
		url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
	}
	return sendGoogle(ctx, client, url, cred.Token, payload, stream, config.GeminiCLIUserAgent())
}

// sendGoogle performs the shared POST for the Google-family channels.
func sendGoogle(ctx context.Context, client *http.Client, url, token string, payload []byte, stream bool, userAgent string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", userAgent)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return client.Do(httpReq)
}
