// Package dispatch drives the per-request retry loop across provider
// accounts and owns the client response.
package dispatch

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/config"
)

// Verdict classifies one upstream attempt.
type Verdict int

const (
	// VerdictSuccess is any 2xx.
	VerdictSuccess Verdict = iota
	// VerdictDisableAndRetry covers 401/403: credential is bad for this
	// account; disable it and move on.
	VerdictDisableAndRetry
	// VerdictRateLimited covers 429.
	VerdictRateLimited
	// VerdictClientError covers 4xx bodies matching the client-error
	// keywords; surfaced verbatim with no further retries.
	VerdictClientError
	// VerdictRetry covers everything else (other 4xx, 5xx).
	VerdictRetry
)

// Classify maps an upstream status and body onto a verdict.
func Classify(statusCode int, body string) Verdict {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return VerdictSuccess
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return VerdictDisableAndRetry
	case statusCode == http.StatusTooManyRequests:
		return VerdictRateLimited
	case statusCode >= 400 && statusCode < 500 && config.ContainsClientErrorKeyword(body):
		return VerdictClientError
	default:
		return VerdictRetry
	}
}

// RetryAfterSeconds resolves the rate-limit window from the Retry-After
// header, bounded by the 120-second default.
func RetryAfterSeconds(h http.Header) int {
	window := config.RateLimitDefaultSeconds
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 && secs < window {
			window = secs
		}
	}
	return window
}

// ExtractErrorMessage pulls a human-readable message out of an upstream
// error body, falling back to the raw (truncated) body.
func ExtractErrorMessage(body string) string {
	parsed := gjson.Parse(body)
	for _, path := range []string{"error.message", "error.0.error.message", "message"} {
		if v := parsed.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	body = strings.TrimSpace(body)
	if len(body) > 500 {
		body = body[:500]
	}
	return body
}
