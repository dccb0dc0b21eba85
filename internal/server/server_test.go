package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/session"
	"github.com/mirrorwell/polygate/internal/usage"
)

func newTestServer(cfg *config.Config) *Server {
	pool := account.NewPool()
	engine := dispatch.NewEngine(
		pool,
		session.NewCache(),
		account.NewValidator(pool, nil),
		usage.NewEstimator(func(s string) int { return len(strings.Fields(s)) }),
		reqlog.NewSink(nil),
		nil,
		cfg,
		nil,
	)
	srv := New(cfg, engine, nil, Options{Debug: false})
	srv.SetupRoutes()
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(config.DefaultConfig())

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "ok", parsed.Get("status").String())
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(config.DefaultConfig())

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)
	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "list", parsed.Get("object").String())
	assert.Greater(t, len(parsed.Get("data").Array()), 0)
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret-key"
	srv := newTestServer(cfg)

	// Health stays open.
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Other routes require the key.
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret-key")
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountTokensEndpoint(t *testing.T) {
	srv := newTestServer(config.DefaultConfig())

	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"one two three"}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(3), parsed.Get("input_tokens").Int())
}

func TestMessagesValidation(t *testing.T) {
	srv := newTestServer(config.DefaultConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","max_tokens":16,"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "invalid_request_error", parsed.Get("error.type").String())
}

func TestGeminiModelActionParsing(t *testing.T) {
	srv := newTestServer(config.DefaultConfig())

	// Unknown action 404s before dispatch.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/gemini-business/v1beta/models/gemini-3-pro-preview:countTokens",
		strings.NewReader(`{"contents":[]}`))
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Valid action with an empty pool falls through to the dispatch error
	// path in the Gemini dialect (plain text).
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost,
		"/gemini-business/v1beta/models/gemini-3-pro-preview:generateContent",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
