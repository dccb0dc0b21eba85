package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

func kiroTestAccount(id, baseURL string) *account.Account {
	return &account.Account{
		ID:       id,
		Provider: account.ProviderKiro,
		BaseURL:  baseURL,
		Enabled:  true,
		Credential: &account.KiroCredential{
			AccessToken:   "token-" + id,
			RefreshToken:  "refresh",
			ExpiresAt:     time.Now().Add(time.Hour).Format(time.RFC3339),
			Region:        "us-east-1",
			ProfileArn:    "arn:aws:codewhisperer:us-east-1:profile/x",
			AuthMethod:    "social",
			MachineIDSeed: "seed-1",
		},
	}
}

func kiroMessagesRequest(stream, thinking bool) *anthropic.MessagesRequest {
	content, _ := json.Marshal("ping")
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 64,
		Stream:    stream,
		Messages:  []anthropic.Message{{Role: "user", Content: content}},
	}
	if thinking {
		req.Thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 512}
	}
	return req
}

func runKiroDispatch(rig *testRig, req *anthropic.MessagesRequest) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/kiro/v1/messages", nil)
	rig.engine.DispatchKiro(c, req, DialectAnthropic, "sticky-kiro")
	return w
}

func TestDispatchKiroStreamWithThinkTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vibe", r.Header.Get("x-amzn-kiro-agent-mode"))
		assert.NotEmpty(t, r.Header.Get("amz-sdk-invocation-id"))
		assert.Contains(t, r.Header.Get("x-amz-user-agent"), "KiroIDE-0.7.5-")
		assert.True(t, strings.HasSuffix(r.URL.Path, "/generateAssistantResponse"))

		for _, chunk := range []string{"Hel", "lo <th", "ink>reasoning</think> wo", "rld"} {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, `{"content":%s}`, data)
		}
		fmt.Fprint(w, `{"contextUsagePercentage":1.0}{"unit":"CREDIT","usage":0.006}`)
	}))
	defer srv.Close()

	rig := newTestRig(nil, kiroTestAccount("k1", srv.URL))
	w := runKiroDispatch(rig, kiroMessagesRequest(true, true))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	// The think span surfaces as a thinking block between two text blocks.
	wantOrder := []string{
		"message_start",
		`"text"`, // first content_block_start
		"Hel",
		"lo ",
		"content_block_stop",
		`"thinking"`,
		"reasoning",
		"content_block_stop",
		`"text"`,
		" world",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	pos := 0
	for _, marker := range wantOrder {
		idx := strings.Index(body[pos:], marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q after offset %d in: %s", marker, pos, body)
		pos += idx
	}

	assert.Equal(t,
		strings.Count(body, "content_block_start"),
		strings.Count(body, "content_block_stop"),
	)
}

func TestDispatchKiroNonStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"Let me check."}`)
		fmt.Fprint(w, `{"name":"lookup","toolUseId":"t1","input":"{\"k\":"}`)
		fmt.Fprint(w, `{"input":"\"v\"}"}`)
		fmt.Fprint(w, `{"stop":true}`)
		fmt.Fprint(w, `{"contextUsagePercentage":10}{"unit":"CREDIT","usage":0.06}`)
	}))
	defer srv.Close()

	rig := newTestRig(nil, kiroTestAccount("k1", srv.URL))
	w := runKiroDispatch(rig, kiroMessagesRequest(false, false))

	require.Equal(t, http.StatusOK, w.Code)
	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "message", parsed.Get("type").String())
	assert.Equal(t, "tool_use", parsed.Get("stop_reason").String())

	var sawTool bool
	parsed.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			sawTool = true
			assert.Equal(t, "lookup", block.Get("name").String())
			assert.Equal(t, "t1", block.Get("id").String())
			assert.Equal(t, "v", block.Get("input.k").String())
		}
		return true
	})
	assert.True(t, sawTool)

	// Credits matched the expected input cost: no cache read reconstructed,
	// and usage is present.
	assert.Equal(t, int64(20000), parsed.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(0), parsed.Get("usage.cache_read_input_tokens").Int())
}

func TestDispatchKiroCacheReconstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"cached answer"}`)
		// Half the expected cost for a 10% context: cache hit.
		fmt.Fprint(w, `{"contextUsagePercentage":10}{"unit":"CREDIT","usage":0.03}`)
	}))
	defer srv.Close()

	rig := newTestRig(nil, kiroTestAccount("k1", srv.URL))

	// Anchor a cache point on the first user message.
	blocks, _ := json.Marshal([]anthropic.ContentBlock{
		{Type: "text", Text: "ping", CacheControl: &anthropic.CacheControl{Type: "ephemeral"}},
	})
	req := kiroMessagesRequest(false, false)
	req.Messages = []anthropic.Message{{Role: "user", Content: blocks}}

	w := runKiroDispatch(rig, req)

	require.Equal(t, http.StatusOK, w.Code)
	parsed := gjson.Parse(w.Body.String())
	input := parsed.Get("usage.input_tokens").Int()
	cacheRead := parsed.Get("usage.cache_read_input_tokens").Int()
	assert.Greater(t, cacheRead, int64(0))
	assert.Equal(t, int64(20000), input+cacheRead)
}
