package usage

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// wordTokenizer counts whitespace-separated words; keeps assertions exact.
func wordTokenizer(text string) int {
	return len(strings.Fields(text))
}

func textMsg(role, text string) anthropic.Message {
	content, _ := json.Marshal(text)
	return anthropic.Message{Role: role, Content: content}
}

func TestEstimateAnthropicInputSumsTextFields(t *testing.T) {
	e := NewEstimator(wordTokenizer)
	system, _ := json.Marshal("one two three")

	req := &anthropic.MessagesRequest{
		System: system,
		Messages: []anthropic.Message{
			textMsg("user", "four five"),
			textMsg("assistant", "six"),
		},
	}
	// 3 system + 2 user + 1 assistant
	assert.Equal(t, 6, e.EstimateAnthropicInput(req))
}

func TestEstimateAnthropicInputImagesAndFloor(t *testing.T) {
	e := NewEstimator(wordTokenizer)

	imageBlocks, _ := json.Marshal([]anthropic.ContentBlock{
		{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "QUJD"}},
	})
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{{Role: "user", Content: imageBlocks}},
	}
	assert.Equal(t, 300, e.EstimateAnthropicInput(req))

	// Empty payload floors at 1.
	assert.Equal(t, 1, e.EstimateAnthropicInput(&anthropic.MessagesRequest{}))
}

func TestEstimateAnthropicInputCountsToolPayloads(t *testing.T) {
	e := NewEstimator(wordTokenizer)

	blocks, _ := json.Marshal([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "t1", Name: "calc", Input: json.RawMessage(`{"expression":"1+1"}`)},
		{Type: "thinking", Thinking: "let me think"},
	})
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{{Role: "assistant", Content: blocks}},
	}
	// tool input serializes to one field-less word plus 3 thinking words
	assert.Equal(t, 4, e.EstimateAnthropicInput(req))
}

func TestReconstructKiroUsageNoCacheHit(t *testing.T) {
	pricing := PricingForKiroModel("claude-sonnet-4-5")
	// 10% of a 200k context = 20000 input tokens; expected cost at $3/Mtok
	// is $0.06. Charging exactly that (or more) means no cache read.
	u := ReconstructKiroUsage("claude-sonnet-4-5", 10, 0.06)
	assert.Equal(t, 20000, u.InputTokens)
	assert.Equal(t, 0, u.CacheReadTokens)
	assert.Equal(t, 0, u.CacheCreateTokens)

	u = ReconstructKiroUsage("claude-sonnet-4-5", 10, 0.10)
	assert.Equal(t, 20000, u.InputTokens)
	assert.Equal(t, 0, u.CacheReadTokens)

	_ = pricing
}

func TestReconstructKiroUsageCacheHit(t *testing.T) {
	// Same 20000-token prompt but charged half the expected cost: the
	// saving attributes to cache reads at the price spread.
	u := ReconstructKiroUsage("claude-sonnet-4-5", 10, 0.03)

	assert.Greater(t, u.CacheReadTokens, 0)
	assert.LessOrEqual(t, u.CacheReadTokens, 20000)
	assert.Equal(t, 20000, u.InputTokens+u.CacheReadTokens)
	assert.Equal(t, 0, u.CacheCreateTokens)

	// saved = 0.03; spread = (3.0 - 0.3) / 1e6 per token → 11111 tokens.
	assert.InDelta(t, 11111, u.CacheReadTokens, 2)
}

func TestReconstructKiroUsageClampsToTotalInput(t *testing.T) {
	// Near-zero charge: the implied cache read clamps at the total input.
	u := ReconstructKiroUsage("claude-sonnet-4-5", 10, 0)
	assert.Equal(t, 20000, u.InputTokens+u.CacheReadTokens)
	assert.LessOrEqual(t, u.CacheReadTokens, 20000)
	assert.GreaterOrEqual(t, u.InputTokens, 0)
}

func TestReconstructKiroUsageZeroContext(t *testing.T) {
	u := ReconstructKiroUsage("claude-sonnet-4-5", 0, 0)
	assert.Equal(t, 0, u.InputTokens)
	assert.Equal(t, 0, u.CacheReadTokens)
}

func TestPricingForKiroModelFallbacks(t *testing.T) {
	exact := PricingForKiroModel("claude-sonnet-4-5")
	assert.Equal(t, 200000, exact.MaxContext)

	prefixed := PricingForKiroModel("anthropic.claude-sonnet-4-5-v1:0")
	assert.Equal(t, exact, prefixed)

	unknown := PricingForKiroModel("mystery-model")
	assert.Equal(t, kiroDefaultPricing, unknown)
}
