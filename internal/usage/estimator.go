package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// Tokenizer counts tokens in a string. It is a pure function; the default
// implementation wraps tiktoken, and tests substitute simpler ones.
type Tokenizer func(text string) int

// imageTokenEstimate is charged per image block in input estimation.
const imageTokenEstimate = 300

var (
	defaultEncoding     *tiktoken.Tiktoken
	defaultEncodingOnce sync.Once
)

// DefaultTokenizer returns the tiktoken-backed tokenizer. When the encoding
// cannot initialize, a bytes/4 heuristic stands in.
func DefaultTokenizer() Tokenizer {
	return func(text string) int {
		defaultEncodingOnce.Do(func() {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				utils.Warn("[Usage] tiktoken init failed, falling back to heuristic: %v", err)
				return
			}
			defaultEncoding = enc
		})
		if defaultEncoding == nil {
			return (len(text) + 3) / 4
		}
		return len(defaultEncoding.Encode(text, nil, nil))
	}
}

// Estimator derives token counts from payload shape when the upstream omits
// usage metadata.
type Estimator struct {
	tokenize Tokenizer
}

// NewEstimator creates an estimator. A nil tokenizer selects the default.
func NewEstimator(tokenize Tokenizer) *Estimator {
	if tokenize == nil {
		tokenize = DefaultTokenizer()
	}
	return &Estimator{tokenize: tokenize}
}

// CountText counts tokens in a plain string.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	return e.tokenize(text)
}

// EstimateAnthropicInput sums token estimates across the system prompt, all
// message content, and tool definitions. Images count a flat 300 tokens.
// The result is floored at 1.
func (e *Estimator) EstimateAnthropicInput(req *anthropic.MessagesRequest) int {
	total := 0

	for _, block := range req.SystemBlocks() {
		if block.Type == "text" {
			total += e.CountText(block.Text)
		}
	}

	for _, msg := range req.Messages {
		for _, block := range msg.Blocks() {
			switch block.Type {
			case "text":
				total += e.CountText(block.Text)
			case "thinking":
				total += e.CountText(block.Thinking)
			case "tool_use":
				total += e.CountText(string(block.Input))
			case "tool_result":
				total += e.CountText(string(block.Content))
			case "image":
				total += imageTokenEstimate
			}
		}
	}

	for _, tool := range req.Tools {
		total += e.CountText(tool.Name)
		total += e.CountText(tool.Description)
		total += e.CountText(string(tool.InputSchema))
	}

	if total < 1 {
		total = 1
	}
	return total
}

// KiroUsage is the reconstructed token view of a Kiro response.
type KiroUsage struct {
	InputTokens     int
	CacheReadTokens int
	// CacheCreateTokens stays 0; the upstream gives no basis to split it out.
	CacheCreateTokens int
}

// ReconstructKiroUsage converts the credit consumption reported by the Kiro
// stream into token counts using the model's pricing row.
//
// totalInput is the context window scaled by the reported usage percentage.
// When the charged credits undercut the expected input cost, the difference
// is attributed to cache reads at the input/cache-read price spread.
func ReconstructKiroUsage(model string, contextUsagePercentage, usageCredits float64) KiroUsage {
	pricing := PricingForKiroModel(model)

	if contextUsagePercentage < 0 {
		contextUsagePercentage = 0
	}
	totalInput := float64(pricing.MaxContext) * contextUsagePercentage / 100.0
	expectedCost := totalInput / 1e6 * pricing.InputPrice

	if usageCredits >= expectedCost || pricing.InputPrice <= pricing.CacheRead {
		return KiroUsage{InputTokens: int(totalInput)}
	}

	saved := expectedCost - usageCredits
	cacheRead := saved / (pricing.InputPrice - pricing.CacheRead) * 1e6
	if cacheRead < 0 {
		cacheRead = 0
	}
	if cacheRead > totalInput {
		cacheRead = totalInput
	}

	// Integer math keeps input + cacheRead exactly equal to the total.
	totalTokens := int(totalInput)
	cacheReadTokens := int(cacheRead)
	return KiroUsage{
		InputTokens:     totalTokens - cacheReadTokens,
		CacheReadTokens: cacheReadTokens,
	}
}
