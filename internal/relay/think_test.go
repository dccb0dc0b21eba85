package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect feeds chunks and merges the resulting segments.
func collect(t *testing.T, chunks []string) []ThinkSegment {
	t.Helper()
	parser := NewThinkTagParser()
	var out []ThinkSegment
	for _, chunk := range chunks {
		for _, seg := range parser.Feed(chunk) {
			out = appendSegment(out, seg)
		}
	}
	for _, seg := range parser.Flush() {
		out = appendSegment(out, seg)
	}
	return out
}

func TestThinkTagParserWholeInput(t *testing.T) {
	segments := collect(t, []string{"Hello <think>reasoning</think> world"})
	require.Len(t, segments, 3)
	assert.Equal(t, ThinkSegment{Thinking: false, Text: "Hello "}, segments[0])
	assert.Equal(t, ThinkSegment{Thinking: true, Text: "reasoning"}, segments[1])
	assert.Equal(t, ThinkSegment{Thinking: false, Text: " world"}, segments[2])
}

func TestThinkTagParserChunkedScenario(t *testing.T) {
	// Chunks split mid-tag on both the opening and closing side.
	segments := collect(t, []string{"Hel", "lo <th", "ink>reasoning</think> wo", "rld"})
	require.Len(t, segments, 3)
	assert.Equal(t, "Hello ", segments[0].Text)
	assert.False(t, segments[0].Thinking)
	assert.Equal(t, "reasoning", segments[1].Text)
	assert.True(t, segments[1].Thinking)
	assert.Equal(t, " world", segments[2].Text)
	assert.False(t, segments[2].Thinking)
}

// TestThinkTagParserAllPartitions verifies that every bytewise split point
// of the input yields the same segments as feeding it whole.
func TestThinkTagParserAllPartitions(t *testing.T) {
	input := "a<think>X</think>b<think>Y</think>"
	want := collect(t, []string{input})

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			got := collect(t, []string{input[:i], input[i:j], input[j:]})
			assert.Equal(t, want, got, "split at %d/%d", i, j)
		}
	}
}

func TestThinkTagParserNoTags(t *testing.T) {
	segments := collect(t, []string{"just ", "plain ", "text"})
	require.Len(t, segments, 1)
	assert.Equal(t, "just plain text", segments[0].Text)
	assert.False(t, segments[0].Thinking)
}

func TestThinkTagParserUnclosedThink(t *testing.T) {
	segments := collect(t, []string{"before<think>never closed"})
	require.Len(t, segments, 2)
	assert.Equal(t, "before", segments[0].Text)
	assert.True(t, segments[1].Thinking)
	assert.Equal(t, "never closed", segments[1].Text)
}

func TestThinkTagParserFalseTagPrefix(t *testing.T) {
	// "<thin" followed by something that is not the tag must surface as text.
	segments := collect(t, []string{"a<thin", "king cap"})
	require.Len(t, segments, 1)
	assert.Equal(t, "a<thinking cap", segments[0].Text)
}
