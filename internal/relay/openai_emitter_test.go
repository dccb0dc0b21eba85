package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorwell/polygate/pkg/openai"
)

// chunkRecorder captures emitted OpenAI chunks.
type chunkRecorder struct {
	chunks []*openai.ChatResponse
	done   bool
}

func (r *chunkRecorder) WriteData(data interface{}) error {
	if chunk, ok := data.(*openai.ChatResponse); ok {
		r.chunks = append(r.chunks, chunk)
	}
	return nil
}

func (r *chunkRecorder) WriteDone() error {
	r.done = true
	return nil
}

func TestOpenAIEmitterTextStream(t *testing.T) {
	sink := &chunkRecorder{}
	e := NewOpenAIEmitter(sink, "gpt-test")

	e.Text("Hello")
	e.Text(" there")
	e.SetUsage(10, 2)
	e.Finish()

	require.NoError(t, e.Err())
	require.True(t, sink.done)
	require.Len(t, sink.chunks, 4)

	// role chunk first
	assert.Equal(t, "assistant", sink.chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hello", sink.chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, " there", sink.chunks[2].Choices[0].Delta.Content)

	terminal := sink.chunks[3]
	require.NotNil(t, terminal.Choices[0].FinishReason)
	assert.Equal(t, "stop", *terminal.Choices[0].FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 10, terminal.Usage.PromptTokens)
	assert.Equal(t, 2, terminal.Usage.CompletionTokens)
	assert.Equal(t, 12, terminal.Usage.TotalTokens)
}

func TestOpenAIEmitterToolCalls(t *testing.T) {
	sink := &chunkRecorder{}
	e := NewOpenAIEmitter(sink, "gpt-test")

	e.OpenTool("toolu_1", "search")
	e.ToolInput(`{"q":`)
	e.ToolInput(`"go"}`)
	e.CloseTool()
	e.Finish()

	require.True(t, sink.done)
	terminal := sink.chunks[len(sink.chunks)-1]
	require.NotNil(t, terminal.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *terminal.Choices[0].FinishReason)

	calls := terminal.Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, calls[0].Function.Arguments)
}

func TestOpenAIEmitterEmptyStream(t *testing.T) {
	sink := &chunkRecorder{}
	e := NewOpenAIEmitter(sink, "gpt-test")

	e.Finish()

	require.True(t, sink.done)
	// role chunk plus terminal chunk
	require.Len(t, sink.chunks, 2)
	assert.Equal(t, "stop", *sink.chunks[1].Choices[0].FinishReason)
}
