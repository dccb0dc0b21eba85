package relay

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader yields the given chunks one Read at a time.
type chunkedReader struct {
	chunks []string
	idx    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.idx >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.idx])
	r.chunks[r.idx] = r.chunks[r.idx][n:]
	if r.chunks[r.idx] == "" {
		r.idx++
	}
	return n, nil
}

// drain collects every event from the reader.
func drain(t *testing.T, r io.Reader) []*KiroEvent {
	t.Helper()
	reader := NewEventStreamReader(r)
	var out []*KiroEvent
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, event)
	}
}

func TestEventStreamContentFrames(t *testing.T) {
	// Frames embedded in event-stream envelope noise.
	body := "\x00\x00\x01:event{\"content\":\"Hel\"}garbage{\"content\":\"lo\"}"
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 2)
	assert.Equal(t, KiroEventContent, events[0].Kind)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
}

func TestEventStreamDeduplicatesRepeatedContent(t *testing.T) {
	body := `{"content":"same"}{"content":"same"}{"content":"other"}{"content":"same"}`
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 3)
	assert.Equal(t, "same", events[0].Text)
	assert.Equal(t, "other", events[1].Text)
	assert.Equal(t, "same", events[2].Text)
}

func TestEventStreamToolLifecycle(t *testing.T) {
	body := `{"name":"search","toolUseId":"t1","input":"{\"q\":"}` +
		`{"input":"\"go\"}"}` +
		`{"stop":true}`
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 3)
	assert.Equal(t, KiroEventToolOpen, events[0].Kind)
	assert.Equal(t, "search", events[0].Name)
	assert.Equal(t, "t1", events[0].ToolUseID)
	assert.Equal(t, `{"q":`, events[0].Input)

	assert.Equal(t, KiroEventToolInput, events[1].Kind)
	assert.Equal(t, `"go"}`, events[1].Input)

	assert.Equal(t, KiroEventToolStop, events[2].Kind)
	assert.True(t, events[2].Stop)
}

func TestEventStreamUsageFrames(t *testing.T) {
	body := `{"unit":"CREDIT","usage":0.375}{"contextUsagePercentage":12.5}`
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 2)
	assert.Equal(t, KiroEventCredits, events[0].Kind)
	assert.Equal(t, "CREDIT", events[0].Unit)
	assert.InDelta(t, 0.375, events[0].UsageCredits, 1e-9)

	assert.Equal(t, KiroEventContextUsage, events[1].Kind)
	assert.InDelta(t, 12.5, events[1].ContextUsagePercentage, 1e-9)
}

func TestEventStreamFrameSplitAcrossReads(t *testing.T) {
	events := drain(t, &chunkedReader{chunks: []string{
		`{"content":"He`, `llo"}`, `{"cont`, `ent":"!"}`,
	}})

	require.Len(t, events, 2)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, "!", events[1].Text)
}

func TestEventStreamEscapedBracesInsideStrings(t *testing.T) {
	body := `{"content":"brace } inside \" and {"}`
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 1)
	assert.Equal(t, `brace } inside " and {`, events[0].Text)
}

func TestEventStreamFollowupPromptIgnorable(t *testing.T) {
	body := `{"followupPrompt":{"content":"more?"}}{"content":"done"}`
	events := drain(t, strings.NewReader(body))

	require.Len(t, events, 2)
	assert.Equal(t, KiroEventFollowup, events[0].Kind)
	assert.Equal(t, "done", events[1].Text)
}
