package relay

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainArray(t *testing.T, r io.Reader) []string {
	t.Helper()
	reader := NewJSONArrayReader(r)
	var out []string
	for {
		obj, err := reader.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		require.True(t, json.Valid(obj), "yielded object must be valid JSON: %s", obj)
		out = append(out, string(obj))
	}
}

func TestJSONArrayReaderBasic(t *testing.T) {
	objs := drainArray(t, strings.NewReader(`[{"a":1},{"b":2},{"c":3}]`))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, objs)
}

func TestJSONArrayReaderWhitespaceAndNewlines(t *testing.T) {
	objs := drainArray(t, strings.NewReader("[\n  {\"a\": 1},\n  {\"b\": 2}\n]\n"))
	require.Len(t, objs, 2)
}

func TestJSONArrayReaderNestedObjectsAndStrings(t *testing.T) {
	input := `[{"text":"a } b","inner":{"x":[1,2]}},{"esc":"quote \" brace {"}]`
	objs := drainArray(t, strings.NewReader(input))
	require.Len(t, objs, 2)
	assert.Equal(t, `{"text":"a } b","inner":{"x":[1,2]}}`, objs[0])
}

func TestJSONArrayReaderChunkedInput(t *testing.T) {
	objs := drainArray(t, &chunkedReader{chunks: []string{
		`[{"candidates":[{"content":`, `{"parts":[{"text":"hi"}]}}]},`, `{"usageMetadata":{"promptTokenCount":3}}]`,
	}})
	require.Len(t, objs, 2)

	var chunk map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(objs[1]), &chunk))
	assert.Contains(t, chunk, "usageMetadata")
}

func TestJSONArrayReaderEmptyArray(t *testing.T) {
	objs := drainArray(t, strings.NewReader(`[]`))
	assert.Empty(t, objs)
}

func TestJSONArrayReaderTruncatedStream(t *testing.T) {
	reader := NewJSONArrayReader(strings.NewReader(`[{"a":1},{"b":`))
	obj, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(obj))

	_, err = reader.Next()
	assert.Error(t, err)
}
