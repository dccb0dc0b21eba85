package relay

import (
	"bufio"
	"encoding/json"
	"io"
)

// JSONArrayReader incrementally parses a top-level JSON array of objects and
// yields one completed object at a time without buffering the whole array.
// The Gemini non-SSE streaming endpoints respond in this shape.
type JSONArrayReader struct {
	r *bufio.Reader

	started  bool
	finished bool
}

// NewJSONArrayReader wraps the upstream body.
func NewJSONArrayReader(r io.Reader) *JSONArrayReader {
	return &JSONArrayReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete object from the array, or io.EOF when the
// array closes or the stream ends.
func (p *JSONArrayReader) Next() (json.RawMessage, error) {
	if p.finished {
		return nil, io.EOF
	}

	// Skip to the opening bracket once, then to each object start.
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			p.finished = true
			return nil, err
		}
		switch b {
		case ' ', '\t', '\r', '\n', ',':
			continue
		case '[':
			if !p.started {
				p.started = true
				continue
			}
			// Nested array at the top level is unexpected; treat as end.
			p.finished = true
			return nil, io.EOF
		case ']':
			p.finished = true
			return nil, io.EOF
		case '{':
			return p.readObject()
		default:
			// Garbage between elements; keep scanning.
			continue
		}
	}
}

// readObject consumes a balanced {...} starting after the opening brace,
// tracking string and escape state.
func (p *JSONArrayReader) readObject() (json.RawMessage, error) {
	buf := []byte{'{'}
	depth := 1
	inString := false
	escaped := false

	for depth > 0 {
		b, err := p.r.ReadByte()
		if err != nil {
			p.finished = true
			return nil, err
		}
		buf = append(buf, b)

		if escaped {
			escaped = false
			continue
		}
		switch b {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
			}
		}
	}

	return json.RawMessage(buf), nil
}
