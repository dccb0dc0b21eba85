package relay

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// KiroEventKind classifies frames lifted out of the CodeWhisperer
// event-stream body.
type KiroEventKind int

const (
	// KiroEventContent is a plain text delta.
	KiroEventContent KiroEventKind = iota
	// KiroEventToolOpen opens (and possibly immediately updates) a tool use.
	KiroEventToolOpen
	// KiroEventToolInput continues input for the open tool.
	KiroEventToolInput
	// KiroEventToolStop closes the open tool.
	KiroEventToolStop
	// KiroEventCredits reports credit consumption.
	KiroEventCredits
	// KiroEventContextUsage reports the prompt-context fraction.
	KiroEventContextUsage
	// KiroEventFollowup is an ignorable followup-prompt frame.
	KiroEventFollowup
)

// KiroEvent is one classified frame.
type KiroEvent struct {
	Kind KiroEventKind

	Text      string
	Name      string
	ToolUseID string
	Input     string
	Stop      bool

	Unit         string
	UsageCredits float64

	ContextUsagePercentage float64
}

// kiroFramePrefixes are the JSON prefixes that mark frame payloads inside
// the binary event-stream body.
var kiroFramePrefixes = []string{
	`{"content":`,
	`{"name":`,
	`{"followupPrompt":`,
	`{"input":`,
	`{"stop":`,
	`{"unit":`,
	`{"contextUsagePercentage":`,
}

// EventStreamReader scans a CodeWhisperer response body for known JSON frame
// payloads. Frames are detected by prefix, extracted as balanced objects
// with string/escape tracking, and classified. Consecutive identical content
// deltas are dropped (the upstream duplicates them across event envelopes).
type EventStreamReader struct {
	r   *bufio.Reader
	buf []byte

	lastContent string
	eof         bool
}

// NewEventStreamReader wraps the upstream body.
func NewEventStreamReader(r io.Reader) *EventStreamReader {
	return &EventStreamReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next classified frame, or io.EOF.
func (s *EventStreamReader) Next() (*KiroEvent, error) {
	for {
		start := s.findPrefix()
		if start < 0 {
			if s.eof {
				return nil, io.EOF
			}
			if err := s.fill(); err != nil {
				s.eof = true
				continue
			}
			continue
		}

		obj, ok := s.extractObject(start)
		if !ok {
			if s.eof {
				return nil, io.EOF
			}
			if err := s.fill(); err != nil {
				s.eof = true
			}
			continue
		}

		event := s.classify(obj)
		if event == nil {
			continue
		}
		if event.Kind == KiroEventContent {
			// Dedup against the immediately preceding delta.
			if event.Text == s.lastContent {
				continue
			}
			s.lastContent = event.Text
		}
		return event, nil
	}
}

// fill reads more bytes into the scan buffer.
func (s *EventStreamReader) fill() error {
	chunk := make([]byte, 8*1024)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if n == 0 && err != nil {
		return err
	}
	return nil
}

// findPrefix locates the earliest known frame prefix in the buffer.
func (s *EventStreamReader) findPrefix() int {
	best := -1
	hay := string(s.buf)
	for _, prefix := range kiroFramePrefixes {
		idx := strings.Index(hay, prefix)
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// extractObject pulls the balanced {...} starting at start. Returns false
// when the object is not yet complete in the buffer.
func (s *EventStreamReader) extractObject(start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s.buf); i++ {
		b := s.buf[i]
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
				if depth == 0 {
					obj := string(s.buf[start : i+1])
					s.buf = s.buf[i+1:]
					return obj, true
				}
			}
		}
	}
	// Incomplete; drop consumed garbage before the frame start.
	if start > 0 {
		s.buf = s.buf[start:]
	}
	return "", false
}

// classify maps a frame payload onto a KiroEvent.
func (s *EventStreamReader) classify(obj string) *KiroEvent {
	parsed := gjson.Parse(obj)

	if v := parsed.Get("followupPrompt"); v.Exists() {
		return &KiroEvent{Kind: KiroEventFollowup}
	}

	if v := parsed.Get("content"); v.Exists() {
		return &KiroEvent{Kind: KiroEventContent, Text: v.String()}
	}

	if v := parsed.Get("name"); v.Exists() {
		return &KiroEvent{
			Kind:      KiroEventToolOpen,
			Name:      v.String(),
			ToolUseID: parsed.Get("toolUseId").String(),
			Input:     parsed.Get("input").String(),
			Stop:      parsed.Get("stop").Bool(),
		}
	}

	if v := parsed.Get("unit"); v.Exists() {
		return &KiroEvent{
			Kind:         KiroEventCredits,
			Unit:         v.String(),
			UsageCredits: parsed.Get("usage").Float(),
		}
	}

	if v := parsed.Get("contextUsagePercentage"); v.Exists() {
		return &KiroEvent{Kind: KiroEventContextUsage, ContextUsagePercentage: v.Float()}
	}

	if v := parsed.Get("input"); v.Exists() {
		return &KiroEvent{Kind: KiroEventToolInput, Input: v.String()}
	}

	if v := parsed.Get("stop"); v.Exists() {
		return &KiroEvent{Kind: KiroEventToolStop, Stop: v.Bool()}
	}

	return nil
}
