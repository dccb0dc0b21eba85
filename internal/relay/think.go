package relay

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// ThinkSegment is a run of streamed text classified as thinking or plain.
type ThinkSegment struct {
	Thinking bool
	Text     string
}

// ThinkTagParser lifts <think>…</think> spans out of a plain text stream.
// Tag detection tolerates arbitrary chunk splits: when the tail of the
// buffered text is a proper prefix of the tag being searched for, the tail
// is held back and prepended to the next chunk, so any bytewise partitioning
// of the input yields the same segment sequence.
type ThinkTagParser struct {
	buf     string
	inThink bool
}

// NewThinkTagParser creates a parser starting in plain-text state.
func NewThinkTagParser() *ThinkTagParser {
	return &ThinkTagParser{}
}

// Feed consumes the next chunk and returns the segments that became
// unambiguous.
func (p *ThinkTagParser) Feed(chunk string) []ThinkSegment {
	p.buf += chunk
	var segments []ThinkSegment

	for {
		tag := thinkOpenTag
		if p.inThink {
			tag = thinkCloseTag
		}

		idx := strings.Index(p.buf, tag)
		if idx >= 0 {
			if idx > 0 {
				segments = appendSegment(segments, ThinkSegment{Thinking: p.inThink, Text: p.buf[:idx]})
			}
			p.buf = p.buf[idx+len(tag):]
			p.inThink = !p.inThink
			continue
		}

		// Hold back a tail that could still become the tag.
		hold := tagPrefixTail(p.buf, tag)
		if emit := p.buf[:len(p.buf)-hold]; emit != "" {
			segments = appendSegment(segments, ThinkSegment{Thinking: p.inThink, Text: emit})
		}
		p.buf = p.buf[len(p.buf)-hold:]
		return segments
	}
}

// Flush returns any held-back text as a final segment.
func (p *ThinkTagParser) Flush() []ThinkSegment {
	if p.buf == "" {
		return nil
	}
	segment := ThinkSegment{Thinking: p.inThink, Text: p.buf}
	p.buf = ""
	return []ThinkSegment{segment}
}

// tagPrefixTail returns the length of the longest suffix of s that is a
// proper prefix of tag.
func tagPrefixTail(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

// appendSegment merges consecutive segments of the same kind.
func appendSegment(segments []ThinkSegment, seg ThinkSegment) []ThinkSegment {
	if n := len(segments); n > 0 && segments[n-1].Thinking == seg.Thinking {
		segments[n-1].Text += seg.Text
		return segments
	}
	return append(segments, seg)
}
