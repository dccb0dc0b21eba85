// Package session provides the process-wide conversation stickiness and
// quota snapshot cache.
package session

import (
	"sort"
	"strings"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/anthropic"
)

// Fingerprint input caps keep the seed stable across clients that append to
// long conversations.
const (
	maxUserTextSeed = 1024
	maxSystemSeed   = 512
)

// AnthropicKey derives a stable conversation key for an Anthropic-dialect
// request. The seed combines the caller's user id, an explicit thread id,
// the earliest user text, the system text, and the sorted tool names.
func AnthropicKey(req *anthropic.MessagesRequest) string {
	var sb strings.Builder

	if req.Metadata != nil {
		if req.Metadata.UserID != "" {
			sb.WriteString("user:")
			sb.WriteString(req.Metadata.UserID)
			sb.WriteString(";")
		}
		if req.Metadata.ThreadID != "" {
			sb.WriteString("thread:")
			sb.WriteString(req.Metadata.ThreadID)
			sb.WriteString(";")
		}
	}

	if text := earliestUserText(req.Messages); text != "" {
		sb.WriteString("first:")
		sb.WriteString(truncateSeed(normalizeNewlines(text), maxUserTextSeed))
		sb.WriteString(";")
	}

	if system := req.SystemText(); system != "" {
		sb.WriteString("system:")
		sb.WriteString(truncateSeed(normalizeNewlines(system), maxSystemSeed))
		sb.WriteString(";")
	}

	if len(req.Tools) > 0 {
		names := make([]string, 0, len(req.Tools))
		for _, tool := range req.Tools {
			names = append(names, tool.Name)
		}
		sort.Strings(names)
		sb.WriteString("tools:")
		sb.WriteString(strings.Join(names, ","))
	}

	return "anthropic_" + utils.SHA256Hex(sb.String())
}

// earliestUserText returns the text of the first user message.
func earliestUserText(messages []anthropic.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Blocks() {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

// normalizeNewlines collapses CRLF line endings so the same prompt hashes
// identically across platforms.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// truncateSeed cuts the seed contribution at max bytes.
func truncateSeed(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
