package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrorwell/polygate/pkg/anthropic"
)

func messagesWithText(text string) []anthropic.Message {
	content, _ := json.Marshal(text)
	return []anthropic.Message{{Role: "user", Content: content}}
}

func TestAnthropicKeyStable(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:    "claude-sonnet-4-5",
		Messages: messagesWithText("hello"),
	}
	a := AnthropicKey(req)
	b := AnthropicKey(req)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "anthropic_"))
	assert.Len(t, a, len("anthropic_")+64)
}

func TestAnthropicKeyDistinguishesConversations(t *testing.T) {
	a := AnthropicKey(&anthropic.MessagesRequest{Messages: messagesWithText("hello")})
	b := AnthropicKey(&anthropic.MessagesRequest{Messages: messagesWithText("goodbye")})
	assert.NotEqual(t, a, b)
}

func TestAnthropicKeyNewlineNormalization(t *testing.T) {
	a := AnthropicKey(&anthropic.MessagesRequest{Messages: messagesWithText("line1\r\nline2")})
	b := AnthropicKey(&anthropic.MessagesRequest{Messages: messagesWithText("line1\nline2")})
	assert.Equal(t, a, b)
}

func TestAnthropicKeyToolOrderInsensitive(t *testing.T) {
	base := messagesWithText("hello")
	a := AnthropicKey(&anthropic.MessagesRequest{
		Messages: base,
		Tools:    []anthropic.Tool{{Name: "beta"}, {Name: "alpha"}},
	})
	b := AnthropicKey(&anthropic.MessagesRequest{
		Messages: base,
		Tools:    []anthropic.Tool{{Name: "alpha"}, {Name: "beta"}},
	})
	assert.Equal(t, a, b)
}

func TestAnthropicKeyGrowingConversationStable(t *testing.T) {
	first, _ := json.Marshal("the opening question")
	later, _ := json.Marshal("a follow-up")
	a := AnthropicKey(&anthropic.MessagesRequest{
		Messages: []anthropic.Message{{Role: "user", Content: first}},
	})
	b := AnthropicKey(&anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: first},
			{Role: "assistant", Content: later},
			{Role: "user", Content: later},
		},
	})
	assert.Equal(t, a, b)
}

func TestAnthropicKeyUserIDContributes(t *testing.T) {
	base := messagesWithText("hello")
	a := AnthropicKey(&anthropic.MessagesRequest{Messages: base, Metadata: &anthropic.Metadata{UserID: "u1"}})
	b := AnthropicKey(&anthropic.MessagesRequest{Messages: base, Metadata: &anthropic.Metadata{UserID: "u2"}})
	assert.NotEqual(t, a, b)
}
