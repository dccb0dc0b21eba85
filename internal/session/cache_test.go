package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheStickySetGet(t *testing.T) {
	c := NewCache()
	assert.Equal(t, "", c.GetConversationAccount("missing"))

	c.SetConversationAccount("conv-1", "acc-1")
	assert.Equal(t, "acc-1", c.GetConversationAccount("conv-1"))

	// Overwrite wins.
	c.SetConversationAccount("conv-1", "acc-2")
	assert.Equal(t, "acc-2", c.GetConversationAccount("conv-1"))
}

func TestCacheStickyExpiry(t *testing.T) {
	c := NewCacheWithTTL(20 * time.Millisecond)
	c.SetConversationAccount("conv", "acc")

	assert.Equal(t, "acc", c.GetConversationAccount("conv"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "", c.GetConversationAccount("conv"))
	assert.Equal(t, 0, c.ConversationCount())
}

func TestCacheStickySlidesOnRead(t *testing.T) {
	c := NewCacheWithTTL(40 * time.Millisecond)
	c.SetConversationAccount("conv", "acc")

	// Keep reading inside the window; the entry must stay alive past the
	// original deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, "acc", c.GetConversationAccount("conv"))
	}
}

func TestCacheIgnoresEmptyKeys(t *testing.T) {
	c := NewCache()
	c.SetConversationAccount("", "acc")
	c.SetConversationAccount("conv", "")
	assert.Equal(t, 0, c.ConversationCount())
	assert.Equal(t, "", c.GetConversationAccount(""))
}

func TestCacheQuotaOverwrite(t *testing.T) {
	c := NewCache()
	assert.Nil(t, c.GetQuota("acc"))

	first := &QuotaSnapshot{RequestsRemaining: 10, CapturedAt: time.Now()}
	c.SetQuota("acc", first)
	assert.Equal(t, first, c.GetQuota("acc"))

	second := &QuotaSnapshot{RequestsRemaining: 5, CapturedAt: time.Now()}
	c.SetQuota("acc", second)
	assert.Equal(t, second, c.GetQuota("acc"))
}
