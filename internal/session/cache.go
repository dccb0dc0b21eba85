package session

import (
	"sync"
	"time"

	"github.com/mirrorwell/polygate/internal/config"
)

// QuotaSnapshot captures the most recent upstream rate-limit view for an
// account. Anthropic responses populate it from the ratelimit headers; the
// Kiro channel records only CreditsUsed, taken from the credit frames of the
// response stream, and issues no separate usage-limits request.
type QuotaSnapshot struct {
	RequestsLimit      int       `json:"requestsLimit,omitempty"`
	RequestsRemaining  int       `json:"requestsRemaining,omitempty"`
	RequestsReset      time.Time `json:"requestsReset,omitempty"`
	InputTokensLimit   int       `json:"inputTokensLimit,omitempty"`
	InputTokensRemain  int       `json:"inputTokensRemaining,omitempty"`
	OutputTokensLimit  int       `json:"outputTokensLimit,omitempty"`
	OutputTokensRemain int       `json:"outputTokensRemaining,omitempty"`
	CreditsUsed        float64   `json:"creditsUsed,omitempty"`
	CapturedAt         time.Time `json:"capturedAt"`
}

type convEntry struct {
	accountID string
	expiresAt time.Time
}

// Cache is the process-wide sticky-session and quota store. Conversation
// entries slide on read and expire lazily; quota snapshots are overwritten
// and never expire.
type Cache struct {
	mu    sync.Mutex
	conv  map[string]convEntry
	quota map[string]*QuotaSnapshot

	ttl      time.Duration
	accesses int
}

// sweepEvery triggers an opportunistic full expiry sweep every N accesses.
const sweepEvery = 512

// NewCache creates an empty cache with the default 60-minute sticky TTL.
func NewCache() *Cache {
	return &Cache{
		conv:  make(map[string]convEntry),
		quota: make(map[string]*QuotaSnapshot),
		ttl:   config.StickySessionTTLMinutes * time.Minute,
	}
}

// NewCacheWithTTL creates a cache with a custom sticky TTL (tests).
func NewCacheWithTTL(ttl time.Duration) *Cache {
	c := NewCache()
	c.ttl = ttl
	return c
}

// GetConversationAccount returns the sticky account id for the conversation,
// or "" on miss or expiry. A hit slides the TTL.
func (c *Cache) GetConversationAccount(key string) string {
	if key == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeSweepLocked()

	entry, ok := c.conv[key]
	if !ok {
		return ""
	}
	now := time.Now()
	if now.After(entry.expiresAt) {
		delete(c.conv, key)
		return ""
	}
	entry.expiresAt = now.Add(c.ttl)
	c.conv[key] = entry
	return entry.accountID
}

// SetConversationAccount records the account that served the conversation.
// Call only after a successful upstream response.
func (c *Cache) SetConversationAccount(key, accountID string) {
	if key == "" || accountID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeSweepLocked()
	c.conv[key] = convEntry{
		accountID: accountID,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// DropConversation removes a sticky entry.
func (c *Cache) DropConversation(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conv, key)
}

// SetQuota overwrites the quota snapshot for the account.
func (c *Cache) SetQuota(accountID string, snapshot *QuotaSnapshot) {
	if accountID == "" || snapshot == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota[accountID] = snapshot
}

// GetQuota returns the latest quota snapshot for the account, or nil.
func (c *Cache) GetQuota(accountID string) *QuotaSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quota[accountID]
}

// ConversationCount returns the number of live sticky entries (tests,
// status endpoints).
func (c *Cache) ConversationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conv)
}

// maybeSweepLocked drops expired conversation entries every sweepEvery
// accesses so the map does not grow without bound.
func (c *Cache) maybeSweepLocked() {
	c.accesses++
	if c.accesses%sweepEvery != 0 {
		return
	}
	now := time.Now()
	for key, entry := range c.conv {
		if now.After(entry.expiresAt) {
			delete(c.conv, key)
		}
	}
}
