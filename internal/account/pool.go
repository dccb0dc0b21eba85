package account

import (
	"sort"
	"sync"
	"time"

	"github.com/mirrorwell/polygate/internal/utils"
)

// Pool holds the provider accounts and serves selection requests.
// Accounts are owned by an external store and registered here by reference;
// the pool mutates only selection state and usage counters.
type Pool struct {
	mu       sync.RWMutex
	accounts []*Account
	byID     map[string]*Account

	// rrSeq rotates the pick among never-used accounts per provider.
	rrSeq map[Provider]int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		byID:  make(map[string]*Account),
		rrSeq: make(map[Provider]int),
	}
}

// Add registers an account. A second account with the same id replaces the
// first.
func (p *Pool) Add(acc *Account) {
	if acc == nil || acc.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.byID[acc.ID]; ok {
		for i, a := range p.accounts {
			if a == old {
				p.accounts[i] = acc
				break
			}
		}
	} else {
		p.accounts = append(p.accounts, acc)
	}
	p.byID[acc.ID] = acc
}

// Remove unregisters an account by id.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	for i, a := range p.accounts {
		if a == acc {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered accounts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// All returns a snapshot of the registered accounts.
func (p *Pool) All() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// TryGet returns the account with the given id, or nil.
func (p *Pool) TryGet(id string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// SelectByProvider returns an enabled, non-rate-limited account whose
// provider is in the argument list. Providers are tried in argument order;
// within one provider, candidates order by least recently used. While
// never-used accounts remain, a per-provider round-robin counter picks among
// them; accounts last used in the same millisecond keep pool order. Accounts
// in the tried set are skipped.
// Returns nil when no candidate qualifies.
func (p *Pool) SelectByProvider(tried *TriedSet, providers ...Provider) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, provider := range providers {
		candidates := make([]*Account, 0, len(p.accounts))
		for _, acc := range p.accounts {
			if acc.Provider != provider {
				continue
			}
			if tried.Has(acc.ID) {
				continue
			}
			if !acc.Selectable(now) {
				continue
			}
			candidates = append(candidates, acc)
		}
		if len(candidates) == 0 {
			continue
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Usage.LastUsedUnixMs.Load() < candidates[j].Usage.LastUsedUnixMs.Load()
		})

		// Rotate among never-used accounts so cold pools spread evenly.
		idx := 0
		if candidates[0].Usage.LastUsedUnixMs.Load() == 0 {
			zero := 0
			for zero < len(candidates) && candidates[zero].Usage.LastUsedUnixMs.Load() == 0 {
				zero++
			}
			idx = p.rrSeq[provider] % zero
			p.rrSeq[provider]++
		}

		selected := candidates[idx]
		selected.Usage.LastUsedUnixMs.Store(now.UnixMilli())
		return selected
	}
	return nil
}

// Disable sets enable=false on the account. Idempotent; unknown ids are a
// no-op.
func (p *Pool) Disable(id string) {
	p.DisableWithReason(id, "")
}

// DisableWithReason disables the account and records why.
func (p *Pool) DisableWithReason(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.byID[id]
	if !ok || !acc.Enabled {
		return
	}
	acc.Enabled = false
	acc.DisableReason = reason
	utils.Warn("[AccountPool] Disabled account %s (%s): %s", acc.ID, acc.Email, reason)
}

// Enable re-enables a disabled account.
func (p *Pool) Enable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if acc, ok := p.byID[id]; ok {
		acc.Enabled = true
		acc.DisableReason = ""
	}
}

// MarkRateLimited flags the account limited until now+resetSeconds.
func (p *Pool) MarkRateLimited(id string, resetSeconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.byID[id]
	if !ok {
		return
	}
	acc.RateLimited = true
	acc.RateLimitReset = time.Now().Add(time.Duration(resetSeconds) * time.Second)
	utils.Info("[AccountPool] Account %s rate-limited for %ds", acc.ID, resetSeconds)
}

// ClearRateLimit removes the rate-limit flag.
func (p *Pool) ClearRateLimit(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if acc, ok := p.byID[id]; ok {
		acc.RateLimited = false
		acc.RateLimitReset = time.Time{}
	}
}

// ResetAllRateLimits clears rate limits on every account of the given
// providers. Used for optimistic retry when an entire pool is limited.
func (p *Pool) ResetAllRateLimits(providers ...Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, acc := range p.accounts {
		for _, provider := range providers {
			if acc.Provider == provider {
				acc.RateLimited = false
				acc.RateLimitReset = time.Time{}
			}
		}
	}
}

// AllRateLimited reports whether every enabled account of the given providers
// is currently rate-limited.
func (p *Pool) AllRateLimited(providers ...Provider) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	sawAny := false
	for _, acc := range p.accounts {
		match := false
		for _, provider := range providers {
			if acc.Provider == provider {
				match = true
				break
			}
		}
		if !match || !acc.Enabled {
			continue
		}
		sawAny = true
		if acc.Selectable(now) {
			return false
		}
	}
	return sawAny
}

// RecordTokenUsage atomically adds token counts to the account's counters.
func (p *Pool) RecordTokenUsage(id string, prompt, completion, cacheRead, cacheCreate int) {
	acc := p.TryGet(id)
	if acc == nil {
		return
	}
	if prompt > 0 {
		acc.Usage.PromptTokens.Add(int64(prompt))
	}
	if completion > 0 {
		acc.Usage.CompletionTokens.Add(int64(completion))
	}
	if cacheRead > 0 {
		acc.Usage.CacheReadTokens.Add(int64(cacheRead))
	}
	if cacheCreate > 0 {
		acc.Usage.CacheCreateTokens.Add(int64(cacheCreate))
	}
	acc.Usage.RequestCount.Add(1)
	acc.Usage.LastUsedUnixMs.Store(time.Now().UnixMilli())
}
