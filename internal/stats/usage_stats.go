// Package stats aggregates request usage into the Redis stats store with an
// in-memory fallback when Redis is not configured.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/redis"
)

// UsageStats implements the dispatch engine's UsageRecorder contract.
// Writes happen asynchronously so the hot path never blocks on Redis.
type UsageStats struct {
	store *redis.StatsStore

	mu       sync.Mutex
	memory   map[string]*memoryBucket
	shutdown chan struct{}
	pending  sync.WaitGroup
}

// memoryBucket mirrors the Redis aggregates when running without Redis.
type memoryBucket struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
}

// New creates a UsageStats. client may be nil.
func New(client *redis.Client) *UsageStats {
	var store *redis.StatsStore
	if client != nil {
		store = redis.NewStatsStore(client)
	}
	return &UsageStats{
		store:    store,
		memory:   make(map[string]*memoryBucket),
		shutdown: make(chan struct{}),
	}
}

// RecordUsage records one request's usage.
func (u *UsageStats) RecordUsage(accountID, model string, promptTokens, completionTokens int) {
	u.mu.Lock()
	bucket := u.memory[model]
	if bucket == nil {
		bucket = &memoryBucket{}
		u.memory[model] = bucket
	}
	bucket.Requests++
	bucket.PromptTokens += int64(promptTokens)
	bucket.CompletionTokens += int64(completionTokens)
	u.mu.Unlock()

	if u.store == nil {
		return
	}

	select {
	case <-u.shutdown:
		return
	default:
	}

	u.pending.Add(1)
	go func() {
		defer u.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.store.RecordUsage(ctx, accountID, model, int64(promptTokens), int64(completionTokens)); err != nil {
			utils.Debug("[UsageStats] Failed to record usage: %v", err)
		}
	}()
}

// Snapshot returns the in-memory per-model aggregates.
func (u *UsageStats) Snapshot() map[string]memoryBucket {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]memoryBucket, len(u.memory))
	for model, bucket := range u.memory {
		out[model] = *bucket
	}
	return out
}

// Recent returns up to n recent hourly buckets from Redis, or nil without it.
func (u *UsageStats) Recent(ctx context.Context, n int) ([]*redis.HourlyUsage, error) {
	if u.store == nil {
		return nil, nil
	}
	return u.store.GetRecentUsage(ctx, n)
}

// Shutdown waits for in-flight writes.
func (u *UsageStats) Shutdown() {
	close(u.shutdown)
	u.pending.Wait()
}
