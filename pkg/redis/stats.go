package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StatsTTL bounds how long hourly usage buckets live (30 days).
const StatsTTL = 30 * 24 * time.Hour

// StatsStore records per-account, per-model token usage into hourly hashes.
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a StatsStore.
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// HourlyUsage is one hour's aggregated usage.
type HourlyUsage struct {
	Hour     string                   `json:"hour"` // "2026-08-02T14"
	Requests int64                    `json:"requests"`
	Models   map[string]*ModelUsage   `json:"models"`
	Accounts map[string]*AccountUsage `json:"accounts"`
}

// ModelUsage aggregates usage for one model.
type ModelUsage struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// AccountUsage aggregates usage for one account.
type AccountUsage struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// currentHourKey formats the bucket key for now.
func currentHourKey() string {
	return time.Now().UTC().Format("2006-01-02T15")
}

// RecordUsage adds one request's token usage to the current hour bucket.
func (s *StatsStore) RecordUsage(ctx context.Context, accountID, model string, promptTokens, completionTokens int64) error {
	key := PrefixStats + currentHourKey()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "_requests", 1)
	pipe.HIncrBy(ctx, key, "model:"+model+":requests", 1)
	pipe.HIncrBy(ctx, key, "model:"+model+":prompt", promptTokens)
	pipe.HIncrBy(ctx, key, "model:"+model+":completion", completionTokens)
	pipe.HIncrBy(ctx, key, "account:"+accountID+":requests", 1)
	pipe.HIncrBy(ctx, key, "account:"+accountID+":prompt", promptTokens)
	pipe.HIncrBy(ctx, key, "account:"+accountID+":completion", completionTokens)
	pipe.Expire(ctx, key, StatsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetHourlyUsage reads one hour bucket, or nil when empty.
func (s *StatsStore) GetHourlyUsage(ctx context.Context, hourKey string) (*HourlyUsage, error) {
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	usage := &HourlyUsage{
		Hour:     hourKey,
		Models:   make(map[string]*ModelUsage),
		Accounts: make(map[string]*AccountUsage),
	}

	for field, raw := range data {
		value, _ := strconv.ParseInt(raw, 10, 64)
		switch {
		case field == "_requests":
			usage.Requests = value

		case strings.HasPrefix(field, "model:"):
			name, metric, ok := splitUsageField(strings.TrimPrefix(field, "model:"))
			if !ok {
				continue
			}
			m := usage.Models[name]
			if m == nil {
				m = &ModelUsage{}
				usage.Models[name] = m
			}
			applyMetric(&m.Requests, &m.PromptTokens, &m.CompletionTokens, metric, value)

		case strings.HasPrefix(field, "account:"):
			name, metric, ok := splitUsageField(strings.TrimPrefix(field, "account:"))
			if !ok {
				continue
			}
			a := usage.Accounts[name]
			if a == nil {
				a = &AccountUsage{}
				usage.Accounts[name] = a
			}
			applyMetric(&a.Requests, &a.PromptTokens, &a.CompletionTokens, metric, value)
		}
	}

	return usage, nil
}

// GetRecentUsage reads the last n hour buckets, oldest first.
func (s *StatsStore) GetRecentUsage(ctx context.Context, n int) ([]*HourlyUsage, error) {
	if n <= 0 {
		n = 24
	}
	keys := make([]string, 0, n)
	now := time.Now().UTC()
	for i := n - 1; i >= 0; i-- {
		keys = append(keys, now.Add(-time.Duration(i)*time.Hour).Format("2006-01-02T15"))
	}
	sort.Strings(keys)

	out := make([]*HourlyUsage, 0, n)
	for _, key := range keys {
		usage, err := s.GetHourlyUsage(ctx, key)
		if err != nil {
			return nil, err
		}
		if usage != nil {
			out = append(out, usage)
		}
	}
	return out, nil
}

// splitUsageField splits "name:metric" where name may itself contain colons.
func splitUsageField(s string) (name, metric string, ok bool) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func applyMetric(requests, prompt, completion *int64, metric string, value int64) {
	switch metric {
	case "requests":
		*requests = value
	case "prompt":
		*prompt = value
	case "completion":
		*completion = value
	}
}
