package account

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileAccount is the on-disk account shape handed over by the external
// store. The credential blob decodes into the variant matching the provider.
type fileAccount struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Email      string          `json:"email,omitempty"`
	Provider   Provider        `json:"provider"`
	BaseURL    string          `json:"baseUrl,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Credential json.RawMessage `json:"credential"`
}

// LoadFile reads accounts from a JSON file. Each entry's credential blob
// decodes into the variant matching its provider tag; entries that fail
// validation are returned as errors rather than silently skipped.
func LoadFile(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []fileAccount
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	accounts := make([]*Account, 0, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			return nil, fmt.Errorf("account %d: missing id", i)
		}

		cred, err := decodeCredential(entry.Provider, entry.Credential)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", entry.ID, err)
		}

		acc := &Account{
			ID:         entry.ID,
			Name:       entry.Name,
			Email:      entry.Email,
			Provider:   entry.Provider,
			BaseURL:    entry.BaseURL,
			Credential: cred,
			Enabled:    entry.Enabled == nil || *entry.Enabled,
		}
		if err := acc.ValidateCredential(); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// decodeCredential decodes the blob into the provider's variant.
func decodeCredential(provider Provider, raw json.RawMessage) (Credential, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing credential")
	}

	switch provider {
	case ProviderOpenAI, ProviderClaude, ProviderFactory:
		var cred OAuthCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, err
		}
		cred.Family = provider
		return &cred, nil

	case ProviderGemini, ProviderGeminiAntigravity:
		var cred GeminiCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, err
		}
		cred.Family = provider
		return &cred, nil

	case ProviderGeminiBusiness:
		var cred BusinessCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, err
		}
		return &cred, nil

	case ProviderKiro:
		var cred KiroCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, err
		}
		return &cred, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

