// Package usage provides token estimation and the Kiro credit→token
// reconstruction.
package usage

import "strings"

// KiroModelPricing holds per-model pricing in $/Mtok plus the context window
// the credit math is anchored to.
type KiroModelPricing struct {
	InputPrice  float64
	OutputPrice float64
	CacheCreate float64
	CacheRead   float64
	MaxContext  int
}

// kiroPricing maps CodeWhisperer model ids onto their pricing rows.
var kiroPricing = map[string]KiroModelPricing{
	"claude-sonnet-4-5": {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"claude-sonnet-4":   {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"claude-haiku-4-5":  {InputPrice: 1.0, OutputPrice: 5.0, CacheCreate: 1.25, CacheRead: 0.10, MaxContext: 200000},
	"claude-opus-4-5":   {InputPrice: 5.0, OutputPrice: 25.0, CacheCreate: 6.25, CacheRead: 0.50, MaxContext: 200000},
	"claude-3-7-sonnet": {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"amazonq-default":   {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
}

// kiroDefaultPricing applies to model ids without a dedicated row.
var kiroDefaultPricing = KiroModelPricing{
	InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000,
}

// PricingForKiroModel returns the pricing row for a CodeWhisperer model id.
// Date-suffixed and vendor-prefixed variants match their base row.
func PricingForKiroModel(model string) KiroModelPricing {
	model = strings.ToLower(model)
	if p, ok := kiroPricing[model]; ok {
		return p
	}
	for base, p := range kiroPricing {
		if strings.Contains(model, base) {
			return p
		}
	}
	return kiroDefaultPricing
}
