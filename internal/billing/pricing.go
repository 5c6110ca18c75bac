package billing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is the USD cost per 1K tokens.
type Price struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

func price(in, out string) Price {
	return Price{Input: decimal.RequireFromString(in), Output: decimal.RequireFromString(out)}
}

// DefaultPrice applies to models missing from the table. It is deliberately
// priced at the top of the table.
var DefaultPrice = price("0.03", "0.06")

var defaultPrices = map[string]Price{
	"gpt-4o-mini":       price("0.00015", "0.0006"),
	"gpt-4o":            price("0.005", "0.015"),
	"gpt-4-turbo":       price("0.01", "0.03"),
	"gpt-4":             price("0.03", "0.06"),
	"gpt-3.5":           price("0.0005", "0.0015"),
	"claude-3-opus":     price("0.015", "0.075"),
	"claude-opus":       price("0.015", "0.075"),
	"claude-3-5-sonnet": price("0.003", "0.015"),
	"claude-3-sonnet":   price("0.003", "0.015"),
	"claude-sonnet":     price("0.003", "0.015"),
	"claude-3-haiku":    price("0.00025", "0.00125"),
	"claude-haiku":      price("0.0008", "0.004"),
	"claude-instant":    price("0.0008", "0.0024"),
}

// Pricing resolves a model name to its price by longest matching prefix.
type Pricing struct {
	prices   map[string]Price
	prefixes []string
	fallback Price
}

// NewPricing builds the price table, applying overrides on top of the
// built-in prices.
func NewPricing(overrides map[string]Price) *Pricing {
	p := &Pricing{prices: make(map[string]Price), fallback: DefaultPrice}
	for k, v := range defaultPrices {
		p.prices[k] = v
	}
	for k, v := range overrides {
		p.prices[strings.ToLower(k)] = v
	}
	for k := range p.prices {
		p.prefixes = append(p.prefixes, k)
	}
	sort.Slice(p.prefixes, func(i, j int) bool {
		if len(p.prefixes[i]) != len(p.prefixes[j]) {
			return len(p.prefixes[i]) > len(p.prefixes[j])
		}
		return p.prefixes[i] < p.prefixes[j]
	})
	return p
}

// Lookup returns the price for model and whether it was found in the table.
func (p *Pricing) Lookup(model string) (Price, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			return p.prices[prefix], true
		}
	}
	return p.fallback, false
}
