// Package pricing resolves per-model token prices from an ordered,
// regex-keyed table and computes request cost in RUB with exact decimal
// arithmetic.
package pricing

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/shopspring/decimal"
)

//go:embed pricing.json
var defaultPricing []byte

// ModelPrice is the effective per-1K-token price for a model.
type ModelPrice struct {
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
}

type rawRule struct {
	Match           string   `json:"match"`
	PromptPer1K     *float64 `json:"prompt_per_1k_rub"`
	CompletionPer1K *float64 `json:"completion_per_1k_rub"`
}

type rawTable struct {
	Defaults struct {
		PromptPer1K     float64 `json:"prompt_per_1k_rub"`
		CompletionPer1K float64 `json:"completion_per_1k_rub"`
	} `json:"defaults"`
	Models []rawRule `json:"models"`
}

type rule struct {
	re    *regexp.Regexp
	price ModelPrice
}

// Table is the immutable, precompiled price table. Rules are ordered; the
// first full match wins and absent fields inherit the defaults.
type Table struct {
	defaults ModelPrice
	rules    []rule
}

// Load parses a pricing blob into a Table. Every regex is compiled once,
// anchored for full-string matching.
func Load(blob []byte) (*Table, error) {
	var raw rawTable
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}

	defaults := ModelPrice{
		PromptPer1K:     decimal.NewFromFloat(raw.Defaults.PromptPer1K),
		CompletionPer1K: decimal.NewFromFloat(raw.Defaults.CompletionPer1K),
	}

	rules := make([]rule, 0, len(raw.Models))
	for i, r := range raw.Models {
		if r.Match == "" {
			continue
		}
		re, err := regexp.Compile(`\A(?:` + r.Match + `)\z`)
		if err != nil {
			return nil, fmt.Errorf("pricing rule %d (%q): %w", i, r.Match, err)
		}
		price := defaults
		if r.PromptPer1K != nil {
			price.PromptPer1K = decimal.NewFromFloat(*r.PromptPer1K)
		}
		if r.CompletionPer1K != nil {
			price.CompletionPer1K = decimal.NewFromFloat(*r.CompletionPer1K)
		}
		rules = append(rules, rule{re: re, price: price})
	}

	return &Table{defaults: defaults, rules: rules}, nil
}

// LoadDefault loads the embedded table, or the file at path when non-empty.
func LoadDefault(path string) (*Table, error) {
	blob := defaultPricing
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pricing file: %w", err)
		}
		blob = data
	}
	return Load(blob)
}

// PriceFor returns the effective price for a model id.
func (t *Table) PriceFor(model string) ModelPrice {
	for _, r := range t.rules {
		if r.re.MatchString(model) {
			return r.price
		}
	}
	return t.defaults
}

// Cost computes (pt/1000)*prompt_rate + (ct/1000)*completion_rate. It
// returns nil only when both token counts are absent — an unknown cost, not
// a zero one.
func (t *Table) Cost(model string, promptTokens, completionTokens *int) *decimal.Decimal {
	if promptTokens == nil && completionTokens == nil {
		return nil
	}
	p := t.PriceFor(model)

	thousand := decimal.NewFromInt(1000)
	pt := decimal.Zero
	if promptTokens != nil {
		pt = decimal.NewFromInt(int64(*promptTokens))
	}
	ct := decimal.Zero
	if completionTokens != nil {
		ct = decimal.NewFromInt(int64(*completionTokens))
	}

	cost := pt.Div(thousand).Mul(p.PromptPer1K).Add(ct.Div(thousand).Mul(p.CompletionPer1K))
	return &cost
}
