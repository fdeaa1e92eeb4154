// Package pricing holds the per-model cost table and the cost calculator.
//
// Rules are keyed by provider kind + provider-side model name, with a
// model-only fallback so one rule can cover a model served by several
// providers. The table is reloadable at runtime: lookups read an immutable
// snapshot via atomic.Pointer, updates swap in a new copy.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"
)

// ErrUnknownPricing is returned when no rule covers a model. Callers treat it
// as non-fatal: the request completes, cost is recorded as zero, and the log
// entry is flagged for reconciliation.
var ErrUnknownPricing = errors.New("pricing: no rule for model")

// Rule prices one model in USD per million tokens.
type Rule struct {
	Model         string  `json:"model"`
	Provider      string  `json:"provider,omitempty"` // empty matches any provider
	InputPerMTok  float64 `json:"input_cost_per_1m"`
	OutputPerMTok float64 `json:"output_cost_per_1m"`
}

// Table is a reloadable pricing table. The zero value is not usable; call New.
type Table struct {
	snapshot atomic.Pointer[map[string]Rule]
}

// New builds a table seeded with the built-in defaults.
func New() *Table {
	t := &Table{}
	t.store(builtinRules)
	return t
}

func key(provider, model string) string { return provider + "/" + model }

func (t *Table) store(rules []Rule) {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[key(r.Provider, r.Model)] = r
	}
	t.snapshot.Store(&m)
}

// Merge overlays rules onto the current snapshot. Existing entries with the
// same provider/model are replaced.
func (t *Table) Merge(rules []Rule) {
	cur := *t.snapshot.Load()
	m := make(map[string]Rule, len(cur)+len(rules))
	for k, v := range cur {
		m[k] = v
	}
	for _, r := range rules {
		m[key(r.Provider, r.Model)] = r
	}
	t.snapshot.Store(&m)
}

// fileFormat matches the pricing JSON file:
//
//	{"models": {"gpt-4o": {"input_cost_per_1m": 2.5, "output_cost_per_1m": 10}}}
//
// An optional "provider" field inside an entry scopes the rule.
type fileFormat struct {
	Models map[string]struct {
		Provider      string  `json:"provider,omitempty"`
		InputPerMTok  float64 `json:"input_cost_per_1m"`
		OutputPerMTok float64 `json:"output_cost_per_1m"`
	} `json:"models"`
}

// LoadFile merges rules from a JSON pricing file into the table.
func (t *Table) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("pricing: parse %s: %w", path, err)
	}

	rules := make([]Rule, 0, len(f.Models))
	for model, e := range f.Models {
		rules = append(rules, Rule{
			Model:         model,
			Provider:      e.Provider,
			InputPerMTok:  e.InputPerMTok,
			OutputPerMTok: e.OutputPerMTok,
		})
	}
	t.Merge(rules)
	return nil
}

// Lookup finds the rule for a provider/model pair, falling back to a
// provider-agnostic rule for the model.
func (t *Table) Lookup(provider, model string) (Rule, bool) {
	m := *t.snapshot.Load()
	if r, ok := m[key(provider, model)]; ok {
		return r, true
	}
	r, ok := m[key("", model)]
	return r, ok
}

// Rules returns a sorted copy of the current snapshot.
func (t *Table) Rules() []Rule {
	m := *t.snapshot.Load()
	out := make([]Rule, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Cost computes the USD cost of a completed request. Returns
// ErrUnknownPricing when no rule covers the model.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) (float64, error) {
	r, ok := t.Lookup(provider, model)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownPricing, provider, model)
	}
	cost := float64(inputTokens)*r.InputPerMTok/1e6 + float64(outputTokens)*r.OutputPerMTok/1e6
	return quantize(cost), nil
}

// quantize rounds to 1e-8 USD so repeated commits stay stable across
// float formatting round-trips.
func quantize(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
