// Package cost maintains the per-model pricing and capability table used by
// cost-aware routing and usage reporting.
//
// The table ships with embedded defaults for the documented providers and can
// be refreshed from a JSON file at runtime. Lookups fall back from the exact
// "provider:model" key to the bare model name, mirroring how aliases resolve.
package cost

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// ModelCost describes pricing and capabilities for one (provider, model) pair.
// Prices are USD per 1 000 tokens.
type ModelCost struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	InputPer1K   float64  `json:"input_per_1k"`
	OutputPer1K  float64  `json:"output_per_1k"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// HasCapability reports whether cap is in the capability list.
func (m ModelCost) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Table is a refreshable pricing registry. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	costs map[string]ModelCost // key: "provider:model"
}

// New creates a Table populated with the built-in defaults.
func New() *Table {
	t := &Table{costs: make(map[string]ModelCost)}
	for _, c := range defaultCosts {
		t.costs[key(c.Provider, c.Model)] = c
	}
	return t
}

// Load merges entries from a JSON file of the shape
// {"provider:model": {input_per_1k, output_per_1k, capabilities, max_tokens}}.
// Existing entries with the same key are replaced; others are kept.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cost: read %s: %w", path, err)
	}

	var raw map[string]ModelCost
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cost: parse %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, c := range raw {
		if c.Provider == "" || c.Model == "" {
			c.Provider, c.Model = splitKey(k)
		}
		t.costs[k] = c
	}
	return nil
}

// Lookup returns the cost entry for (provider, model). When no exact entry
// exists it tries the bare model name under any provider.
func (t *Table) Lookup(provider, model string) (ModelCost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.costs[key(provider, model)]; ok {
		return c, true
	}
	for _, c := range t.costs {
		if c.Model == model {
			return c, true
		}
	}
	return ModelCost{}, false
}

// Estimate returns the estimated USD cost for the given token counts, or
// (0, false) when the model has no pricing entry.
func (t *Table) Estimate(provider, model string, promptTokens, completionTokens int) (float64, bool) {
	c, ok := t.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1000*c.InputPer1K + float64(completionTokens)/1000*c.OutputPer1K
	// Round to a tenth of a cent to avoid float noise in reports.
	return math.Round(cost*10000) / 10000, true
}

// Models returns all entries sorted by provider then model, for /v1/models.
func (t *Table) Models() []ModelCost {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ModelCost, 0, len(t.costs))
	for _, c := range t.costs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func key(provider, model string) string { return provider + ":" + model }

func splitKey(k string) (provider, model string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return "", k
}

// defaultCosts covers the models the gateway routes out of the box.
// Prices are USD per 1k tokens, checked against public provider price pages.
var defaultCosts = []ModelCost{
	{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 128000},
	{Provider: "openai", Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 128000},
	{Provider: "openai", Model: "gpt-4-turbo", InputPer1K: 0.01, OutputPer1K: 0.03,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 128000},
	{Provider: "openai", Model: "gpt-3.5-turbo", InputPer1K: 0.0005, OutputPer1K: 0.0015,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 16385},
	{Provider: "openai", Model: "text-embedding-3-small", InputPer1K: 0.00002,
		Capabilities: []string{"embeddings"}, MaxTokens: 8191},
	{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputPer1K: 0.003, OutputPer1K: 0.015,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 200000},
	{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", InputPer1K: 0.0008, OutputPer1K: 0.004,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 200000},
	{Provider: "anthropic", Model: "claude-3-opus-20240229", InputPer1K: 0.015, OutputPer1K: 0.075,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 200000},
	{Provider: "gemini", Model: "gemini-2.0-flash", InputPer1K: 0.0001, OutputPer1K: 0.0004,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 1048576},
	{Provider: "gemini", Model: "gemini-1.5-pro", InputPer1K: 0.00125, OutputPer1K: 0.005,
		Capabilities: []string{"chat", "tools", "vision"}, MaxTokens: 2097152},
	{Provider: "groq", Model: "llama3-8b-8192", InputPer1K: 0.00005, OutputPer1K: 0.00008,
		Capabilities: []string{"chat"}, MaxTokens: 8192},
	{Provider: "groq", Model: "llama-3.3-70b-versatile", InputPer1K: 0.00059, OutputPer1K: 0.00079,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 131072},
	{Provider: "xai", Model: "grok-3", InputPer1K: 0.003, OutputPer1K: 0.015,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 131072},
	{Provider: "deepseek", Model: "deepseek-chat", InputPer1K: 0.00027, OutputPer1K: 0.0011,
		Capabilities: []string{"chat", "tools"}, MaxTokens: 65536},
	{Provider: "together", Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo", InputPer1K: 0.00088, OutputPer1K: 0.00088,
		Capabilities: []string{"chat"}, MaxTokens: 131072},
}
