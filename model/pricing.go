// Package model maps model names to token rates and roles to their
// default models. Cost accounting multiplies through these tables;
// unknown models fall back to a default rate so spend is never
// silently zero.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Rate is the price of one model in USD per 1K tokens.
type Rate struct {
	// InputPer1K is the prompt-token rate.
	InputPer1K float64 `json:"input_per_1k"`

	// OutputPer1K is the completion-token rate.
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost returns the spend for a call with the given token counts.
func (r Rate) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1000*r.InputPer1K + float64(tokensOut)/1000*r.OutputPer1K
}

// Worker roles on the floor.
const (
	RoleImplementer   = "implementer"
	RoleLocalReviewer = "local_reviewer"
	RoleJudge         = "judge"
)

// Registry maps model names to rates and roles to default models.
type Registry struct {
	mu          sync.RWMutex
	rates       map[string]Rate
	roleModels  map[string]string
	defaultRate Rate
}

// NewDefaultRegistry returns a registry priced for the default fleet.
// Operators override it with a pricing file.
func NewDefaultRegistry() *Registry {
	return &Registry{
		rates: map[string]Rate{
			"claude-opus":   {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.010},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			// Local models cost nothing per token.
			"qwen2.5-coder": {},
			"llama3.2":      {},
		},
		roleModels: map[string]string{
			RoleImplementer:   "claude-sonnet",
			RoleLocalReviewer: "claude-haiku",
			RoleJudge:         "gpt-4o",
		},
		// Conservative fallback: price unknown models like the most
		// expensive known one so the budget trigger errs toward halting.
		defaultRate: Rate{InputPer1K: 0.015, OutputPer1K: 0.075},
	}
}

// Rate returns the rate for a model name, falling back to the default
// rate when the model is not priced.
func (r *Registry) Rate(model string) Rate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rate, ok := r.rates[model]; ok {
		return rate
	}
	return r.defaultRate
}

// Cost prices a call against the named model.
func (r *Registry) Cost(model string, tokensIn, tokensOut int64) float64 {
	return r.Rate(model).Cost(tokensIn, tokensOut)
}

// ForRole returns the default model for a worker role. Unknown roles
// get the implementer's model.
func (r *Registry) ForRole(role string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.roleModels[role]; ok {
		return m
	}
	return r.roleModels[RoleImplementer]
}

// SetRate adds or replaces one model's rate.
func (r *Registry) SetRate(model string, rate Rate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rates == nil {
		r.rates = make(map[string]Rate)
	}
	r.rates[model] = rate
}

// SetRoleModel assigns the default model for a role.
func (r *Registry) SetRoleModel(role, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roleModels == nil {
		r.roleModels = make(map[string]string)
	}
	r.roleModels[role] = model
}

// Models returns the priced model names, ordered.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rates))
	for name := range r.rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pricingFile is the JSON shape of an operator pricing override.
// Accepts either a full config with a "pricing" key or the bare shape.
type pricingFile struct {
	Rates       map[string]Rate   `json:"rates"`
	Roles       map[string]string `json:"roles"`
	DefaultRate *Rate             `json:"default_rate,omitempty"`
}

// LoadFromFile merges a pricing file over the registry. Entries in the
// file win; models absent from it keep their existing rates.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	return r.LoadFromJSON(data)
}

// LoadFromJSON merges pricing JSON over the registry.
func (r *Registry) LoadFromJSON(data []byte) error {
	var full struct {
		Pricing *pricingFile `json:"pricing"`
	}
	if err := json.Unmarshal(data, &full); err == nil && full.Pricing != nil {
		r.merge(full.Pricing)
		return nil
	}

	var pf pricingFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse pricing config: %w", err)
	}
	r.merge(&pf)
	return nil
}

func (r *Registry) merge(pf *pricingFile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rates == nil {
		r.rates = make(map[string]Rate)
	}
	for name, rate := range pf.Rates {
		r.rates[name] = rate
	}
	if r.roleModels == nil {
		r.roleModels = make(map[string]string)
	}
	for role, m := range pf.Roles {
		r.roleModels[role] = m
	}
	if pf.DefaultRate != nil {
		r.defaultRate = *pf.DefaultRate
	}
}
