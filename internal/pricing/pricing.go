// Package pricing holds the model catalogue offered to agents and per-model
// cost estimation for recorded token usage.
package pricing

import "math"

// Model is one catalogue entry. Costs are USD per thousand tokens.
type Model struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// Catalogue order is the order the settings API lists models in.
var catalogue = []Model{
	{ID: "claude-opus-4.5", Name: "Claude Opus 4.5", CostPer1KInput: 0.015, CostPer1KOutput: 0.075},
	{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", CostPer1KInput: 0.003, CostPer1KOutput: 0.015},
	{ID: "claude-haiku-4.5", Name: "Claude Haiku 4.5", CostPer1KInput: 0.0008, CostPer1KOutput: 0.004},
	{ID: "gpt-4o", Name: "GPT-4o", CostPer1KInput: 0.005, CostPer1KOutput: 0.015},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006},
}

// Catalogue returns a copy of the known models.
func Catalogue() []Model {
	out := make([]Model, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the catalogue entry for id.
func Lookup(id string) (Model, bool) {
	for _, m := range catalogue {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// EstimateCost returns the USD cost of the given token counts, rounded to
// six decimals. ok is false for models outside the catalogue.
func EstimateCost(model string, inputTokens, outputTokens int64) (cost float64, ok bool) {
	m, found := Lookup(model)
	if !found {
		return 0, false
	}
	raw := float64(inputTokens)/1000*m.CostPer1KInput + float64(outputTokens)/1000*m.CostPer1KOutput
	return math.Round(raw*1e6) / 1e6, true
}
