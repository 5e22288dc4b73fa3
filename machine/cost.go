package machine

import (
	"github.com/c360studio/semfloor/model"
)

// Pricer prices one model call. Satisfied by model.Registry.
type Pricer interface {
	Cost(model string, tokensIn, tokensOut int64) float64
}

// CostDelta prices a worker call through the registry. Callers pass
// the result into ApplyOptions so the spend lands in the breaker
// counters and the matching history entry together.
func CostDelta(pricing Pricer, modelName string, tokensIn, tokensOut int64) float64 {
	if pricing == nil {
		pricing = model.NewDefaultRegistry()
	}
	return pricing.Cost(modelName, tokensIn, tokensOut)
}
