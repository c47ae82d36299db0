// Package cost prices analysis calls so copy decisions can be reported
// as dollar savings.
package cost

// Rates maps each analysis stage to the approximate USD cost of one
// fresh external call.
type Rates struct {
	StageUSD map[string]float64 `yaml:"stage_usd" mapstructure:"stage_usd"`
}

// Calculator computes spend and savings for pipeline decisions.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FreshCall returns the cost of one fresh call for the stage. Unknown
// stages cost 0.
func (c *Calculator) FreshCall(stage string) float64 {
	return c.rates.StageUSD[stage]
}

// Savings returns the spend avoided by the given per-stage copy counts:
// every copy is a fresh call that never happened.
func (c *Calculator) Savings(copiedByStage map[string]int) float64 {
	var total float64
	for stage, n := range copiedByStage {
		total += float64(n) * c.rates.StageUSD[stage]
	}
	return total
}

// DefaultRates returns conservative per-stage call pricing.
func DefaultRates() Rates {
	return Rates{
		StageUSD: map[string]float64{
			"profiling":    0.012,
			"monetization": 0.018,
			"competition":  0.015,
		},
	}
}
